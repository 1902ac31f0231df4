package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/soma-tiles/deeptable/internal/columnar"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/soma-tiles/deeptable/internal/manifeststore"
	"github.com/soma-tiles/deeptable/internal/tile"
	"github.com/stretchr/testify/require"
)

// quadFetcher serves a full quadtree of the given depth over the unit square.
// Every tile holds one point at its centre whose index is its depth.
type quadFetcher struct {
	depth int
}

func (f quadFetcher) Fetch(ctx context.Context, key, suffix string) (*columnar.Batch, error) {
	q, err := tile.ParseKey(key)
	if err != nil {
		return nil, err
	}

	children := "[]"
	if q.Depth < f.depth {
		var keys []string
		for _, c := range q.Children() {
			keys = append(keys, fmt.Sprintf("%q", c.String()))
		}
		children = "[" + strings.Join(keys, ",") + "]"
	}

	cell := unit.Quadrant(q)
	md := arrow.NewMetadata([]string{"children"}, []string{children})
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ix", Type: arrow.PrimitiveTypes.Int64},
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "y", Type: arrow.PrimitiveTypes.Float64},
	}, &md)
	return columnar.NewBatch(schema, []arrow.Array{
		columnar.Int64s([]int64{int64(q.Depth)}),
		columnar.Float64s([]float64{(cell.X[0] + cell.X[1]) / 2}),
		columnar.Float64s([]float64{(cell.Y[0] + cell.Y[1]) / 2}),
	})
}

var unit = tile.Rect{X: [2]float64{0, 1}, Y: [2]float64{0, 1}}

func newTestService(t *testing.T) *TreeService {
	t.Helper()

	store, err := manifeststore.NewStore(filepath.Join(t.TempDir(), "manifests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	view := store.Dataset("quad")

	tree, err := tile.NewTree(tile.Config{
		Name:         "quad",
		Extent:       unit,
		Fetcher:      quadFetcher{depth: 3},
		Descriptions: view,
		Sink:         view,
	})
	require.NoError(t, err)

	cache, err := lru.New[string, []string](16)
	require.NoError(t, err)
	g, err := macrotile.NewGrouper(2, 1, cache)
	require.NoError(t, err)

	svc, err := NewTreeService(TreeServiceConfig{
		Tree:      tree,
		Grouper:   g,
		Manifests: view,
	})
	require.NoError(t, err)
	return svc
}

func TestNodeWalksAncestors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	n, err := svc.Node(ctx, "3/5/2")
	require.NoError(t, err)
	require.Equal(t, "3/5/2", n.Key())
	require.Equal(t, "quad", svc.DatasetID())

	for _, k := range []string{"0/0/0", "1/1/0", "2/2/1"} {
		a, ok := svc.Tree().Lookup(k)
		require.True(t, ok)
		require.Equal(t, tile.Complete, a.ManifestState())
	}

	_, err = svc.Node(ctx, "4/0/0")
	require.True(t, errors.IsType(err, ErrTypeTileNotFound))

	_, err = svc.Node(ctx, "bogus")
	require.True(t, errors.IsType(err, tile.ErrTypeInvalidKey))
}

func TestManifestAndColumns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	v, err := svc.Manifest(ctx, "1/0/1")
	require.NoError(t, err)
	require.Equal(t, "complete", v.State)
	require.Len(t, v.Manifest.Children, 4)
	require.Equal(t, tile.Rect{X: [2]float64{0, 0.5}, Y: [2]float64{0.5, 1}}, v.Extent)
	require.Equal(t, []string{"ix", "x", "y"}, v.Columns)

	sum, err := svc.Column(ctx, "1/0/1", "x")
	require.NoError(t, err)
	require.Equal(t, 1, sum.Len)
	require.Equal(t, "float64", sum.Type)
	require.Equal(t, 0.25, *sum.Min)
	require.Equal(t, []string{"0.25"}, sum.Sample)

	ok, err := svc.DeleteColumn("1/0/1", "x")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.DeleteColumn("3/7/7", "x")
	require.True(t, errors.IsType(err, ErrTypeTileNotFound))

	_, err = svc.Column(ctx, "1/0/1", "absent")
	require.True(t, errors.IsType(err, tile.ErrTypeColumnNotFound))

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, *st.StoredManifests)
	require.Equal(t, "quadtree", st.Topology)
	require.Equal(t, uint64(2), st.Loaded)
}

func TestPointsRespectsThreshold(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.PrefetchSiblings(ctx, "2/0/0")
	require.NoError(t, err)

	all, err := svc.Points(ctx, -1, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 1+4+16)

	shallow, err := svc.Points(ctx, 1, nil, 0)
	require.NoError(t, err)
	require.Len(t, shallow, 1+4)

	box := &tile.Rect{X: [2]float64{0, 0.5}, Y: [2]float64{0, 0.5}}
	inBox, err := svc.Points(ctx, -1, box, 0)
	require.NoError(t, err)
	require.Len(t, inBox, 1+4)

	limited, err := svc.Points(ctx, -1, nil, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
}

func TestMacrotileView(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Node(ctx, "2/1/1")
	require.NoError(t, err)

	v, err := svc.Macrotile("2/1/1")
	require.NoError(t, err)
	require.Equal(t, "0/0/0", v.Macrotile)
	require.Len(t, v.Siblings, 4+16)
	require.Equal(t, 4+4, v.Materialized)

	_, err = svc.Prefetch("2/1/1")
	require.True(t, errors.IsType(err, ErrTypePrefetchDisabled))
}
