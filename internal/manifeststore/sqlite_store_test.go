package manifeststore

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/soma-tiles/deeptable/internal/columnar"
	"github.com/soma-tiles/deeptable/internal/tile"
	"github.com/stretchr/testify/require"
)

var (
	_ tile.DescriptionSource = (*Dataset)(nil)
	_ tile.ManifestSink      = (*Dataset)(nil)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "db", "manifests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	extent := tile.Rect{X: [2]float64{0, 1}, Y: [2]float64{0, 2}}
	m := tile.Manifest{
		Key:      "0/0/0",
		Children: []string{"1/0/0", "1/1/0"},
		MinIx:    0,
		MaxIx:    99,
		Extent:   &extent,
		NPoints:  100,
	}
	require.NoError(t, s.Put(ctx, "a", m))

	got, ok, err := s.Get(ctx, "a", "0/0/0")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(m))

	_, ok, err = s.Get(ctx, "b", "0/0/0")
	require.NoError(t, err)
	require.False(t, ok)

	leaf := tile.Manifest{Key: "1/0/0", Children: []string{}, MinIx: 100, MaxIx: 120}
	require.NoError(t, s.Put(ctx, "a", leaf))
	got, _, err = s.Get(ctx, "a", "1/0/0")
	require.NoError(t, err)
	require.Equal(t, []string{}, got.Children)
	require.Nil(t, got.Extent)

	m.MaxIx = 150
	require.NoError(t, s.Put(ctx, "a", m))
	n, err := s.Count(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all, err := s.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(150), all[0].MaxIx)

	removed, err := s.DeleteDataset(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)
}

func TestPutRejectsIncompleteManifest(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.Put(context.Background(), "a", tile.Manifest{Key: "0/0/0"}))
}

type countingFetcher struct {
	calls atomic.Int32
	batch *columnar.Batch
}

func (f *countingFetcher) Fetch(ctx context.Context, key, suffix string) (*columnar.Batch, error) {
	f.calls.Add(1)
	return f.batch, nil
}

func TestTreeRebuildsFromStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	view := s.Dataset("pbmc")

	md := arrow.NewMetadata([]string{"children"}, []string{`["1/0/0"]`})
	schema := arrow.NewSchema([]arrow.Field{{Name: "ix", Type: arrow.PrimitiveTypes.Int64}}, &md)
	b, err := columnar.NewBatch(schema, []arrow.Array{columnar.Int64s([]int64{0, 41})})
	require.NoError(t, err)

	f := &countingFetcher{batch: b}
	first, err := tile.NewTree(tile.Config{Name: "pbmc", Fetcher: f, Sink: view})
	require.NoError(t, err)
	_, err = first.Root().EnsureManifest(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.calls.Load())

	n, err := view.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := tile.NewTree(tile.Config{Name: "pbmc", Fetcher: f, Descriptions: view})
	require.NoError(t, err)
	m, err := second.Root().EnsureManifest(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(41), m.MaxIx)
	require.Equal(t, []string{"1/0/0"}, m.Children)
	require.Equal(t, int32(1), f.calls.Load())
}
