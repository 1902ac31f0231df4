package prefetch

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/soma-tiles/deeptable/internal/columnar"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/soma-tiles/deeptable/internal/tile"
	"github.com/stretchr/testify/require"
)

// quadFetcher serves a full quadtree of the given depth, one point per tile.
type quadFetcher struct {
	depth int
	calls atomic.Int32
}

func (f *quadFetcher) Fetch(ctx context.Context, key, suffix string) (*columnar.Batch, error) {
	f.calls.Add(1)
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

	md := arrow.NewMetadata([]string{"children"}, []string{children})
	schema := arrow.NewSchema([]arrow.Field{{Name: "ix", Type: arrow.PrimitiveTypes.Int64}}, &md)
	return columnar.NewBatch(schema, []arrow.Array{columnar.Int64s([]int64{int64(q.Depth)})})
}

func TestSiblings(t *testing.T) {
	f := &quadFetcher{depth: 3}
	tree, err := tile.NewTree(tile.Config{Name: "quad", Fetcher: f})
	require.NoError(t, err)

	cache, err := lru.New[string, []string](8)
	require.NoError(t, err)
	g, err := macrotile.NewGrouper(2, 1, cache)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tree.Root().EnsureManifest(ctx)
	require.NoError(t, err)

	// 2/1/1 groups under 0/0/0 with levels 1 and 2 below it.
	resolved, err := Siblings(ctx, tree, g, "2/1/1", 3)
	require.NoError(t, err)
	require.Equal(t, 4+16, resolved)

	for _, k := range []string{"1/0/0", "2/3/3"} {
		n, ok := tree.Lookup(k)
		require.True(t, ok, k)
		require.Equal(t, tile.Complete, n.ManifestState(), k)
	}

	again, err := Siblings(ctx, tree, g, "2/1/1", 3)
	require.NoError(t, err)
	require.Zero(t, again)
	require.Equal(t, int32(1+4+16), f.calls.Load())
}

func TestManagerRunsJobs(t *testing.T) {
	var runs atomic.Int32
	m := NewManager(Config{MaxConcurrent: 2}, func(ctx context.Context, dataset, key string) (int, error) {
		runs.Add(1)
		if key == "bad" {
			return 0, errors.New("no such tile")
		}
		return 3, nil
	})
	m.Start()
	defer m.Stop()

	ok, err := m.Submit("pbmc", "1/0/0")
	require.NoError(t, err)
	require.Equal(t, JobStatusQueued, ok.Status)
	require.NotEmpty(t, ok.ID)

	bad, err := m.Submit("pbmc", "bad")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := m.Get(ok.ID)
		b, _ := m.Get(bad.ID)
		return j.Status == JobStatusCompleted && b.Status == JobStatusFailed
	}, time.Second, 5*time.Millisecond)

	j, _ := m.Get(ok.ID)
	require.Equal(t, 3, j.Resolved)
	require.NotNil(t, j.FinishedAt)

	b, _ := m.Get(bad.ID)
	require.Contains(t, b.Error, "no such tile")
	require.Equal(t, int32(2), runs.Load())
}

func TestManagerQueueFull(t *testing.T) {
	m := NewManager(Config{QueueSize: 1}, nil)

	_, err := m.Submit("pbmc", "0/0/0")
	require.NoError(t, err)

	_, err = m.Submit("pbmc", "0/0/0")
	require.True(t, errors.IsType(err, ErrTypeQueueFull))

	m.Stop()
	_, err = m.Submit("pbmc", "0/0/0")
	require.Error(t, err)
}

func TestManagerForgetsOldJobs(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1, KeepJobs: 1}, func(ctx context.Context, dataset, key string) (int, error) {
		return 0, nil
	})
	m.Start()

	first, err := m.Submit("pbmc", "0/0/0")
	require.NoError(t, err)
	second, err := m.Submit("pbmc", "1/0/0")
	require.NoError(t, err)
	m.Stop()

	_, ok := m.Get(first.ID)
	require.False(t, ok)
	_, ok = m.Get(second.ID)
	require.True(t, ok)
}
