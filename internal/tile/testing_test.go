package tile

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/soma-tiles/deeptable/internal/columnar"
	"github.com/stretchr/testify/require"
)

var unitExtent = Rect{X: [2]float64{0, 1}, Y: [2]float64{0, 1}}

// fakeFetcher serves in-memory batches keyed by "key|suffix" and counts
// dispatched retrievals. When gate is set every retrieval blocks on it.
type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string]*columnar.Batch
	calls   map[string]int
	gate    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		objects: make(map[string]*columnar.Batch),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) put(key, suffix string, b *columnar.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key+"|"+suffix] = b
}

func (f *fakeFetcher) count(key, suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key+"|"+suffix]
}

func (f *fakeFetcher) Fetch(ctx context.Context, key, suffix string) (*columnar.Batch, error) {
	f.mu.Lock()
	f.calls[key+"|"+suffix]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key+"|"+suffix]
	if !ok {
		return nil, errors.New("object not found").WithTag("key", key)
	}
	return b, nil
}

type tileObject struct {
	extent   string
	children string
	ix       []int64
	x        []float64
	y        []float64
}

func (o tileObject) batch(t *testing.T) *columnar.Batch {
	t.Helper()

	var keys, vals []string
	if o.extent != "" {
		keys, vals = append(keys, "extent"), append(vals, o.extent)
	}
	if o.children != "" {
		keys, vals = append(keys, "children"), append(vals, o.children)
	}
	md := arrow.NewMetadata(keys, vals)

	x, y := o.x, o.y
	if x == nil {
		x = make([]float64, len(o.ix))
		y = make([]float64, len(o.ix))
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ix", Type: arrow.PrimitiveTypes.Int64},
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "y", Type: arrow.PrimitiveTypes.Float64},
	}, &md)

	b, err := columnar.NewBatch(schema, []arrow.Array{
		columnar.Int64s(o.ix),
		columnar.Float64s(x),
		columnar.Float64s(y),
	})
	require.NoError(t, err)
	return b
}

func newTestTree(t *testing.T, f Fetcher, opts ...func(*Config)) *Tree {
	t.Helper()

	cfg := Config{
		Name:    "test",
		Extent:  unitExtent,
		Fetcher: f,
	}
	for _, o := range opts {
		o(&cfg)
	}
	tree, err := NewTree(cfg)
	require.NoError(t, err)
	return tree
}

func leaf(key string, minIx, maxIx int64) Manifest {
	return Manifest{Key: key, Children: []string{}, MinIx: minIx, MaxIx: maxIx}
}

// logRecorder collects log entries written while a test runs.
type logRecorder struct {
	mu sync.Mutex
	b  strings.Builder
}

func (r *logRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.String()
}
