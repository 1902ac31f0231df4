// Package tile implements a lazily materialized tree of spatial tiles: manifest
// resolution, per-tile object fetching, on-demand column transformations and
// spatial queries over already loaded state.
package tile

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/soma-tiles/deeptable/internal/columnar"
)

// Topology tells whether tile keys are quadtree depth/x/y triples.
type Topology string

const (
	Quadtree Topology = "quadtree"
	Other    Topology = "other"
)

// DefaultRootKey is the key of the root tile of quadtree datasets.
const DefaultRootKey = "0/0/0"

// Fetcher retrieves and decodes the object of a tile. An empty suffix names
// the primary object, anything else an auxiliary variant.
type Fetcher interface {
	Fetch(ctx context.Context, key, suffix string) (*columnar.Batch, error)
}

// ColumnReleaser is told when a column is dropped from a tile, so mirrored
// buffers can be freed.
type ColumnReleaser interface {
	Release(key, column string)
}

// IDAllocator hands out increasing node ids. Trees may share one.
type IDAllocator struct {
	next atomic.Uint64
}

// Next returns the next id, starting at 1.
func (a *IDAllocator) Next() uint64 {
	return a.next.Add(1)
}

// Config describes the dataset that owns a tree.
type Config struct {
	Name     string
	RootKey  string
	Extent   Rect
	Topology Topology
	Fetcher  Fetcher

	// Transformations is shared with the dataset; a new registry is created
	// when nil.
	Transformations *Registry
	IDs             *IDAllocator
	Descriptions    DescriptionSource
	Sink            ManifestSink
	Releaser        ColumnReleaser

	// XColumn and YColumn name the coordinate columns read by Points.
	XColumn string
	YColumn string
	// IndexColumn names the ascending point index column.
	IndexColumn string
}

// Tree owns every node of one dataset. Nodes live in an arena and refer to
// their parent and children by arena index.
type Tree struct {
	cfg      Config
	registry *Registry
	ids      *IDAllocator

	mu    sync.RWMutex
	nodes []*Node
	byKey map[string]int

	loadedMu sync.Mutex
	loaded   *roaring.Bitmap
}

// NewTree creates a tree holding only the root node.
func NewTree(cfg Config) (*Tree, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("tile tree requires a fetcher").
			WithType(ErrTypeMissingDeeptableReference).
			WithTag("dataset", cfg.Name)
	}
	if cfg.RootKey == "" {
		cfg.RootKey = DefaultRootKey
	}
	if cfg.Topology == "" {
		cfg.Topology = Quadtree
	}
	if cfg.XColumn == "" {
		cfg.XColumn = "x"
	}
	if cfg.YColumn == "" {
		cfg.YColumn = "y"
	}
	if cfg.IndexColumn == "" {
		cfg.IndexColumn = "ix"
	}

	t := &Tree{
		cfg:      cfg,
		registry: cfg.Transformations,
		ids:      cfg.IDs,
		byKey:    make(map[string]int),
		loaded:   roaring.New(),
	}
	if t.registry == nil {
		t.registry = NewRegistry()
	}
	if t.ids == nil {
		t.ids = &IDAllocator{}
	}

	t.mu.Lock()
	t.newNodeLocked(cfg.RootKey, -1)
	t.mu.Unlock()
	return t, nil
}

// Name returns the dataset name.
func (t *Tree) Name() string { return t.cfg.Name }

// Topology returns the key topology.
func (t *Tree) Topology() Topology { return t.cfg.Topology }

// Transformations returns the shared transformation registry.
func (t *Tree) Transformations() *Registry { return t.registry }

// Root returns the root node.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[0]
}

// Lookup returns the materialized node with the given key.
func (t *Tree) Lookup(key string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	return t.nodes[idx], true
}

// Len returns the number of materialized nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Walk visits nodes depth-first from the root until fn returns false.
func (t *Tree) Walk(fn func(*Node) bool) {
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Children() {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(t.Root())
}

// Loaded returns the number of nodes whose batch has been realized.
func (t *Tree) Loaded() uint64 {
	t.loadedMu.Lock()
	defer t.loadedMu.Unlock()
	return t.loaded.GetCardinality()
}

// Extent returns the declared dataset extent, or the root manifest extent when
// none was declared.
func (t *Tree) Extent() Rect {
	if !t.cfg.Extent.IsZero() {
		return t.cfg.Extent
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m := t.nodes[0].manifest; m != nil && m.Extent != nil {
		return *m.Extent
	}
	return Rect{}
}

// HighestKnownIx returns the largest point index loaded anywhere in the tree.
func (t *Tree) HighestKnownIx() int64 {
	return t.Root().HighestKnownIx()
}

// Describe supplies a caller-provided partial description for a materialized
// node that has no manifest yet.
func (t *Tree) Describe(key string, d Description) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byKey[key]
	if !ok {
		return false
	}
	n := t.nodes[idx]
	if n.manifest != nil {
		return false
	}
	d.Key = key
	n.desc = &d
	n.descChecked = true
	return true
}

func (t *Tree) newNodeLocked(key string, parent int) *Node {
	n := &Node{
		tree:           t,
		index:          len(t.nodes),
		id:             t.ids.Next(),
		key:            key,
		parent:         parent,
		highestKnownIx: -1,
		columns:        make(map[string]arrow.Array),
		fetches:        make(map[string]*fetchEntry),
		transforms:     make(map[string]*future[arrow.Array]),
	}
	t.nodes = append(t.nodes, n)
	t.byKey[key] = n.index
	return n
}

// raiseLocked lifts highestKnownIx from node idx up through its ancestors.
// Ancestors already at or above v stop the walk since their own ancestors are
// at least as high.
func (t *Tree) raiseLocked(idx int, v int64) {
	for i := idx; i >= 0; i = t.nodes[i].parent {
		n := t.nodes[i]
		if n.highestKnownIx >= v {
			return
		}
		n.highestKnownIx = v
	}
}

func (t *Tree) markLoaded(n *Node) {
	t.loadedMu.Lock()
	t.loaded.Add(uint32(n.index))
	t.loadedMu.Unlock()
}

func (t *Tree) recordManifest(ctx context.Context, m Manifest) {
	if t.cfg.Sink == nil {
		return
	}
	if err := t.cfg.Sink.RecordManifest(ctx, m); err != nil {
		logs.Warn(errors.New("recording manifest failed").
			WithTag("dataset", t.cfg.Name).
			WithTag("tile", m.Key).
			Wrap(err))
	}
}
