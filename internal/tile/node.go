package tile

import (
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Node is one tile of a tree.
type Node struct {
	tree   *Tree
	index  int
	id     uint64
	key    string
	parent int

	// Guarded by tree.mu.
	children       []int
	manifest       *Manifest
	desc           *Description
	descChecked    bool
	highestKnownIx int64

	mu         sync.Mutex
	columns    map[string]arrow.Array
	rows       int
	ready      bool
	fetches    map[string]*fetchEntry
	transforms map[string]*future[arrow.Array]
	resolving  *future[Manifest]
}

// Key returns the tile key.
func (n *Node) Key() string { return n.key }

// ID returns the id assigned at construction.
func (n *Node) ID() uint64 { return n.id }

// Tree returns the owning tree.
func (n *Node) Tree() *Tree { return n.tree }

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	if n.tree == nil || n.parent < 0 {
		return nil
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.tree.nodes[n.parent]
}

// Children returns the materialized children. It is empty until the manifest
// is complete.
func (n *Node) Children() []*Node {
	if n.tree == nil {
		return nil
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	out := make([]*Node, len(n.children))
	for i, idx := range n.children {
		out[i] = n.tree.nodes[idx]
	}
	return out
}

// Manifest returns the complete manifest, if set.
func (n *Node) Manifest() (Manifest, bool) {
	if n.tree == nil {
		return Manifest{}, false
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	if n.manifest == nil {
		return Manifest{}, false
	}
	return n.manifest.clone(), true
}

// RequireManifest returns the manifest or a manifest-accessed-before-ready
// error.
func (n *Node) RequireManifest() (Manifest, error) {
	m, ok := n.Manifest()
	if !ok {
		return Manifest{}, errManifestNotReady(n.key)
	}
	return m, nil
}

// ManifestState reports how much of the node's structure is known.
func (n *Node) ManifestState() ManifestState {
	if n.tree == nil {
		return Unresolved
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	switch {
	case n.manifest != nil:
		return Complete
	case n.desc != nil:
		return Partial
	default:
		return Unresolved
	}
}

// SetManifest completes the node. It is the only place children are created
// and the only place highestKnownIx is raised from manifest bounds. Setting an
// identical manifest again is a no-op; a different one is rejected.
func (n *Node) SetManifest(m Manifest) error {
	if n.tree == nil {
		return errMissingDeeptable()
	}
	if m.Children == nil {
		return errors.New("manifest has no children list").
			WithType(ErrTypeIncompleteManifestAssigned).
			WithTag("tile", n.key)
	}
	if m.Key == "" {
		m.Key = n.key
	}
	m = m.clone()

	t := n.tree
	t.mu.Lock()
	if n.manifest != nil {
		same := n.manifest.Equal(m)
		t.mu.Unlock()
		if same {
			return nil
		}
		return errors.New("manifest is already set").
			WithType(ErrTypeManifestAlreadySet).
			WithTag("tile", n.key)
	}

	n.manifest = &m
	for _, ck := range m.Children {
		if _, exists := t.byKey[ck]; exists {
			continue
		}
		child := t.newNodeLocked(ck, n.index)
		n.children = append(n.children, child.index)
	}
	t.raiseLocked(n.index, m.MaxIx)
	t.mu.Unlock()
	return nil
}

// MinIx returns the manifest's lower index bound, falling back to the
// parent's MaxIx+1. At an unresolved root it returns -1.
func (n *Node) MinIx() int64 {
	if n.tree == nil {
		return -1
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	v, _ := n.tree.minIxLocked(n.index)
	return v
}

// MaxIx returns the manifest's upper index bound, falling back to the
// parent's MaxIx+1, or -1 at the root.
func (n *Node) MaxIx() int64 {
	if n.tree == nil {
		return -1
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.tree.maxIxLocked(n.index)
}

// HighestKnownIx is the largest index known to be loaded in this subtree.
func (n *Node) HighestKnownIx() int64 {
	if n.tree == nil {
		return -1
	}
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.highestKnownIx
}

// RaiseHighestKnownIx records that index v is loaded under this node and
// propagates it to every ancestor. Lower values are ignored.
func (n *Node) RaiseHighestKnownIx(v int64) {
	if n.tree == nil {
		return
	}
	n.tree.mu.Lock()
	n.tree.raiseLocked(n.index, v)
	n.tree.mu.Unlock()
}

func (t *Tree) minIxLocked(idx int) (int64, bool) {
	n := t.nodes[idx]
	switch {
	case n.manifest != nil:
		return n.manifest.MinIx, true
	case n.desc != nil && n.desc.MinIx != nil:
		return *n.desc.MinIx, true
	case n.parent >= 0:
		return t.maxIxLocked(n.parent) + 1, true
	default:
		return -1, false
	}
}

func (t *Tree) maxIxLocked(idx int) int64 {
	n := t.nodes[idx]
	switch {
	case n.manifest != nil:
		return n.manifest.MaxIx
	case n.desc != nil && n.desc.MaxIx != nil:
		return *n.desc.MaxIx
	case n.parent >= 0:
		return t.maxIxLocked(n.parent) + 1
	default:
		return -1
	}
}

// Ready reports whether the node's batch has been realized.
func (n *Node) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

// NumRows returns the row count of the realized batch.
func (n *Node) NumRows() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rows
}

// HasColumn reports whether the batch currently holds the column.
func (n *Node) HasColumn(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.columns[name]
	return ok
}

// ColumnNames returns the columns currently in the batch, sorted.
func (n *Node) ColumnNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.columns))
	for name := range n.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n *Node) lookupColumn(name string) (arrow.Array, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	col, ok := n.columns[name]
	return col, ok
}

// mergeColumn stores col in the batch, replacing any existing column, as long
// as holder is still the transformation registered under name. It realizes the
// batch on first use.
func (n *Node) mergeColumn(name string, col arrow.Array, holder *future[arrow.Array]) {
	n.mu.Lock()
	if n.transforms[name] != holder {
		n.mu.Unlock()
		return
	}
	n.columns[name] = col
	first := !n.ready
	if first {
		n.ready = true
		n.rows = col.Len()
	}
	n.mu.Unlock()

	if first {
		n.tree.markLoaded(n)
	}
}
