package tile

import (
	"math/rand"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewTreeRequiresFetcher(t *testing.T) {
	_, err := NewTree(Config{Name: "orphan"})
	require.Error(t, err)
	require.True(t, errors.IsType(err, ErrTypeMissingDeeptableReference))
}

func TestDetachedNode(t *testing.T) {
	var n Node
	_, err := n.RequireManifest()
	require.True(t, errors.IsType(err, ErrTypeMissingDeeptableReference) ||
		errors.IsType(err, ErrTypeManifestAccessedBeforeReady))

	err = n.SetManifest(leaf("0/0/0", 0, 1))
	require.True(t, errors.IsType(err, ErrTypeMissingDeeptableReference))
	require.Equal(t, int64(-1), n.MinIx())
}

func TestSetManifest(t *testing.T) {
	t.Run("builds children", func(t *testing.T) {
		tree := newTestTree(t, newFakeFetcher())
		root := tree.Root()
		require.Equal(t, Unresolved, root.ManifestState())

		_, err := root.RequireManifest()
		require.True(t, errors.IsType(err, ErrTypeManifestAccessedBeforeReady))

		err = root.SetManifest(Manifest{
			Children: []string{"1/0/0", "1/1/0"},
			MinIx:    0,
			MaxIx:    99,
		})
		require.NoError(t, err)
		require.Equal(t, Complete, root.ManifestState())
		require.Equal(t, 3, tree.Len())

		children := root.Children()
		require.Len(t, children, 2)
		require.Equal(t, "1/0/0", children[0].Key())
		require.Equal(t, root, children[0].Parent())
		require.Nil(t, root.Parent())

		m, err := root.RequireManifest()
		require.NoError(t, err)
		require.Equal(t, "0/0/0", m.Key)
		require.Equal(t, int64(99), root.HighestKnownIx())
	})

	t.Run("identical manifest is a no-op", func(t *testing.T) {
		tree := newTestTree(t, newFakeFetcher())
		m := Manifest{Key: "0/0/0", Children: []string{"1/0/0"}, MinIx: 0, MaxIx: 9}

		require.NoError(t, tree.Root().SetManifest(m))
		require.NoError(t, tree.Root().SetManifest(m))
		require.Equal(t, 2, tree.Len())
	})

	t.Run("different manifest is rejected", func(t *testing.T) {
		tree := newTestTree(t, newFakeFetcher())
		require.NoError(t, tree.Root().SetManifest(leaf("0/0/0", 0, 9)))

		err := tree.Root().SetManifest(leaf("0/0/0", 0, 10))
		require.True(t, errors.IsType(err, ErrTypeManifestAlreadySet))

		m, _ := tree.Root().Manifest()
		require.Equal(t, int64(9), m.MaxIx)
	})

	t.Run("missing children list", func(t *testing.T) {
		tree := newTestTree(t, newFakeFetcher())

		err := tree.Root().SetManifest(Manifest{MinIx: 0, MaxIx: 9})
		require.True(t, errors.IsType(err, ErrTypeIncompleteManifestAssigned))
		require.Equal(t, Unresolved, tree.Root().ManifestState())
	})

	t.Run("returned manifest is a copy", func(t *testing.T) {
		tree := newTestTree(t, newFakeFetcher())
		require.NoError(t, tree.Root().SetManifest(Manifest{Children: []string{"1/0/0"}}))

		m, _ := tree.Root().Manifest()
		m.Children[0] = "changed"

		again, _ := tree.Root().Manifest()
		require.Equal(t, []string{"1/0/0"}, again.Children)
	})
}

func TestIndexBoundsFallBackToParent(t *testing.T) {
	tree := newTestTree(t, newFakeFetcher())
	root := tree.Root()
	require.Equal(t, int64(-1), root.MinIx())
	require.Equal(t, int64(-1), root.MaxIx())

	require.NoError(t, root.SetManifest(Manifest{Children: []string{"1/0/0"}, MinIx: 0, MaxIx: 49}))
	child := root.Children()[0]
	require.Equal(t, int64(50), child.MinIx())
	require.Equal(t, int64(50), child.MaxIx())

	require.NoError(t, child.SetManifest(leaf("", 50, 80)))
	require.Equal(t, int64(50), child.MinIx())
	require.Equal(t, int64(80), child.MaxIx())
}

func TestHighestKnownIxIsMonotonicUpward(t *testing.T) {
	tree := newTestTree(t, newFakeFetcher())
	root := tree.Root()

	// Build a full quadtree three levels deep.
	level := []*Node{root}
	for depth := 0; depth < 3; depth++ {
		var next []*Node
		for _, n := range level {
			q, err := ParseKey(n.Key())
			require.NoError(t, err)

			var children []string
			for _, c := range q.Children() {
				children = append(children, c.String())
			}
			require.NoError(t, n.SetManifest(Manifest{Children: children, MinIx: -1, MaxIx: -1}))
			next = append(next, n.Children()...)
		}
		level = next
	}
	for _, n := range level {
		require.NoError(t, n.SetManifest(leaf("", -1, -1)))
	}

	var all []*Node
	tree.Walk(func(n *Node) bool {
		all = append(all, n)
		return true
	})
	require.Len(t, all, 1+4+16+64)

	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		all[rnd.Intn(len(all))].RaiseHighestKnownIx(int64(rnd.Intn(10000)))
	}

	tree.Walk(func(n *Node) bool {
		for p := n.Parent(); p != nil; p = p.Parent() {
			require.GreaterOrEqual(t, p.HighestKnownIx(), n.HighestKnownIx())
		}
		return true
	})

	before := root.HighestKnownIx()
	all[len(all)-1].RaiseHighestKnownIx(before - 1)
	require.Equal(t, before, root.HighestKnownIx())
}

func TestIDsComeFromAllocator(t *testing.T) {
	ids := &IDAllocator{}
	a := newTestTree(t, newFakeFetcher(), func(c *Config) { c.IDs = ids })
	b := newTestTree(t, newFakeFetcher(), func(c *Config) { c.IDs = ids })

	require.Equal(t, uint64(1), a.Root().ID())
	require.Equal(t, uint64(2), b.Root().ID())

	require.NoError(t, a.Root().SetManifest(Manifest{Children: []string{"1/0/0"}}))
	require.Equal(t, uint64(3), a.Root().Children()[0].ID())
}

func TestDescribe(t *testing.T) {
	tree := newTestTree(t, newFakeFetcher())
	minIx := int64(7)

	require.True(t, tree.Describe("0/0/0", Description{MinIx: &minIx, NPoints: 3}))
	require.False(t, tree.Describe("9/0/0", Description{}))
	require.Equal(t, Partial, tree.Root().ManifestState())
	require.Equal(t, int64(7), tree.Root().MinIx())
}
