package tile

import (
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/soma-tiles/deeptable/internal/columnar"
)

// Point is one row of a realized tile batch.
type Point struct {
	Key string  `json:"tile"`
	Row int     `json:"row"`
	Ix  int64   `json:"ix"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

// IsVisible reports whether the tile falls within the admitted index budget
// and, when a viewport is given, overlaps it. A tile whose lower index bound
// is unknown is never visible.
func (n *Node) IsVisible(threshold int64, viewport *Rect) bool {
	if n.tree == nil {
		return false
	}
	n.tree.mu.RLock()
	minIx, known := n.tree.minIxLocked(n.index)
	n.tree.mu.RUnlock()

	if !known || minIx > threshold {
		return false
	}
	if viewport == nil {
		return true
	}
	return n.Extent().Intersects(*viewport)
}

// Extent returns the manifest or description extent, falling back to the
// theoretical extent.
func (n *Node) Extent() Rect {
	if n.tree == nil {
		return Rect{}
	}
	n.tree.mu.RLock()
	var e *Rect
	switch {
	case n.manifest != nil && n.manifest.Extent != nil:
		e = n.manifest.Extent
	case n.desc != nil && n.desc.Extent != nil:
		e = n.desc.Extent
	}
	n.tree.mu.RUnlock()

	if e != nil {
		return *e
	}
	return n.TheoreticalExtent()
}

// TheoreticalExtent quarters the dataset extent down to the tile's quadtree
// position. Non-quadtree datasets, and keys that are not depth/x/y triples,
// get the whole dataset extent.
func (n *Node) TheoreticalExtent() Rect {
	if n.tree == nil {
		return Rect{}
	}
	full := n.tree.Extent()
	if n.tree.cfg.Topology != Quadtree {
		return full
	}
	q, err := ParseKey(n.key)
	if err != nil {
		return full
	}
	return full.Quadrant(q)
}

// Points yields the tile's rows that lie strictly inside bbox, then the points
// of every loaded child overlapping bbox, depth first. A nil bbox yields every
// row. Nothing is fetched. Sorted iteration is not supported.
func (n *Node) Points(bbox *Rect, sorted bool) (iter.Seq[Point], error) {
	if sorted {
		return nil, errors.New("sorted point iteration is not supported").
			WithType(ErrTypeSortedIterationUnsupported).
			WithTag("tile", n.key)
	}
	if n.tree == nil {
		return nil, errMissingDeeptable()
	}

	return func(yield func(Point) bool) {
		n.yieldPoints(bbox, yield)
	}, nil
}

func (n *Node) yieldPoints(bbox *Rect, yield func(Point) bool) bool {
	if !n.Ready() {
		return true
	}

	cfg := n.tree.cfg
	xs, xok := n.lookupColumn(cfg.XColumn)
	ys, yok := n.lookupColumn(cfg.YColumn)
	ixs, _ := n.lookupColumn(cfg.IndexColumn)
	if xok && yok {
		rows := min(xs.Len(), ys.Len())
		for i := 0; i < rows; i++ {
			if xs.IsNull(i) || ys.IsNull(i) {
				continue
			}
			x, err := columnar.Float64At(xs, i)
			if err != nil {
				break
			}
			y, err := columnar.Float64At(ys, i)
			if err != nil {
				break
			}
			if bbox != nil && !bbox.Contains(x, y) {
				continue
			}
			if !yield(Point{Key: n.key, Row: i, Ix: indexAt(ixs, i), X: x, Y: y}) {
				return false
			}
		}
	}

	for _, c := range n.Children() {
		if !c.Ready() {
			continue
		}
		if bbox != nil && !c.Extent().Intersects(*bbox) {
			continue
		}
		if !c.yieldPoints(bbox, yield) {
			return false
		}
	}
	return true
}

func indexAt(ixs arrow.Array, i int) int64 {
	if ixs == nil || i >= ixs.Len() || ixs.IsNull(i) {
		return -1
	}
	v, err := columnar.Int64At(ixs, i)
	if err != nil {
		return -1
	}
	return v
}
