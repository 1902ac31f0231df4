package tile

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
	"github.com/soma-tiles/deeptable/internal/columnar"
)

const (
	extentMetadataKey   = "extent"
	childrenMetadataKey = "children"

	// corruptIndexSpan is added to the smallest stored index of a tile whose
	// bounds are inverted; the widened range starts at 0.
	corruptIndexSpan = 100000
)

// EnsureManifest completes the node's manifest if it is not already. A known
// description with children is turned into a manifest directly; otherwise
// the primary object is fetched and its metadata read. Concurrent callers
// share a single resolution. A failed resolution is forgotten so a later call
// can retry once the failed fetch has been evicted.
func (n *Node) EnsureManifest(ctx context.Context) (Manifest, error) {
	if n.tree == nil {
		return Manifest{}, errMissingDeeptable()
	}
	if m, ok := n.Manifest(); ok {
		return m, nil
	}

	n.mu.Lock()
	f := n.resolving
	start := f == nil
	if start {
		f = newFuture[Manifest]()
		n.resolving = f
	}
	n.mu.Unlock()

	if start {
		go n.resolve(context.WithoutCancel(ctx), f)
	}
	return f.wait(ctx)
}

func (n *Node) resolve(ctx context.Context, f *future[Manifest]) {
	m, source, err := n.populateManifest(ctx)
	if err == nil {
		err = n.SetManifest(m)
		if errors.IsType(err, ErrTypeManifestAlreadySet) {
			// Someone assigned a manifest while we were resolving; theirs wins.
			err, source = nil, ""
		}
	}
	if err != nil {
		n.mu.Lock()
		if n.resolving == f {
			n.resolving = nil
		}
		n.mu.Unlock()
		f.resolve(Manifest{}, err)
		return
	}

	m, _ = n.Manifest()
	if source != "" {
		instrumentManifestResolution(source)
	}
	if source == "object" {
		n.tree.recordManifest(ctx, m)
	}
	f.resolve(m, nil)
}

func (n *Node) populateManifest(ctx context.Context) (Manifest, string, error) {
	desc, err := n.description(ctx)
	if err != nil {
		return Manifest{}, "", err
	}
	if desc != nil && desc.Children != nil {
		return n.manifestFromDescription(*desc), "description", nil
	}

	m, err := n.manifestFromObject(ctx)
	return m, "object", err
}

// description returns the node's partial description, consulting the tree's
// description source at most once.
func (n *Node) description(ctx context.Context) (*Description, error) {
	t := n.tree
	t.mu.RLock()
	d, checked := n.desc, n.descChecked
	t.mu.RUnlock()
	if checked || t.cfg.Descriptions == nil {
		return d, nil
	}

	found, ok, err := t.cfg.Descriptions.Describe(ctx, n.key)
	if err != nil {
		return nil, errors.New("looking up tile description failed").
			WithTag("tile", n.key).
			Wrap(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !n.descChecked {
		if ok {
			found.Key = n.key
			n.desc = &found
		}
		n.descChecked = true
	}
	return n.desc, nil
}

func (n *Node) manifestFromDescription(d Description) Manifest {
	t := n.tree
	t.mu.RLock()
	minIx, known := t.minIxLocked(n.index)
	t.mu.RUnlock()
	if !known || minIx < 0 {
		minIx = 0
	}

	var maxIx int64
	switch {
	case d.MaxIx != nil:
		maxIx = *d.MaxIx
	case d.NPoints > 0:
		maxIx = minIx + int64(d.NPoints) - 1
	default:
		maxIx = minIx
	}
	minIx, maxIx = n.checkBounds(minIx, maxIx)

	extent := n.TheoreticalExtent()
	if d.Extent != nil {
		extent = *d.Extent
	}

	children := make([]string, len(d.Children))
	copy(children, d.Children)
	return Manifest{
		Key:      n.key,
		Children: children,
		MinIx:    minIx,
		MaxIx:    maxIx,
		Extent:   &extent,
		NPoints:  d.NPoints,
	}
}

func (n *Node) manifestFromObject(ctx context.Context) (Manifest, error) {
	b, err := n.Fetch(ctx, "")
	if err != nil {
		return Manifest{}, err
	}

	extent := n.TheoreticalExtent()
	if raw, ok := b.Metadata(extentMetadataKey); ok {
		var r Rect
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return Manifest{}, errors.New("tile extent metadata is not a rectangle").
				WithType(ErrTypeMalformedMetadata).
				WithTag("tile", n.key).
				Wrap(err)
		}
		extent = r
	}

	children := []string{}
	if raw, ok := b.Metadata(childrenMetadataKey); ok {
		if err := json.Unmarshal([]byte(raw), &children); err != nil {
			return Manifest{}, errors.New("tile children metadata is not a list of keys").
				WithType(ErrTypeMalformedMetadata).
				WithTag("tile", n.key).
				Wrap(err)
		}
		if children == nil {
			children = []string{}
		}
	}

	minIx, maxIx, err := n.indexBounds(b)
	if err != nil {
		return Manifest{}, err
	}

	n.registerCoreColumns(b)
	n.realize(b)

	return Manifest{
		Key:      n.key,
		Children: children,
		MinIx:    minIx,
		MaxIx:    maxIx,
		Extent:   &extent,
		NPoints:  b.NumRows(),
	}, nil
}

func (n *Node) indexBounds(b *columnar.Batch) (int64, int64, error) {
	name := n.tree.cfg.IndexColumn
	col, ok := b.Column(name)
	if !ok {
		return 0, 0, errors.New("primary tile object has no index column").
			WithType(ErrTypeMissingIndexColumn).
			WithTag("tile", n.key).
			WithTag("column", name)
	}

	if col.Len() == 0 {
		n.tree.mu.RLock()
		base, known := n.tree.minIxLocked(n.index)
		n.tree.mu.RUnlock()
		if !known || base < 0 {
			base = 0
		}
		return base, base, nil
	}

	if col.IsNull(0) || col.IsNull(col.Len()-1) {
		return 0, 0, errors.New("index column has a null bound").
			WithType(ErrTypeMalformedMetadata).
			WithTag("tile", n.key).
			WithTag("column", name)
	}

	first, err := columnar.Int64At(col, 0)
	if err != nil {
		return 0, 0, errors.New("index column is not numeric").
			WithType(ErrTypeMalformedMetadata).
			WithTag("tile", n.key).
			Wrap(err)
	}
	last, err := columnar.Int64At(col, col.Len()-1)
	if err != nil {
		return 0, 0, errors.New("index column is not numeric").
			WithType(ErrTypeMalformedMetadata).
			WithTag("tile", n.key).
			Wrap(err)
	}

	minIx, maxIx := n.checkBounds(first, last)
	return minIx, maxIx, nil
}

// checkBounds replaces inverted bounds with [0, smallest+corruptIndexSpan],
// where smallest is the lower of the two stored values, and logs the anomaly.
func (n *Node) checkBounds(minIx, maxIx int64) (int64, int64) {
	if minIx <= maxIx {
		return minIx, maxIx
	}

	tileManifestCorruptions.Inc()
	logs.Warn(errors.New("tile index bounds are inverted, widening").
		WithTag("dataset", n.tree.cfg.Name).
		WithTag("tile", n.key).
		WithTag("min_ix", minIx).
		WithTag("max_ix", maxIx))
	return 0, maxIx + corruptIndexSpan
}

// registerCoreColumns gives every tile a way to serve the columns found in
// this object by fetching its own primary object.
func (n *Node) registerCoreColumns(b *columnar.Batch) {
	reg := n.tree.registry
	for _, name := range b.Names() {
		if !reg.Has(name) {
			reg.Register(name, CoreColumn(name))
		}
	}
}

// realize merges the primary object's columns into the batch without
// replacing columns already present.
func (n *Node) realize(b *columnar.Batch) {
	n.mu.Lock()
	for _, name := range b.Names() {
		if _, ok := n.columns[name]; ok {
			continue
		}
		col, _ := b.Column(name)
		n.columns[name] = col
	}
	first := !n.ready
	n.ready = true
	n.rows = b.NumRows()
	n.mu.Unlock()

	if first {
		n.tree.markLoaded(n)
	}
}
