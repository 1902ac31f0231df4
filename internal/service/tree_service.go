// Package service exposes the tile tree of one dataset to the HTTP layer and
// the CLI.
package service

import (
	"context"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/soma-tiles/deeptable/internal/columnar"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/soma-tiles/deeptable/internal/manifeststore"
	"github.com/soma-tiles/deeptable/internal/prefetch"
	"github.com/soma-tiles/deeptable/internal/tile"
)

const (
	ErrTypeTileNotFound     = "tile-not-found"
	ErrTypePrefetchDisabled = "prefetch-disabled"
)

// sampleSize is how many values a column summary shows.
const sampleSize = 10

// TreeServiceConfig contains tree service configuration.
type TreeServiceConfig struct {
	DatasetID string
	Tree      *tile.Tree
	Grouper   *macrotile.Grouper
	// Optional.
	Prefetch  *prefetch.Manager
	Manifests *manifeststore.Dataset
	// PrefetchParallel bounds concurrent manifest resolutions per job.
	PrefetchParallel int
}

// TreeService answers queries over one dataset's tile tree.
type TreeService struct {
	datasetID string
	tree      *tile.Tree
	grouper   *macrotile.Grouper
	prefetch  *prefetch.Manager
	manifests *manifeststore.Dataset
	parallel  int
}

// NewTreeService creates a new tree service.
func NewTreeService(cfg TreeServiceConfig) (*TreeService, error) {
	if cfg.Tree == nil {
		return nil, errors.New("tree service requires a tile tree").
			WithTag("dataset", cfg.DatasetID)
	}
	if cfg.Grouper == nil {
		return nil, errors.New("tree service requires a macrotile grouper").
			WithTag("dataset", cfg.DatasetID)
	}
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = cfg.Tree.Name()
	}
	return &TreeService{
		datasetID: datasetID,
		tree:      cfg.Tree,
		grouper:   cfg.Grouper,
		prefetch:  cfg.Prefetch,
		manifests: cfg.Manifests,
		parallel:  cfg.PrefetchParallel,
	}, nil
}

// DatasetID returns the dataset ID.
func (s *TreeService) DatasetID() string {
	return s.datasetID
}

// Tree returns the underlying tile tree.
func (s *TreeService) Tree() *tile.Tree {
	return s.tree
}

// Node returns the node with key. For quadtree keys every ancestor manifest is
// resolved on the way down, materializing the node if its parent lists it.
func (s *TreeService) Node(ctx context.Context, key string) (*tile.Node, error) {
	if n, ok := s.tree.Lookup(key); ok {
		return n, nil
	}

	root := s.tree.Root()
	if s.tree.Topology() != tile.Quadtree || root.Key() != tile.DefaultRootKey {
		return nil, errTileNotFound(key)
	}
	q, err := tile.ParseKey(key)
	if err != nil {
		return nil, err
	}

	for _, a := range q.Ancestors() {
		n, ok := s.tree.Lookup(a.String())
		if !ok {
			return nil, errTileNotFound(key)
		}
		if _, err := n.EnsureManifest(ctx); err != nil {
			return nil, err
		}
	}

	n, ok := s.tree.Lookup(key)
	if !ok {
		return nil, errTileNotFound(key)
	}
	return n, nil
}

// ManifestView is the inspection view of one tile.
type ManifestView struct {
	Dataset        string        `json:"dataset"`
	Key            string        `json:"key"`
	State          string        `json:"state"`
	Manifest       tile.Manifest `json:"manifest"`
	HighestKnownIx int64         `json:"highest_known_ix"`
	Ready          bool          `json:"ready"`
	Rows           int           `json:"rows"`
	Columns        []string      `json:"columns"`
	Extent         tile.Rect     `json:"extent"`
}

// Manifest resolves and describes the tile with key.
func (s *TreeService) Manifest(ctx context.Context, key string) (*ManifestView, error) {
	n, err := s.Node(ctx, key)
	if err != nil {
		return nil, err
	}
	m, err := n.EnsureManifest(ctx)
	if err != nil {
		return nil, err
	}
	return s.view(n, m), nil
}

func (s *TreeService) view(n *tile.Node, m tile.Manifest) *ManifestView {
	return &ManifestView{
		Dataset:        s.datasetID,
		Key:            n.Key(),
		State:          n.ManifestState().String(),
		Manifest:       m,
		HighestKnownIx: n.HighestKnownIx(),
		Ready:          n.Ready(),
		Rows:           n.NumRows(),
		Columns:        n.ColumnNames(),
		Extent:         n.Extent(),
	}
}

// ColumnSummary describes one column of a tile.
type ColumnSummary struct {
	Tile   string   `json:"tile"`
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Len    int      `json:"len"`
	Nulls  int      `json:"nulls"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Sample []string `json:"sample"`
}

// Column returns a summary of the named column of a tile, computing it if
// needed.
func (s *TreeService) Column(ctx context.Context, key, name string) (*ColumnSummary, error) {
	n, err := s.Node(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := n.RequireColumns(ctx, name); err != nil {
		return nil, err
	}
	col, err := n.Column(ctx, name)
	if err != nil {
		return nil, err
	}
	return summarize(key, name, col), nil
}

func summarize(key, name string, col arrow.Array) *ColumnSummary {
	sum := &ColumnSummary{
		Tile:   key,
		Name:   name,
		Type:   col.DataType().String(),
		Len:    col.Len(),
		Nulls:  col.NullN(),
		Sample: make([]string, 0, sampleSize),
	}

	for i := 0; i < col.Len() && len(sum.Sample) < sampleSize; i++ {
		sum.Sample = append(sum.Sample, col.ValueStr(i))
	}

	id := col.DataType().ID()
	if !arrow.IsInteger(id) && !arrow.IsFloating(id) {
		return sum
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		v, err := columnar.Float64At(col, i)
		if err != nil {
			return sum
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if lo <= hi {
		sum.Min, sum.Max = &lo, &hi
	}
	return sum
}

// DeleteColumn drops a column from a materialized tile.
func (s *TreeService) DeleteColumn(key, name string) (bool, error) {
	n, ok := s.tree.Lookup(key)
	if !ok {
		return false, errTileNotFound(key)
	}
	return n.DeleteColumn(name), nil
}

// Points returns loaded points inside bbox whose index does not exceed
// threshold, up to limit. A negative threshold admits every index.
func (s *TreeService) Points(ctx context.Context, threshold int64, bbox *tile.Rect, limit int) ([]tile.Point, error) {
	if _, err := s.tree.Root().EnsureManifest(ctx); err != nil {
		return nil, err
	}
	seq, err := s.tree.Root().Points(bbox, false)
	if err != nil {
		return nil, err
	}

	points := []tile.Point{}
	for p := range seq {
		if threshold >= 0 && p.Ix > threshold {
			continue
		}
		points = append(points, p)
		if limit > 0 && len(points) >= limit {
			break
		}
	}
	return points, nil
}

// MacrotileView describes the macrotile grouping of a tile.
type MacrotileView struct {
	Key          string   `json:"key"`
	Macrotile    string   `json:"macrotile"`
	Size         int      `json:"size"`
	Parents      int      `json:"parents"`
	Siblings     []string `json:"siblings"`
	Materialized int      `json:"materialized"`
}

// Macrotile groups key into its macrotile.
func (s *TreeService) Macrotile(key string) (*MacrotileView, error) {
	macrokey, err := s.grouper.Macrotile(key)
	if err != nil {
		return nil, err
	}
	siblings, err := s.grouper.Descendants(macrokey)
	if err != nil {
		return nil, err
	}

	materialized := 0
	for _, k := range siblings {
		if _, ok := s.tree.Lookup(k); ok {
			materialized++
		}
	}
	return &MacrotileView{
		Key:          key,
		Macrotile:    macrokey,
		Size:         s.grouper.Size(),
		Parents:      s.grouper.Parents(),
		Siblings:     siblings,
		Materialized: materialized,
	}, nil
}

// Prefetch queues a background resolution of key's macrotile siblings.
func (s *TreeService) Prefetch(key string) (prefetch.Job, error) {
	if s.prefetch == nil {
		return prefetch.Job{}, errors.New("prefetching is disabled").
			WithType(ErrTypePrefetchDisabled).
			WithTag("dataset", s.datasetID)
	}
	if _, err := tile.ParseKey(key); err != nil {
		return prefetch.Job{}, err
	}
	return s.prefetch.Submit(s.datasetID, key)
}

// PrefetchJob returns a prefetch job of this dataset.
func (s *TreeService) PrefetchJob(id string) (prefetch.Job, bool) {
	if s.prefetch == nil {
		return prefetch.Job{}, false
	}
	job, ok := s.prefetch.Get(id)
	if !ok || job.Dataset != s.datasetID {
		return prefetch.Job{}, false
	}
	return job, true
}

// PrefetchSiblings resolves key's macrotile siblings now.
func (s *TreeService) PrefetchSiblings(ctx context.Context, key string) (int, error) {
	if _, err := s.Node(ctx, key); err != nil {
		return 0, err
	}
	return prefetch.Siblings(ctx, s.tree, s.grouper, key, s.parallel)
}

// Stats summarizes the tree.
type Stats struct {
	Dataset         string    `json:"dataset"`
	Topology        string    `json:"topology"`
	Extent          tile.Rect `json:"extent"`
	Nodes           int       `json:"nodes"`
	Loaded          uint64    `json:"loaded"`
	HighestKnownIx  int64     `json:"highest_known_ix"`
	Transformations []string  `json:"transformations"`
	StoredManifests *int      `json:"stored_manifests,omitempty"`
}

// Stats returns tree statistics.
func (s *TreeService) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Dataset:         s.datasetID,
		Topology:        string(s.tree.Topology()),
		Extent:          s.tree.Extent(),
		Nodes:           s.tree.Len(),
		Loaded:          s.tree.Loaded(),
		HighestKnownIx:  s.tree.HighestKnownIx(),
		Transformations: s.tree.Transformations().Names(),
	}
	if s.manifests != nil {
		n, err := s.manifests.Count(ctx)
		if err != nil {
			return nil, err
		}
		st.StoredManifests = &n
	}
	return st, nil
}

func errTileNotFound(key string) error {
	return errors.New("tile not found").
		WithType(ErrTypeTileNotFound).
		WithTag("key", key)
}
