package api

import (
	"github.com/soma-tiles/deeptable/internal/service"
	"github.com/soma-tiles/deeptable/internal/tile"
)

// DatasetInfo describes one served tile tree.
type DatasetInfo struct {
	ID              string     `json:"id"`
	Topology        string     `json:"topology"`
	RootKey         string     `json:"root_key"`
	Extent          *tile.Rect `json:"extent,omitempty"`
	Nodes           int        `json:"nodes"`
	Loaded          uint64     `json:"loaded"`
	HighestKnownIx  int64      `json:"highest_known_ix"`
	Transformations []string   `json:"transformations"`
}

// DatasetRegistry holds the tree service of each configured dataset. Datasets
// are listed in configuration order.
type DatasetRegistry struct {
	services       map[string]*service.TreeService
	defaultDataset string
	datasetOrder   []string
	title          string
}

func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.TreeService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register binds svc to datasetID. A dataset is bound once; it reports false
// when the id is already taken.
func (r *DatasetRegistry) Register(datasetID string, svc *service.TreeService) bool {
	if _, ok := r.services[datasetID]; ok {
		return false
	}
	r.services[datasetID] = svc
	return true
}

// Get returns the tree service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.TreeService {
	return r.services[datasetID]
}

// Lookup resolves datasetID to its tree service. An empty id selects the
// default dataset.
func (r *DatasetRegistry) Lookup(datasetID string) (*service.TreeService, bool) {
	if datasetID == "" {
		datasetID = r.defaultDataset
	}
	svc, ok := r.services[datasetID]
	return svc, ok
}

func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "deeptable"
}

// Datasets describes every registered tree as it currently stands. Counts
// grow as tiles are materialized and loaded; nothing is fetched here.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, describeTree(id, svc.Tree()))
	}
	return infos
}

func describeTree(id string, tree *tile.Tree) DatasetInfo {
	info := DatasetInfo{
		ID:              id,
		Topology:        string(tree.Topology()),
		RootKey:         tree.Root().Key(),
		Nodes:           tree.Len(),
		Loaded:          tree.Loaded(),
		HighestKnownIx:  tree.HighestKnownIx(),
		Transformations: tree.Transformations().Names(),
	}
	if ext := tree.Extent(); !ext.IsZero() {
		info.Extent = &ext
	}
	return info
}
