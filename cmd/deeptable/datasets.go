package main

import (
	"context"
	"io"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/soma-tiles/deeptable/internal/api"
	"github.com/soma-tiles/deeptable/internal/cache"
	"github.com/soma-tiles/deeptable/internal/config"
	"github.com/soma-tiles/deeptable/internal/fetch"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/soma-tiles/deeptable/internal/manifeststore"
	"github.com/soma-tiles/deeptable/internal/prefetch"
	"github.com/soma-tiles/deeptable/internal/service"
	"github.com/soma-tiles/deeptable/internal/tile"
)

// releaseLogger records dropped columns.
type releaseLogger struct {
	dataset string
}

func (r releaseLogger) Release(key, column string) {
	logs.WithTag("dataset", r.dataset).
		WithTag("tile", key).
		WithTag("column", column).
		Debug("column released")
}

// app holds everything built from a configuration.
type app struct {
	cfg      *config.Config
	cache    *cache.Manager
	registry *api.DatasetRegistry
	prefetch *prefetch.Manager
	closers  []io.Closer
}

func (a *app) Close() {
	if a.prefetch != nil {
		a.prefetch.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logs.Warn(errors.New("closing resource failed").Wrap(err))
		}
	}
}

// loadApp reads the configuration and builds a tree service per dataset.
func loadApp(withPrefetch bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.New("failed to load configuration").
			WithTag("path", configPath).
			Wrap(err)
	}
	if logLevel == "" {
		logs.SetLevel(logs.ParseLevel(cfg.Log.Level))
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ObjectCacheSizeMB:   cfg.Cache.ObjectSizeMB,
		ObjectTTL:           time.Duration(cfg.Cache.ObjectTTLMinutes) * time.Minute,
		Shards:              cfg.Cache.Shards,
		DescendantCacheSize: cfg.Cache.DescendantCacheSize,
	})
	if err != nil {
		return nil, errors.New("failed to initialize cache").Wrap(err)
	}

	a := &app{
		cfg:     cfg,
		cache:   cacheManager,
		closers: []io.Closer{cacheManager},
	}

	ids := cfg.Data.DatasetIDs()
	a.registry = api.NewDatasetRegistry(cfg.Data.DefaultDataset, ids, cfg.Server.Title)

	if withPrefetch && cfg.Prefetch.MaxConcurrent > 0 {
		a.prefetch = prefetch.NewManager(prefetch.Config{
			MaxConcurrent: cfg.Prefetch.MaxConcurrent,
			QueueSize:     cfg.Prefetch.QueueSize,
			Timeout:       time.Duration(cfg.Prefetch.TimeoutSeconds) * time.Second,
		}, a.runPrefetch)
	}

	// Datasets share node ids, the object cache and the descendant cache.
	nodeIDs := &tile.IDAllocator{}
	for _, id := range ids {
		svc, err := a.buildDataset(id, cfg.Data.Datasets[id], nodeIDs)
		if err != nil {
			a.Close()
			return nil, err
		}
		if !a.registry.Register(id, svc) {
			a.Close()
			return nil, errors.New("dataset registered twice").WithTag("dataset", id)
		}

		logs.WithTag("dataset", id).
			WithTag("base_location", cfg.Data.Datasets[id].BaseLocation).
			WithTag("topology", svc.Tree().Topology()).
			Info("dataset registered")
	}

	if a.prefetch != nil {
		a.prefetch.Start()
	}
	return a, nil
}

func (a *app) buildDataset(id string, ds config.DatasetConfig, ids *tile.IDAllocator) (*service.TreeService, error) {
	fcfg := fetch.Config{
		Dataset:      id,
		BaseLocation: ds.BaseLocation,
		Extension:    ds.Extension,
		Timeout:      a.cfg.Fetch.Timeout(),
		Cache:        a.cache,
	}
	if ds.AuthToken != "" {
		fcfg.Caller = &fetch.BearerCaller{
			Token:     ds.AuthToken,
			Transport: fetch.NewHTTPTransport(a.cfg.Fetch.Timeout()),
		}
	}
	client := fetch.NewClient(fcfg)

	var sources tile.Descriptions
	if ds.ManifestPath != "" {
		static, err := tile.LoadDescriptions(ds.ManifestPath)
		if err != nil {
			return nil, errors.New("failed to load dataset manifest").
				WithTag("dataset", id).
				Wrap(err)
		}
		sources = append(sources, static)
	}

	var stored *manifeststore.Dataset
	if ds.ManifestDB != "" {
		store, err := manifeststore.NewStore(ds.ManifestDB)
		if err != nil {
			return nil, errors.New("failed to open manifest catalog").
				WithTag("dataset", id).
				Wrap(err)
		}
		a.closers = append(a.closers, store)
		stored = store.Dataset(id)
		sources = append(sources, stored)
	}

	tcfg := tile.Config{
		Name:     id,
		RootKey:  ds.RootKey,
		Topology: tile.Topology(ds.Topology),
		Fetcher:  client,
		IDs:      ids,
		Releaser: releaseLogger{dataset: id},
	}
	if ds.Extent != nil {
		tcfg.Extent = tile.Rect{X: ds.Extent[0], Y: ds.Extent[1]}
	}
	if len(sources) > 0 {
		tcfg.Descriptions = sources
	}
	if stored != nil {
		tcfg.Sink = stored
	}
	tree, err := tile.NewTree(tcfg)
	if err != nil {
		return nil, err
	}

	grouper, err := macrotile.NewGrouper(a.cfg.Macrotile.Size, a.cfg.Macrotile.Parents, a.cache.Descendants())
	if err != nil {
		return nil, err
	}

	return service.NewTreeService(service.TreeServiceConfig{
		DatasetID:        id,
		Tree:             tree,
		Grouper:          grouper,
		Prefetch:         a.prefetch,
		Manifests:        stored,
		PrefetchParallel: a.cfg.Prefetch.Parallel,
	})
}

func (a *app) runPrefetch(ctx context.Context, dataset, key string) (int, error) {
	svc := a.registry.Get(dataset)
	if svc == nil {
		return 0, errors.New("dataset not found").WithTag("dataset", dataset)
	}
	return svc.PrefetchSiblings(ctx, key)
}

// dataset returns the requested dataset, or the default one.
func (a *app) dataset() (*service.TreeService, error) {
	svc, ok := a.registry.Lookup(datasetID)
	if !ok {
		return nil, errors.New("dataset not found").
			WithTag("dataset", datasetID).
			WithTag("default", a.registry.DefaultDatasetID())
	}
	return svc, nil
}
