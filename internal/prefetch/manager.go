// Package prefetch resolves the manifests of a tile's macrotile siblings in the
// background, so neighbouring tiles are structurally known before they are
// requested.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/soma-tiles/deeptable/internal/tile"
	"golang.org/x/sync/errgroup"
)

const ErrTypeQueueFull = "prefetch-queue-full"

// JobStatus represents the current state of a prefetch job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one request to prefetch around a tile.
type Job struct {
	ID         string     `json:"job_id"`
	Dataset    string     `json:"dataset"`
	Key        string     `json:"key"`
	Status     JobStatus  `json:"status"`
	Resolved   int        `json:"resolved"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Executor performs a job and returns how many manifests it resolved.
type Executor func(ctx context.Context, dataset, key string) (int, error)

// Config contains configuration for the prefetch manager.
type Config struct {
	MaxConcurrent int // Max concurrent jobs (default 2)
	QueueSize     int // Pending jobs before Submit fails (default 256)
	Timeout       time.Duration
	// KeepJobs bounds how many finished jobs are remembered (default 1024).
	KeepJobs int
}

// Manager runs prefetch jobs on a bounded worker pool.
type Manager struct {
	cfg      Config
	exec     Executor
	queue    chan string
	jobs     map[string]*Job
	finished []string
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
	stopped  bool
}

// NewManager creates a manager running exec for every job.
func NewManager(cfg Config, exec Executor) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.KeepJobs <= 0 {
		cfg.KeepJobs = 1024
	}
	return &Manager{
		cfg:   cfg,
		exec:  exec,
		queue: make(chan string, cfg.QueueSize),
		jobs:  make(map[string]*Job),
	}
}

// Start starts the worker goroutines.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for i := 0; i < m.cfg.MaxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop drains the queue and waits for running jobs.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		close(m.queue)
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// Submit enqueues a prefetch around key.
func (m *Manager) Submit(dataset, key string) (Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Dataset:   dataset,
		Key:       key,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Job{}, errors.New("prefetch manager is stopped").
			WithTag("dataset", dataset).
			WithTag("key", key)
	}

	select {
	case m.queue <- job.ID:
	default:
		return Job{}, errors.New("prefetch queue is full").
			WithType(ErrTypeQueueFull).
			WithTag("dataset", dataset).
			WithTag("key", key)
	}
	m.jobs[job.ID] = job
	return *job, nil
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for id := range m.queue {
		m.runJob(id)
	}
}

func (m *Manager) runJob(id string) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if ok {
		job.Status = JobStatusRunning
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	var resolved int
	var err error
	if m.exec != nil {
		resolved, err = m.exec(ctx, job.Dataset, job.Key)
	}

	now := time.Now()
	m.mu.Lock()
	job.Resolved = resolved
	job.FinishedAt = &now
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = JobStatusCompleted
	}
	m.finished = append(m.finished, id)
	for len(m.finished) > m.cfg.KeepJobs {
		delete(m.jobs, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()

	entry := logs.WithTag("job_id", id).
		WithTag("dataset", job.Dataset).
		WithTag("key", job.Key).
		WithTag("resolved", resolved)
	if err != nil {
		entry.Warn(err)
		return
	}
	entry.Debug("prefetch finished")
}

// Siblings resolves the manifest of every materialized, not yet complete
// macrotile sibling of key, at most parallel at a time. Levels are resolved
// shallow first so the children they create are visited too. It returns the
// number of manifests resolved and the first failure.
func Siblings(ctx context.Context, tree *tile.Tree, g *macrotile.Grouper, key string, parallel int) (int, error) {
	keys, err := g.Siblings(key)
	if err != nil {
		return 0, err
	}
	if parallel <= 0 {
		parallel = 4
	}

	var levels [][]string
	depth := -1
	for _, k := range keys {
		q, err := tile.ParseKey(k)
		if err != nil {
			return 0, err
		}
		if q.Depth != depth {
			levels = append(levels, nil)
			depth = q.Depth
		}
		levels[len(levels)-1] = append(levels[len(levels)-1], k)
	}

	var mu sync.Mutex
	resolved := 0
	for _, level := range levels {
		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(parallel)
		for _, k := range level {
			n, ok := tree.Lookup(k)
			if !ok || n.ManifestState() == tile.Complete {
				continue
			}
			eg.Go(func() error {
				if _, err := n.EnsureManifest(ctx); err != nil {
					return err
				}
				mu.Lock()
				resolved++
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}
