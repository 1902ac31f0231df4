package tile

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/soma-tiles/deeptable/internal/columnar"
)

// FetchState is the cache state of one (tile, suffix) object.
type FetchState int

const (
	// NotRequested: no retrieval has been issued.
	NotRequested FetchState = iota
	// Pending: a retrieval is in flight, or it failed and was not evicted.
	Pending
	// Ready: the object is decoded and its schema recorded.
	Ready
)

type fetchEntry struct {
	fut    *future[*columnar.Batch]
	schema *arrow.Schema
}

// Fetch returns the decoded object for suffix ("" for the primary object).
// The first caller dispatches the retrieval; every later caller, concurrent
// or not, shares its result. A failed retrieval stays cached until
// EvictFetch.
func (n *Node) Fetch(ctx context.Context, suffix string) (*columnar.Batch, error) {
	if n.tree == nil {
		return nil, errMissingDeeptable()
	}

	n.mu.Lock()
	e, ok := n.fetches[suffix]
	if !ok {
		e = &fetchEntry{fut: newFuture[*columnar.Batch]()}
		n.fetches[suffix] = e
	}
	n.mu.Unlock()

	if !ok {
		go n.dispatchFetch(context.WithoutCancel(ctx), suffix, e)
	}
	return e.fut.wait(ctx)
}

func (n *Node) dispatchFetch(ctx context.Context, suffix string, e *fetchEntry) {
	kind := suffixKind(suffix)
	instrumentFetch(kind)

	b, err := n.tree.cfg.Fetcher.Fetch(ctx, n.key, suffix)
	if err != nil {
		instrumentFetchError(kind)
		e.fut.resolve(nil, errors.New("fetching tile object failed").
			WithType(ErrTypeFetchFailed).
			WithTag("tile", n.key).
			WithTag("suffix", suffix).
			Wrap(err))
		return
	}
	if b == nil {
		instrumentFetchError(kind)
		e.fut.resolve(nil, errors.New("fetcher returned no tile object").
			WithType(ErrTypeFetchFailed).
			WithTag("tile", n.key).
			WithTag("suffix", suffix))
		return
	}

	n.mu.Lock()
	e.schema = b.Schema()
	n.mu.Unlock()
	e.fut.resolve(b, nil)
}

// FetchState reports the cache state for suffix.
func (n *Node) FetchState(suffix string) FetchState {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.fetches[suffix]
	switch {
	case !ok:
		return NotRequested
	case e.schema != nil:
		return Ready
	default:
		return Pending
	}
}

// FetchSchema returns the schema recorded for a ready object.
func (n *Node) FetchSchema(suffix string) (*arrow.Schema, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.fetches[suffix]
	if !ok || e.schema == nil {
		return nil, false
	}
	return e.schema, true
}

// EvictFetch drops the cache entry for suffix so the next Fetch dispatches a
// new retrieval. Callers already waiting keep the old result. Nothing is
// evicted automatically.
func (n *Node) EvictFetch(suffix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.fetches[suffix]; !ok {
		return false
	}
	delete(n.fetches, suffix)
	return true
}

func suffixKind(suffix string) string {
	if suffix == "" {
		return "primary"
	}
	return "auxiliary"
}
