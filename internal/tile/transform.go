package tile

import (
	"context"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ApplyTransformation computes the named column for this node with the
// registered transformation and merges it into the batch, replacing any
// column of the same name. Concurrent callers share a single execution; the
// result, including a failure, is kept until DeleteColumn.
func (n *Node) ApplyTransformation(ctx context.Context, name string) (arrow.Array, error) {
	if n.tree == nil {
		return nil, errMissingDeeptable()
	}
	fn, ok := n.tree.registry.Lookup(name)
	if !ok {
		return nil, errTransformationUndefined(n.key, name)
	}

	n.mu.Lock()
	f, ok := n.transforms[name]
	if !ok {
		f = newFuture[arrow.Array]()
		n.transforms[name] = f
	}
	n.mu.Unlock()

	if !ok {
		go n.runTransformation(context.WithoutCancel(ctx), name, fn, f)
	}
	return f.wait(ctx)
}

func (n *Node) runTransformation(ctx context.Context, name string, fn TransformFunc, f *future[arrow.Array]) {
	col, err := callTransformation(ctx, n, fn)
	if err == nil && col == nil {
		err = errEmptyTransformation(n.key, name)
	}
	instrumentTransformation(err)
	if err != nil {
		f.resolve(nil, err)
		return
	}

	// A DeleteColumn while running replaced the holder; the stale result is
	// handed to waiters but not merged.
	n.mergeColumn(name, col, f)
	f.resolve(col, nil)
}

func callTransformation(ctx context.Context, n *Node, fn TransformFunc) (col arrow.Array, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("transformation panicked: %v", r)
		}
	}()
	col, err = fn(ctx, n)
	if isNilArray(col) {
		col = nil
	}
	return col, err
}

// isNilArray reports whether col is nil, including a typed nil pointer held
// in the interface.
func isNilArray(col arrow.Array) bool {
	if col == nil {
		return true
	}
	v := reflect.ValueOf(col)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Column returns the named column, computing it with the registered
// transformation when the batch does not hold it yet.
func (n *Node) Column(ctx context.Context, name string) (arrow.Array, error) {
	if n.tree == nil {
		return nil, errMissingDeeptable()
	}
	if col, ok := n.lookupColumn(name); ok {
		return col, nil
	}
	if !n.tree.registry.Has(name) {
		return nil, errColumnNotFound(n.key, name)
	}
	if _, err := n.ApplyTransformation(ctx, name); err != nil {
		return nil, err
	}
	col, ok := n.lookupColumn(name)
	if !ok {
		return nil, errColumnNotFound(n.key, name)
	}
	return col, nil
}

// DeleteColumn removes a column from the batch and forgets any transformation
// result for it, so the next request recomputes. The column releaser is told
// about removed columns. It reports whether there was anything to remove.
func (n *Node) DeleteColumn(name string) bool {
	n.mu.Lock()
	_, had := n.columns[name]
	delete(n.columns, name)
	_, held := n.transforms[name]
	delete(n.transforms, name)
	n.mu.Unlock()

	if had && n.tree != nil && n.tree.cfg.Releaser != nil {
		n.tree.cfg.Releaser.Release(n.key, name)
	}
	return had || held
}

// RequireColumns waits until the manifest is populated and every named column
// is in the batch. The first failure is returned.
func (n *Node) RequireColumns(ctx context.Context, names ...string) error {
	if n.tree == nil {
		return errMissingDeeptable()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := n.EnsureManifest(ctx)
		return err
	})
	for _, name := range names {
		g.Go(func() error {
			// Core columns are registered by manifest resolution.
			if _, err := n.EnsureManifest(ctx); err != nil {
				return err
			}
			_, err := n.Column(ctx, name)
			return err
		})
	}
	return g.Wait()
}

// CoreColumn serves a column of the tile's own primary object.
func CoreColumn(name string) TransformFunc {
	return SidecarColumn("", name)
}

// SidecarColumn serves a column of the tile's auxiliary object with the given
// suffix.
func SidecarColumn(suffix, column string) TransformFunc {
	return func(ctx context.Context, n *Node) (arrow.Array, error) {
		b, err := n.Fetch(ctx, suffix)
		if err != nil {
			return nil, err
		}
		col, ok := b.Column(column)
		if !ok {
			return nil, errors.New("column not found in tile object").
				WithType(ErrTypeColumnNotFound).
				WithTag("tile", n.key).
				WithTag("suffix", suffix).
				WithTag("column", column)
		}
		return col, nil
	}
}
