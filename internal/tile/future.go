package tile

import "context"

// future is a result shared by every caller waiting on the same key.
type future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// resolve must be called exactly once.
func (f *future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// wait blocks until the future settles or ctx is done. Giving up on the wait
// does not stop the work behind the future.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
