package store

import "context"

// Future is the pending result of a dispatched action.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value interface{}, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done is closed once the action has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the action finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
