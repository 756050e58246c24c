package comm

import (
	"context"
	"sync"
)

// Request is the handle of a non-blocking operation.
type Request interface {
	// Wait blocks until the operation completes and returns its error.
	Wait(ctx context.Context) error

	// Test reports whether the operation has completed.
	Test() bool

	// Cancel completes a pending operation with ErrCanceled. It is a no-op
	// on a completed request.
	Cancel()
}

// request is a Request completed exactly once.
type request struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

// completedRequest returns a request that has already finished with err.
func completedRequest(err error) *request {
	r := newRequest()
	r.complete(err)
	return r
}

func (r *request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *request) Test() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *request) Cancel() {
	r.complete(ErrCanceled)
}
