package client

import (
	"context"
)

// Revalidation is the background refresh started by a stale-while-revalidate
// hit. It is bound to the context of the Fetch call that started it; the
// caller may wait for it, cancel it, or ignore it.
type Revalidation struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *FetchResult
	err    error
}

func startRevalidation(ctx context.Context, fn func(context.Context) (*FetchResult, error)) *Revalidation {
	ctx, cancel := context.WithCancel(ctx)
	r := &Revalidation{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		defer cancel()
		r.result, r.err = fn(ctx)
	}()
	return r
}

// Done is closed when the refresh has finished.
func (r *Revalidation) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the refresh finishes or ctx is done and returns the
// fresh result.
func (r *Revalidation) Wait(ctx context.Context) (*FetchResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops waiting for the refresh. A request other fetches share
// keeps running and still updates the cache when it completes.
func (r *Revalidation) Cancel() {
	r.cancel()
}
