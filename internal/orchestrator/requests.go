package orchestrator

import (
	"context"
	"sync"
)

// request is an admin operation handed to the background loop so it never
// overlaps a scheduling pass.
type request struct {
	name       string
	ctx        context.Context
	fn         func(ctx context.Context) (any, error)
	responseCh chan response
}

type response struct {
	value any
	err   error
}

// requestChannel queues admin requests for the background loop. While no
// loop is serving, requests run on the caller's goroutine.
type requestChannel struct {
	ch chan request

	mu      sync.Mutex
	serving bool
	done    chan struct{}
}

func newRequestChannel() *requestChannel {
	return &requestChannel{ch: make(chan request)}
}

// serve marks the channel as served until the returned function is called.
func (rc *requestChannel) serve() func() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.serving = true
	rc.done = make(chan struct{})
	return func() {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.serving = false
		close(rc.done)
	}
}

func (rc *requestChannel) state() (bool, chan struct{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.serving, rc.done
}

// handle runs one request and answers it. The response channel is buffered
// so an impatient caller never blocks the loop.
func (rc *requestChannel) handle(req request) {
	v, err := req.fn(req.ctx)
	req.responseCh <- response{value: v, err: err}
}

// call runs fn on the background loop, or inline when nothing serves the
// channel. It respects ctx cancellation at both the send and receive stages.
func call[T any](ctx context.Context, rc *requestChannel, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	wrapped := func(ctx context.Context) (any, error) { return fn(ctx) }

	serving, done := rc.state()
	if !serving {
		return fn(ctx)
	}

	req := request{name: name, ctx: ctx, fn: wrapped, responseCh: make(chan response, 1)}
	select {
	case rc.ch <- req:
	case <-done:
		return fn(ctx)
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case resp := <-req.responseCh:
		if resp.err != nil {
			if v, ok := resp.value.(T); ok {
				return v, resp.err
			}
			return zero, resp.err
		}
		return resp.value.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
