package offlinecache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent is handed to a worker's event handler. Work registered
// with WaitUntil extends the event: it is not handled until all of it has
// finished. The first error fails the event and cancels the rest.
type ExtendableEvent struct {
	ctx   context.Context
	group *errgroup.Group
}

func newEvent(ctx context.Context) *ExtendableEvent {
	group, gctx := errgroup.WithContext(ctx)
	return &ExtendableEvent{ctx: gctx, group: group}
}

// WaitUntil runs fn as part of the event.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		return fn(e.ctx)
	})
}

// Context is cancelled once any extension fails.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// wait blocks until all extensions are done.
func (e *ExtendableEvent) wait() error {
	return e.group.Wait()
}

// dispatch runs a handler on a new event and waits for the event to be handled.
func dispatch(ctx context.Context, handler func(e *ExtendableEvent)) error {
	e := newEvent(ctx)
	handler(e)
	return e.wait()
}
