// Package lifecycle drives the install and activate phases of a cache
// generation and decides when the router may start intercepting.
package lifecycle

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Event extends a lifecycle phase until every function handed to WaitUntil
// has returned. The first error cancels the context passed to the others.
type Event struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewEvent creates an Event bound to ctx.
func NewEvent(ctx context.Context) *Event {
	g, gctx := errgroup.WithContext(ctx)
	return &Event{g: g, ctx: gctx}
}

// WaitUntil keeps the phase open until fn returns.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error {
		return fn(e.ctx)
	})
}

// Wait blocks until all extensions finish and returns the first error.
func (e *Event) Wait() error {
	return e.g.Wait()
}
