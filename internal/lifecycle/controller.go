package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/clients"
)

// Options configures a Controller.
type Options struct {
	// Assets are fetched into the static partition on install.
	Assets []string

	// SkipWaiting activates right after install even while pages of an
	// older generation are connected.
	SkipWaiting bool
}

// Controller implements the install and activate handlers.
type Controller struct {
	store *cache.Store
	reg   *clients.Registry
	rt    *Runtime
	opts  Options
}

// NewController creates a Controller.
func NewController(store *cache.Store, reg *clients.Registry, rt *Runtime, opts Options) *Controller {
	return &Controller{store: store, reg: reg, rt: rt, opts: opts}
}

// Install fills the static partition, then skips waiting when configured to.
// Individual asset failures are logged and do not fail the install.
func (c *Controller) Install(ctx context.Context) error {
	ev := NewEvent(ctx)
	ev.WaitUntil(func(ctx context.Context) error {
		report := c.store.PopulateStatic(ctx, c.opts.Assets)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		log.Info().
			Int("stored", len(report.Stored)).
			Int("failed", len(report.Failed)).
			Msg("install complete")
		if c.opts.SkipWaiting {
			c.rt.SkipWaiting()
		}
		return nil
	})
	return ev.Wait()
}

// Activate drops every partition from older generations, then claims all
// connected pages and enables interception.
func (c *Controller) Activate(ctx context.Context) error {
	ev := NewEvent(ctx)
	ev.WaitUntil(func(ctx context.Context) error {
		dropped, err := c.store.PurgeStale(ctx)
		if err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		claimed := c.reg.Claim(c.rt.Generation())
		c.rt.activate()

		log.Info().
			Strs("dropped", dropped).
			Int("claimed", claimed).
			Uint64("generation", c.rt.Generation()).
			Msg("activated")
		return nil
	})
	return ev.Wait()
}
