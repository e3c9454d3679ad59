package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/10yihang/pwarelay/internal/clients"
)

// Phase is the runtime's position in the lifecycle.
type Phase int32

const (
	PhaseParsed Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	PhaseRedundant
)

var phaseNames = [...]string{"parsed", "installing", "installed", "activating", "activated", "redundant"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Handler runs the work of each phase.
type Handler interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
}

// Runtime hosts one generation of the relay.
type Runtime struct {
	generation uint64
	reg        *clients.Registry

	phase    atomic.Int32
	active   atomic.Bool
	skip     chan struct{}
	skipOnce sync.Once
}

// NewRuntime creates a runtime for generation. reg is consulted while the
// installed generation waits for older pages to go away.
func NewRuntime(generation uint64, reg *clients.Registry) *Runtime {
	return &Runtime{
		generation: generation,
		reg:        reg,
		skip:       make(chan struct{}),
	}
}

// Generation returns the generation this runtime serves.
func (rt *Runtime) Generation() uint64 {
	return rt.generation
}

// Phase returns the current phase.
func (rt *Runtime) Phase() Phase {
	return Phase(rt.phase.Load())
}

// Active reports whether requests may be intercepted.
func (rt *Runtime) Active() bool {
	return rt.active.Load()
}

// SkipWaiting lets an installed generation activate while older pages are
// still connected. It is safe to call more than once.
func (rt *Runtime) SkipWaiting() {
	rt.skipOnce.Do(func() { close(rt.skip) })
}

func (rt *Runtime) activate() {
	rt.active.Store(true)
}

func (rt *Runtime) setPhase(p Phase) {
	rt.phase.Store(int32(p))
	log.Debug().Str("phase", p.String()).Uint64("generation", rt.generation).Msg("lifecycle")
}

// Run dispatches install, waits if required, then dispatches activate.
// A failed phase leaves the runtime redundant and inactive.
func (rt *Runtime) Run(ctx context.Context, h Handler) error {
	rt.setPhase(PhaseInstalling)
	if err := h.Install(ctx); err != nil {
		rt.setPhase(PhaseRedundant)
		return err
	}
	rt.setPhase(PhaseInstalled)

	if err := rt.waitForOlderPages(ctx); err != nil {
		rt.setPhase(PhaseRedundant)
		return err
	}

	rt.setPhase(PhaseActivating)
	if err := h.Activate(ctx); err != nil {
		rt.setPhase(PhaseRedundant)
		return err
	}
	rt.setPhase(PhaseActivated)
	return nil
}

func (rt *Runtime) waitForOlderPages(ctx context.Context) error {
	for {
		changed := rt.reg.Changed()
		if !rt.reg.ControlledBefore(rt.generation) {
			return nil
		}
		log.Info().Uint64("generation", rt.generation).Msg("waiting for pages on an older generation")

		select {
		case <-rt.skip:
			return nil
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
