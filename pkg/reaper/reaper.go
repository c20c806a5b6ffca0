// Package reaper runs a background task that periodically evicts and
// kills backends no ledger keeps alive.
package reaper

import (
	"context"
	"time"

	"github.com/lmproxy/llmproxy/pkg/registry"
	"github.com/sirupsen/logrus"
)

// killable is the subset of *registry.BackendHandle the reaper needs. Name
// is exposed so the eviction-batch log line can name what it is about to
// kill.
type killable interface {
	Name() string
	Kill() error
}

// evictor is the subset of *registry.Registry the reaper depends on, kept
// as a narrow interface so it can be driven by a fake registry in tests
// without spawning real processes.
type evictor interface {
	EvictDead(now time.Time) []killable
}

// registryAdapter adapts *registry.Registry's concrete
// []*registry.BackendHandle return value to the reaper's evictor
// interface.
type registryAdapter struct {
	reg *registry.Registry
}

func (a registryAdapter) EvictDead(now time.Time) []killable {
	handles := a.reg.EvictDead(now)
	out := make([]killable, len(handles))
	for i, h := range handles {
		out[i] = namedHandle{h}
	}
	return out
}

// namedHandle adapts *registry.BackendHandle's exported Name field to the
// killable interface's Name() method.
type namedHandle struct {
	h *registry.BackendHandle
}

func (n namedHandle) Name() string { return n.h.Name }
func (n namedHandle) Kill() error  { return n.h.Kill() }

// phase1Wait and phase2Wait are the two legs of the eviction cadence. They
// are package vars, not consts, only so tests can shorten them; production
// code never changes them.
var (
	phase1Wait = 10 * time.Second
	phase2Wait = 10 * time.Second
)

// Reaper runs a two-phase collect-then-kill eviction loop: a 10s
// cancellable wait, followed by a second 10s wait, then a single
// collect-and-kill pass. Both legs are cancellable on ctx, since a Go
// process has a context to cancel and there is no reason to delay shutdown
// by up to 10s for no benefit, while still preserving the ~20s
// idle-to-eviction latency a single 10s tick would halve.
type Reaper struct {
	log *logrus.Entry
}

// New constructs a Reaper.
func New(log *logrus.Entry) *Reaper {
	return &Reaper{log: log}
}

// RunRegistry is a convenience wrapper that adapts a *registry.Registry to
// the evictor interface and runs the eviction loop against it. This is
// the entry point production code (cmd/llmproxy) uses; Run itself stays
// independently testable against a fake evictor.
func (r *Reaper) RunRegistry(ctx context.Context, reg *registry.Registry) {
	r.Run(ctx, registryAdapter{reg: reg})
}

// Run blocks until ctx is cancelled, alternating the collect-then-kill loop
// on the cadence documented above. It is intended to be launched with `go`.
func (r *Reaper) Run(ctx context.Context, reg evictor) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(phase1Wait):
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(phase2Wait):
		}

		dead := reg.EvictDead(time.Now())
		if len(dead) == 0 {
			continue
		}

		if r.log != nil {
			names := make([]string, len(dead))
			for i, h := range dead {
				names[i] = h.Name()
			}
			r.log.WithField("models", names).Info("evicting idle backends")
		}
		for _, h := range dead {
			if err := h.Kill(); err != nil {
				if r.log != nil {
					r.log.WithField("model", h.Name()).WithError(err).Error("killing idle backend failed")
				}
			} else if r.log != nil {
				r.log.WithField("model", h.Name()).Info("killed idle backend")
			}
		}
	}
}
