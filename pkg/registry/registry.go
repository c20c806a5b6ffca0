// Package registry implements the name -> backend handle map, with a
// single-spawn invariant for concurrent first-access requests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lmproxy/llmproxy/pkg/backend"
	"github.com/lmproxy/llmproxy/pkg/config"
	"github.com/lmproxy/llmproxy/pkg/ledger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownModel is returned when a name has no entry in the configured
// models map.
var ErrUnknownModel = errors.New("registry: unknown model")

// process is the subset of *backend.Process the registry depends on. Kept
// as a narrow local interface (rather than a concrete *backend.Process
// field) so tests can exercise the single-spawn invariant and eviction
// logic with a fake that never starts a real OS process.
type process interface {
	Kill() error
}

// spawner is the subset of *backend.Supervisor the registry depends on.
type spawner interface {
	Spawn(ctx context.Context, name string, model *config.ModelConfig) (process, error)
}

// supervisorAdapter adapts *backend.Supervisor's concrete *backend.Process
// return value to the registry's process interface.
type supervisorAdapter struct {
	sup *backend.Supervisor
}

func (a supervisorAdapter) Spawn(ctx context.Context, name string, model *config.ModelConfig) (process, error) {
	return a.sup.Spawn(ctx, name, model)
}

// BackendHandle is created on first demand for a model and destroyed when
// the reaper evicts it. Once removed from the registry a handle is never
// reused: a subsequent request for the same name produces a freshly
// spawned handle.
type BackendHandle struct {
	Name   string
	Port   int
	Ledger *ledger.Ledger

	proc process
}

// Kill terminates the handle's backend process. Callers (the reaper) must
// have already removed the handle from the registry before calling Kill,
// so that no concurrent EnsureBackend can observe a handle whose process
// is being killed.
func (h *BackendHandle) Kill() error {
	return h.proc.Kill()
}

// Registry maps model name to live backend handle, guarded by an exclusive
// lock. Concurrent first-access requests for the same name coalesce onto a
// single backend.Supervisor.Spawn call via a per-name singleflight group,
// rather than racing multiple spawns.
type Registry struct {
	log        *logrus.Entry
	supervisor spawner
	models     map[string]*config.ModelConfig

	idleKeepAlive time.Duration

	mu      sync.Mutex
	entries map[string]*BackendHandle

	group singleflight.Group
}

// New constructs a Registry over the given model configuration.
// idleKeepAlive is D_idle, used both to seed newly-spawned handles' ledgers
// and by EnsureWithDefaultKeepAlive.
func New(sup *backend.Supervisor, models map[string]*config.ModelConfig, idleKeepAlive time.Duration, log *logrus.Entry) *Registry {
	return newWithSpawner(supervisorAdapter{sup: sup}, models, idleKeepAlive, log)
}

func newWithSpawner(sp spawner, models map[string]*config.ModelConfig, idleKeepAlive time.Duration, log *logrus.Entry) *Registry {
	return &Registry{
		log:           log,
		supervisor:    sp,
		models:        models,
		idleKeepAlive: idleKeepAlive,
		entries:       make(map[string]*BackendHandle),
	}
}

// EnsureBackend returns the live handle for name, extending its ledger to
// at least deadline. If no handle exists yet, it spawns one: concurrent
// callers for the same name observe at most one spawn in flight and share
// its result.
func (r *Registry) EnsureBackend(ctx context.Context, name string, deadline time.Time) (*BackendHandle, error) {
	if h, ok := r.lookup(name); ok {
		h.Ledger.ExtendIdleUntil(deadline)
		return h, nil
	}

	model, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		// Re-check in case this call lost the registry race but won the
		// singleflight race against a caller whose spawn already published.
		if h, ok := r.lookup(name); ok {
			return h, nil
		}

		if r.log != nil {
			r.log.WithField("model", name).Info("no live backend, spawning")
		}

		// Spawn runs on a detached context: it is shared by every caller
		// coalesced onto this singleflight call, so it must not be
		// cancelled just because the first caller's own request context
		// is cancelled.
		proc, err := r.supervisor.Spawn(context.Background(), name, model)
		if err != nil {
			return nil, err
		}

		h := &BackendHandle{
			Name:   name,
			Port:   model.Port,
			Ledger: ledger.New(r.log, deadline, r.idleKeepAlive),
			proc:   proc,
		}

		r.mu.Lock()
		r.entries[name] = h
		r.mu.Unlock()

		return h, nil
	})
	if err != nil {
		return nil, err
	}

	h := v.(*BackendHandle)
	h.Ledger.ExtendIdleUntil(deadline)
	return h, nil
}

// EnsureWithDefaultKeepAlive is EnsureBackend(name, now + D_idle).
func (r *Registry) EnsureWithDefaultKeepAlive(ctx context.Context, name string) (*BackendHandle, error) {
	return r.EnsureBackend(ctx, name, time.Now().Add(r.idleKeepAlive))
}

func (r *Registry) lookup(name string) (*BackendHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[name]
	return h, ok
}

// EvictDead removes and returns every handle whose ledger reports
// ¬is_alive(now). The registry lock is held only for the collect-and-remove
// step; callers (the reaper) kill the returned handles after releasing it,
// since killing is a suspending operation that must not stall request
// admission.
func (r *Registry) EvictDead(now time.Time) []*BackendHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []*BackendHandle
	for name, h := range r.entries {
		if !h.Ledger.IsAlive(now) {
			dead = append(dead, h)
			delete(r.entries, name)
		}
	}
	return dead
}

// Len returns the number of live entries, for tests and logs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
