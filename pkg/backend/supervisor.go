// Package backend spawns a model's child inference process, substitutes
// the assigned port into its argument vector, polls it for readiness, and
// kills it on demand.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/lmproxy/llmproxy/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	readinessPollInterval = 500 * time.Millisecond
	readinessTimeout      = 30 * time.Second
)

// ErrReadinessTimeout is returned by Spawn when a backend does not answer
// GET /health with 200 within the readiness window. Spawn kills the
// orphaned child itself before returning this error.
var ErrReadinessTimeout = errors.New("backend: readiness timeout")

// Process owns one spawned child process. Kill calls are serialized by the
// Process's own mu. The zero value is not usable.
type Process struct {
	name string
	port int

	mu  sync.Mutex // serializes Spawn/Kill against each other
	cmd *exec.Cmd
}

// Supervisor spawns and kills model backends. It holds no per-model state of
// its own — callers (the registry) are responsible for keeping one
// *Process per model; each *Process guards its own Kill with its mutex.
type Supervisor struct {
	client *http.Client
	log    *logrus.Entry
}

// New constructs a Supervisor using a shared HTTP client for readiness
// probes. The client is process-global and outlives all backends.
func New(client *http.Client, log *logrus.Entry) *Supervisor {
	if client == nil {
		client = &http.Client{}
	}
	return &Supervisor{client: client, log: log}
}

// Spawn launches model's child process, substituting every literal "{{
// port }}" argument with model.Port, and blocks until the backend answers
// GET /health with 200 or the 30s readiness window expires. On any error
// the returned *Process is nil; if the process was already started, the
// caller does not need to kill it — Spawn kills it itself before
// returning, since a failed spawn is never published to the registry.
func (s *Supervisor) Spawn(ctx context.Context, name string, model *config.ModelConfig) (*Process, error) {
	if len(model.Args) == 0 {
		return nil, fmt.Errorf("backend %q: empty argument vector", name)
	}

	args := substitutePort(model.Args, model.Port)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if s.log != nil {
		s.log.WithFields(logrus.Fields{"model": name, "port": model.Port, "args": args}).Info("spawning backend")
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend %q: starting process: %w", name, err)
	}

	proc := &Process{name: name, port: model.Port, cmd: cmd}

	if err := s.waitForReady(ctx, model.Port); err != nil {
		if s.log != nil {
			s.log.WithFields(logrus.Fields{"model": name, "port": model.Port}).Error("backend failed readiness probe, killing orphan")
		}
		_ = proc.Kill()
		return nil, err
	}

	if s.log != nil {
		s.log.WithFields(logrus.Fields{"model": name, "port": model.Port}).Info("backend ready")
	}
	return proc, nil
}

// waitForReady polls GET http://127.0.0.1:<port>/health every 500ms until a
// 200 response is seen or the 30s window expires. Any transport error or
// non-200 status is ignored and retried — inference engines have variable
// startup cost, and a cheap health endpoint with a short poll interval
// gives low latency on fast starts without log spam from premature probes.
func (s *Supervisor) waitForReady(ctx context.Context, port int) error {
	deadline := time.Now().Add(readinessTimeout)
	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"

	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := s.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return ErrReadinessTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Kill sends a termination signal to the child and waits for its exit.
// Concurrent calls are serialized by the Process's own mutex, and a call
// on a child that has already exited returns nil, so repeated calls are
// harmless.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("backend %q: kill: %w", p.name, err)
	}
	_ = p.cmd.Wait()
	return nil
}

// substitutePort returns a copy of args with every element equal to
// config.PortPlaceholder replaced by port's decimal representation. No
// other elements are changed.
func substitutePort(args []string, port int) []string {
	out := make([]string, len(args))
	portStr := strconv.Itoa(port)
	for i, arg := range args {
		if arg == config.PortPlaceholder {
			out[i] = portStr
		} else {
			out[i] = arg
		}
	}
	return out
}
