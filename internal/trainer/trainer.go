// Package trainer defines the training entry-point contract and the
// registry of known trainer kinds. The registry is an explicit,
// injected mapping so alternate trainer sets are testable without
// touching orchestration code.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/pool"
)

// ErrUnknownModel is returned when a model kind has no registered
// trainer.
var ErrUnknownModel = errors.New("unknown model")

// RunContext carries everything a training entry point receives for
// one run: the stable log directory, the environment identifier, the
// reserved client list, the ignore-steps parameter, a logger bound to
// train.log, and the experiment's hyperparameter map.
type RunContext struct {
	LogDir      string
	EnvID       string
	Clients     []pool.Client
	IgnoreSteps int
	Logger      *slog.Logger
	Output      io.Writer // stdout/stderr destination for exec'd trainers
	Params      experiment.Params
}

// Trainer runs one training entry point to completion. A nil error
// means the run completed; any error (or panic, which the supervisor
// converts) fails the experiment.
type Trainer interface {
	Train(ctx context.Context, run RunContext) error
}

// Func adapts a plain function to the Trainer interface.
type Func func(ctx context.Context, run RunContext) error

func (f Func) Train(ctx context.Context, run RunContext) error { return f(ctx, run) }

// Registry maps model kinds to trainers. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Trainer
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Trainer)}
}

// Register adds a trainer under the given model kind, replacing any
// previous registration.
func (r *Registry) Register(model string, t Trainer) error {
	if model == "" {
		return errors.New("empty model name")
	}
	if t == nil {
		return fmt.Errorf("model %s: nil trainer", model)
	}
	r.mu.Lock()
	r.m[model] = t
	r.mu.Unlock()
	return nil
}

// Lookup resolves a model kind, failing with ErrUnknownModel when the
// kind was never registered (or has since been deregistered).
func (r *Registry) Lookup(model string) (Trainer, error) {
	r.mu.RLock()
	t, ok := r.m[model]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return t, nil
}

// Deregister removes a model kind.
func (r *Registry) Deregister(model string) {
	r.mu.Lock()
	delete(r.m, model)
	r.mu.Unlock()
}

// Models returns the registered model kinds, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
