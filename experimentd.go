// Package experimentd orchestrates reinforcement-learning training
// runs: it reserves remote execution clients from a shared pool, walks
// each experiment through its durable state machine, supervises the
// worker process doing the training, and supports checkpointed resumes
// of single experiments or whole groups.
package experimentd

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/experimentd/internal/config"
	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/history"
	"github.com/loykin/experimentd/internal/metrics"
	"github.com/loykin/experimentd/internal/notify"
	"github.com/loykin/experimentd/internal/orchestrator"
	"github.com/loykin/experimentd/internal/pool"
	iapi "github.com/loykin/experimentd/internal/server"
	"github.com/loykin/experimentd/internal/store"
	"github.com/loykin/experimentd/internal/store/factory"
	"github.com/loykin/experimentd/internal/supervisor"
	"github.com/loykin/experimentd/internal/trainer"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Experiment = experiment.Experiment

type Params = experiment.Params

type Status = experiment.Status

type Client = experiment.Client

type User = experiment.User

const (
	StatusPending   = experiment.StatusPending
	StatusRunning   = experiment.StatusRunning
	StatusCompleted = experiment.StatusCompleted
	StatusFailed    = experiment.StatusFailed
)

type Store = store.Store

type Trainer = trainer.Trainer

type TrainerFunc = trainer.Func

type RunContext = trainer.RunContext

type Registry = trainer.Registry

type CommandTrainer = trainer.Command

type Notifier = notify.Notifier

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Outcome = supervisor.Outcome

type PoolClient = pool.Client

type PoolConfig = pool.Config

type SupervisorConfig = supervisor.Config

type OrchestratorConfig = orchestrator.Config

type Launcher = orchestrator.Launcher

// Sentinel errors re-exported for errors.Is checks.
var (
	ErrNotFound       = store.ErrNotFound
	ErrDuplicateKey   = store.ErrDuplicateKey
	ErrUnknownModel   = trainer.ErrUnknownModel
	ErrAcquireTimeout = pool.ErrAcquireTimeout
)

// NewRegistry returns an empty trainer registry.
func NewRegistry() *Registry { return trainer.NewRegistry() }

// OpenStore opens a persistence backend from a DSN. postgres:// and
// postgresql:// select PostgreSQL; anything else is a SQLite path.
func OpenStore(dsn string) (Store, error) { return factory.NewFromDSN(dsn) }

// LoadConfig parses the TOML configuration file at path.
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// Orchestrator is a thin facade over the internal orchestrator.
// It provides a stable public API for embedding.
type Orchestrator struct{ inner *orchestrator.Orchestrator }

func New(st Store, reg *Registry, n Notifier, sinks []HistorySink, c OrchestratorConfig, lg *slog.Logger) *Orchestrator {
	return &Orchestrator{inner: orchestrator.New(st, reg, n, sinks, c, lg)}
}

func (o *Orchestrator) RunNew(ctx context.Context, model, envID, owner string, params Params, groupID string) (Experiment, error) {
	return o.inner.RunNew(ctx, model, envID, owner, params, groupID)
}

func (o *Orchestrator) ContinueSingle(ctx context.Context, id, owner string, extraSteps int) (Experiment, error) {
	return o.inner.ContinueSingle(ctx, id, owner, extraSteps)
}

func (o *Orchestrator) ContinueGroup(ctx context.Context, groupID, owner string, extraSteps int) ([]Experiment, error) {
	return o.inner.ContinueGroup(ctx, groupID, owner, extraSteps)
}

// SetLauncher overrides how worker runs are started, e.g. to run the
// supervisor in-process when embedding.
func (o *Orchestrator) SetLauncher(l Launcher) { o.inner.SetLauncher(l) }

// Wait blocks until all launched workers have exited.
func (o *Orchestrator) Wait() { o.inner.Wait() }

// Supervisor runs one experiment's training entry point to a terminal
// state with guaranteed cleanup. Exposed for embedding and for worker
// processes.
type Supervisor struct{ inner *supervisor.Supervisor }

func NewSupervisor(st Store, pc PoolConfig, n Notifier, sinks []HistorySink, c SupervisorConfig, lg *slog.Logger) *Supervisor {
	pm := pool.New(st, pc, lg)
	return &Supervisor{inner: supervisor.New(st, pm, n, sinks, c, lg)}
}

func (s *Supervisor) Supervise(ctx context.Context, e Experiment, t Trainer) error {
	return s.inner.Supervise(ctx, e, t)
}

// NewHTTPServer starts an HTTP server exposing the orchestration API.
func NewHTTPServer(addr, basePath string, o *Orchestrator, st Store, reg *Registry) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, o.inner, st, reg)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using
// the default registry. It returns any immediate listen error;
// otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
