// Package supervisor runs one experiment's training entry point with
// guaranteed state-transition and resource-release correctness.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/history"
	"github.com/loykin/experimentd/internal/logger"
	"github.com/loykin/experimentd/internal/metrics"
	"github.com/loykin/experimentd/internal/monitor"
	"github.com/loykin/experimentd/internal/notify"
	"github.com/loykin/experimentd/internal/pool"
	"github.com/loykin/experimentd/internal/store"
	"github.com/loykin/experimentd/internal/trainer"
)

// DefaultMonitorJoinWait bounds how long cleanup waits for the monitor
// side-car; past it shutdown proceeds best-effort.
const DefaultMonitorJoinWait = 2 * time.Second

// DefaultIgnoreSteps is passed to the training entry point as its
// step-limit/ignore-steps parameter unless the hyperparameters
// override it.
const DefaultIgnoreSteps = 10

// Config tunes one supervisor instance.
type Config struct {
	MonitorJoinWait time.Duration
	MonitorInterval time.Duration
	Log             logger.Config
}

// Supervisor composes the pool, store, monitor, notifier, and history
// sinks around a single training run.
type Supervisor struct {
	st       store.Store
	pool     *pool.Manager
	notifier notify.Notifier
	sinks    []history.Sink
	cfg      Config
	logger   *slog.Logger

	// newMonitor is injectable so tests can observe the side-car
	// contract without the default watcher.
	newMonitor func(experimentID, logDir string) monitor.Monitor
}

func New(st store.Store, pm *pool.Manager, n notify.Notifier, sinks []history.Sink, cfg Config, lg *slog.Logger) *Supervisor {
	if cfg.MonitorJoinWait <= 0 {
		cfg.MonitorJoinWait = DefaultMonitorJoinWait
	}
	if lg == nil {
		lg = slog.Default()
	}
	if n == nil {
		n = notify.Slog{Logger: lg}
	}
	s := &Supervisor{st: st, pool: pm, notifier: n, sinks: sinks, cfg: cfg, logger: lg}
	s.newMonitor = func(experimentID, logDir string) monitor.Monitor {
		return monitor.NewWatcher(experimentID, logDir, st, lg, cfg.MonitorInterval)
	}
	return s
}

// SetMonitorFactory overrides how the side-car monitor is built.
func (s *Supervisor) SetMonitorFactory(f func(experimentID, logDir string) monitor.Monitor) {
	if f != nil {
		s.newMonitor = f
	}
}

// Supervise runs the experiment's training entry point to a terminal
// state. It reserves the experiment's clients, transitions the record
// to RUNNING, starts the monitor side-car, invokes the trainer, and on
// return transitions to COMPLETED or FAILED, notifying the owner
// exactly once per terminal transition. Every client reserved by this
// run is released on every exit path; release runs in a finalizer
// independent of the success and failure branches, so a crash during
// notification cannot leak clients. The returned error is non-nil iff
// the run failed, carrying the full failure detail for the caller to
// observe as well.
func (s *Supervisor) Supervise(ctx context.Context, e experiment.Experiment, t trainer.Trainer) error {
	trainLog, logCloser := s.cfg.Log.NewExperimentLogger(e.LogDir, e.ID)
	defer func() { _ = logCloser.Close() }()

	numEnvs := e.Params.Int("num_envs", 1)
	clients, err := s.pool.AcquireN(ctx, e.ID, numEnvs)
	if err != nil {
		detail := fmt.Sprintf("client acquisition failed: %v", err)
		s.finishFailed(ctx, e, detail)
		return fmt.Errorf("experiment %s: %s", e.ID, detail)
	}

	var mon monitor.Monitor
	defer func() {
		// Stop/join the monitor if it was started, then release the
		// clients. Runs on every exit path, including panics in the
		// branches above.
		if mon != nil {
			mon.Stop()
			if !mon.Join(s.cfg.MonitorJoinWait) {
				s.logger.Warn("monitor did not join in time", "experiment_id", e.ID)
			}
		}
		s.pool.Release(context.WithoutCancel(ctx), clients...)
	}()

	if err := s.st.UpdateExperiment(ctx, e.ID, store.Fields{
		store.FieldStatus: experiment.StatusRunning,
	}); err != nil {
		detail := fmt.Sprintf("failed to mark experiment running: %v", err)
		s.finishFailed(ctx, e, detail)
		return fmt.Errorf("experiment %s: %s", e.ID, detail)
	}
	metrics.IncStart(e.Model)
	metrics.AddRunning(1)
	defer metrics.AddRunning(-1)
	history.Fanout(ctx, s.sinks, s.event(history.EventStarted, e, experiment.StatusRunning, ""))

	mon = s.newMonitor(e.ID, e.LogDir)
	mon.Start()

	run := trainer.RunContext{
		LogDir:      e.LogDir,
		EnvID:       e.EnvID,
		Clients:     clients,
		IgnoreSteps: e.Params.Int("ignore_steps", DefaultIgnoreSteps),
		Logger:      trainLog,
		Output:      logCloser,
		Params:      e.Params,
	}

	trainLog.Info("training started", "model", e.Model, "env_id", e.EnvID, "clients", len(clients))
	trainErr := invoke(ctx, t, run)
	if trainErr != nil {
		mon.Stop()
		if !mon.Join(s.cfg.MonitorJoinWait) {
			s.logger.Warn("monitor did not join in time", "experiment_id", e.ID)
		}
		detail := trainErr.Error()
		trainLog.Error("experiment failed", "error", detail)
		s.finishFailed(ctx, e, detail)
		return fmt.Errorf("experiment %s failed: %w", e.ID, trainErr)
	}

	trainLog.Info("training completed")
	s.finishCompleted(ctx, e)
	return nil
}

// invoke runs the trainer, converting panics inside third-party
// training code into failures with a captured stack.
func invoke(ctx context.Context, t trainer.Trainer, run trainer.RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trainer panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.Train(ctx, run)
}

func (s *Supervisor) finishCompleted(ctx context.Context, e experiment.Experiment) {
	ended := time.Now().UTC()
	if err := s.st.UpdateExperiment(ctx, e.ID, store.Fields{
		store.FieldStatus:  experiment.StatusCompleted,
		store.FieldEndDate: ended,
	}); err != nil {
		s.logger.Error("failed to mark experiment completed", "experiment_id", e.ID, "error", err)
	}
	metrics.IncCompletion(e.Model)
	history.Fanout(ctx, s.sinks, s.event(history.EventCompleted, e, experiment.StatusCompleted, ""))
	if err := WriteOutcome(e.LogDir, Outcome{
		ExperimentID: e.ID, Status: experiment.StatusCompleted, EndedAt: ended,
	}); err != nil {
		s.logger.Error("failed to write outcome", "experiment_id", e.ID, "error", err)
	}
	s.notifyOwner(ctx, e, fmt.Sprintf("The experiment with id %s completed!", e.ID))
}

func (s *Supervisor) finishFailed(ctx context.Context, e experiment.Experiment, detail string) {
	ended := time.Now().UTC()
	if err := s.st.UpdateExperiment(ctx, e.ID, store.Fields{
		store.FieldStatus:  experiment.StatusFailed,
		store.FieldEndDate: ended,
	}); err != nil {
		s.logger.Error("failed to mark experiment failed", "experiment_id", e.ID, "error", err)
	}
	metrics.IncFailure(e.Model)
	history.Fanout(ctx, s.sinks, s.event(history.EventFailed, e, experiment.StatusFailed, detail))
	if err := WriteOutcome(e.LogDir, Outcome{
		ExperimentID: e.ID, Status: experiment.StatusFailed, Error: detail, EndedAt: ended,
	}); err != nil {
		s.logger.Error("failed to write outcome", "experiment_id", e.ID, "error", err)
	}
	// The owner is typically the person debugging the run, so the
	// message carries the full detail, not just an error code.
	s.notifyOwner(ctx, e, fmt.Sprintf("The experiment with id %s failed!\nDetail:\n%s", e.ID, detail))
}

// notifyOwner resolves the owner and sends one message. Notification
// failure never affects the state transition that triggered it.
func (s *Supervisor) notifyOwner(ctx context.Context, e experiment.Experiment, text string) {
	recipient := e.Owner
	if u, err := s.st.GetUser(ctx, e.Owner); err == nil {
		recipient = u.ChatID
	}
	if err := s.notifier.Send(ctx, recipient, text); err != nil {
		metrics.IncNotifyFailure()
		s.logger.Error("owner notification failed", "experiment_id", e.ID, "error", err)
	}
}

func (s *Supervisor) event(t history.EventType, e experiment.Experiment, st experiment.Status, detail string) history.Event {
	return history.Event{
		Type:         t,
		OccurredAt:   time.Now().UTC(),
		ExperimentID: e.ID,
		GroupID:      e.GroupID,
		Model:        e.Model,
		Owner:        e.Owner,
		Status:       st,
		Detail:       detail,
	}
}
