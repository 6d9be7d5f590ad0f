// Package orchestrator exposes the user-facing workflows: start a new
// experiment, resume a single experiment, resume a whole group. Each
// workflow persists the experiment record and launches a supervised
// worker process; the worker reports its terminal result through the
// outcome file, so the orchestrator never depends on observing the
// worker's in-process errors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/experimentd/internal/checkpoint"
	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/history"
	"github.com/loykin/experimentd/internal/metrics"
	"github.com/loykin/experimentd/internal/notify"
	"github.com/loykin/experimentd/internal/store"
	"github.com/loykin/experimentd/internal/supervisor"
	"github.com/loykin/experimentd/internal/trainer"
)

const (
	// DefaultLaunchRetries is how many additional start attempts a
	// worker launch gets before the run is declared FAILED.
	DefaultLaunchRetries = 3
	// DefaultLaunchInterval is the wait between launch attempts.
	DefaultLaunchInterval = 2 * time.Second
	// DefaultExtraTimesteps is the resume budget when the caller does
	// not specify one.
	DefaultExtraTimesteps = 500000
	// ModelArtifactName is the trained-model file resumes load from.
	ModelArtifactName = "model.pkl"
	// WorkerLogName captures the worker process's own stdout/stderr,
	// separate from the training log.
	WorkerLogName = "worker.log"
)

// Launcher starts a supervised worker for the experiment. The default
// launcher re-execs this binary's hidden worker command; tests inject
// an in-process launcher instead.
type Launcher func(ctx context.Context, e experiment.Experiment) error

// Config tunes orchestration.
type Config struct {
	// BaseLogDir is the directory new experiment log directories are
	// created under, one subdirectory per experiment id.
	BaseLogDir string
	// WorkerBin is the executable to launch workers with. Empty means
	// the current executable.
	WorkerBin string
	// WorkerConfig is passed to the worker as its --config flag so the
	// child resolves the same store and trainer setup.
	WorkerConfig string

	LaunchRetries  int
	LaunchInterval time.Duration
}

// Orchestrator composes the store, trainer registry, notifier, and
// history sinks into the three workflows.
type Orchestrator struct {
	st       store.Store
	reg      *trainer.Registry
	notifier notify.Notifier
	sinks    []history.Sink
	cfg      Config
	logger   *slog.Logger
	launch   Launcher

	wg sync.WaitGroup
}

func New(st store.Store, reg *trainer.Registry, n notify.Notifier, sinks []history.Sink, cfg Config, lg *slog.Logger) *Orchestrator {
	if cfg.LaunchRetries < 0 {
		cfg.LaunchRetries = 0
	} else if cfg.LaunchRetries == 0 {
		cfg.LaunchRetries = DefaultLaunchRetries
	}
	if cfg.LaunchInterval <= 0 {
		cfg.LaunchInterval = DefaultLaunchInterval
	}
	if lg == nil {
		lg = slog.Default()
	}
	if n == nil {
		n = notify.Slog{Logger: lg}
	}
	o := &Orchestrator{st: st, reg: reg, notifier: n, sinks: sinks, cfg: cfg, logger: lg}
	o.launch = o.launchWorker
	return o
}

// SetLauncher overrides how worker runs are started.
func (o *Orchestrator) SetLauncher(l Launcher) {
	if l != nil {
		o.launch = l
	}
}

// Wait blocks until every worker launched by this orchestrator has
// exited and its outcome was observed.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// RunNew validates the model kind, persists a fresh PENDING record,
// and launches a supervised worker for it. Unknown models fail before
// any state is written. A launch failure past the retry budget marks
// the run FAILED, notifies the owner, and is returned to the caller.
func (o *Orchestrator) RunNew(ctx context.Context, model, envID, owner string, params experiment.Params, groupID string) (experiment.Experiment, error) {
	if _, err := o.reg.Lookup(model); err != nil {
		return experiment.Experiment{}, err
	}
	if params == nil {
		params = experiment.Params{}
	}
	id := experiment.NewID()
	if groupID == "" {
		groupID = experiment.NewID()
	}
	logDir := filepath.Join(o.cfg.BaseLogDir, id)
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return experiment.Experiment{}, fmt.Errorf("create log dir: %w", err)
	}
	e := experiment.Experiment{
		ID:             id,
		GroupID:        groupID,
		Model:          model,
		EnvID:          envID,
		Owner:          owner,
		TotalTimesteps: params.Int("total_timesteps", 0),
		LogDir:         logDir,
		Params:         params.Clone(),
		Status:         experiment.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.st.CreateExperiment(ctx, e); err != nil {
		return experiment.Experiment{}, err
	}
	if err := o.start(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// ContinueSingle resumes a finished experiment under the same id and
// log directory. The log directory is checkpointed before any resume
// mutation, the resume artifact path is set, the timestep budget is
// bumped, and a new worker is launched.
func (o *Orchestrator) ContinueSingle(ctx context.Context, id, owner string, extraSteps int) (experiment.Experiment, error) {
	e, err := o.st.GetExperiment(ctx, id)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if _, err := o.reg.Lookup(e.Model); err != nil {
		return experiment.Experiment{}, err
	}
	if extraSteps <= 0 {
		extraSteps = DefaultExtraTimesteps
	}
	if err := checkpoint.Save(e.LogDir); err != nil {
		return experiment.Experiment{}, fmt.Errorf("checkpoint %s: %w", e.LogDir, err)
	}

	params := e.Params.Clone()
	params["load_path"] = filepath.Join(e.LogDir, ModelArtifactName)
	params["total_timesteps"] = extraSteps
	total := e.TotalTimesteps + extraSteps
	if owner == "" {
		owner = e.Owner
	}
	if err := o.st.UpdateExperiment(ctx, e.ID, store.Fields{
		store.FieldStatus:         experiment.StatusPending,
		store.FieldTotalTimesteps: total,
		store.FieldParams:         params,
		store.FieldOwner:          owner,
	}); err != nil {
		return experiment.Experiment{}, err
	}
	e.Status = experiment.StatusPending
	e.TotalTimesteps = total
	e.Params = params
	e.Owner = owner
	history.Fanout(ctx, o.sinks, o.event(history.EventResumed, e, experiment.StatusPending, ""))

	if err := o.start(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// ContinueGroup resumes every experiment sharing the group id, in
// insertion order. One member's failure does not halt the remaining
// members; all failures are joined into the returned error after the
// full pass.
func (o *Orchestrator) ContinueGroup(ctx context.Context, groupID, owner string, extraSteps int) ([]experiment.Experiment, error) {
	members, err := o.st.GetExperimentsByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	resumed := make([]experiment.Experiment, 0, len(members))
	var errs []error
	for _, m := range members {
		e, err := o.ContinueSingle(ctx, m.ID, owner, extraSteps)
		if err != nil {
			o.logger.Error("group resume member failed",
				"group_id", groupID, "experiment_id", m.ID, "error", err)
			errs = append(errs, fmt.Errorf("experiment %s: %w", m.ID, err))
			continue
		}
		resumed = append(resumed, e)
	}
	return resumed, errors.Join(errs...)
}

// start clears any stale outcome and launches the worker, handling a
// launch failure as a terminal FAILED transition.
func (o *Orchestrator) start(ctx context.Context, e experiment.Experiment) error {
	supervisor.RemoveOutcome(e.LogDir)
	if err := o.launch(ctx, e); err != nil {
		detail := fmt.Sprintf("worker launch failed: %v", err)
		o.markFailed(ctx, e, detail)
		return fmt.Errorf("experiment %s: worker launch failed: %w", e.ID, err)
	}
	return nil
}

// launchWorker is the default Launcher: it re-execs this binary's
// worker command in a new process group, retrying start failures up to
// the configured budget, then watches the child for crash detection.
func (o *Orchestrator) launchWorker(ctx context.Context, e experiment.Experiment) error {
	bin := o.cfg.WorkerBin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve worker binary: %w", err)
		}
		bin = exe
	}
	args := []string{"worker", "--id", e.ID}
	if o.cfg.WorkerConfig != "" {
		args = append(args, "--config", o.cfg.WorkerConfig)
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.LaunchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.LaunchInterval):
			}
		}
		// #nosec G204
		cmd := exec.Command(bin, args...)
		cmd.Dir = e.LogDir
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		out, oerr := os.OpenFile(filepath.Join(e.LogDir, WorkerLogName),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if oerr == nil {
			cmd.Stdout = out
			cmd.Stderr = out
		}
		if err := cmd.Start(); err != nil {
			if out != nil {
				_ = out.Close()
			}
			lastErr = err
			o.logger.Warn("worker launch attempt failed",
				"experiment_id", e.ID, "attempt", attempt+1, "error", err)
			continue
		}
		if err := o.st.UpdateExperiment(ctx, e.ID, store.Fields{
			store.FieldPID: cmd.Process.Pid,
		}); err != nil {
			o.logger.Error("failed to record worker pid",
				"experiment_id", e.ID, "pid", cmd.Process.Pid, "error", err)
		}
		// The worker's own metric updates die with its process, so the
		// daemon tracks the RUNNING gauge around the worker lifetime.
		metrics.AddRunning(1)
		o.wg.Add(1)
		go o.watch(e, cmd, out)
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", o.cfg.LaunchRetries+1, lastErr)
}

// watch waits for the worker process and reconciles its result. A
// worker that exits without leaving an outcome file died before its
// own cleanup could run, so the orchestrator performs the terminal
// transition and the client release on its behalf.
func (o *Orchestrator) watch(e experiment.Experiment, cmd *exec.Cmd, logFile *os.File) {
	defer o.wg.Done()
	defer metrics.AddRunning(-1)
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}
	werr := cmd.Wait()
	if out, err := supervisor.ReadOutcome(e.LogDir); err == nil && out.ExperimentID == e.ID {
		o.logger.Info("worker exited",
			"experiment_id", e.ID, "status", out.Status, "error", out.Error)
		return
	}

	ctx := context.Background()
	cur, err := o.st.GetExperiment(ctx, e.ID)
	if err == nil && cur.Status.Terminal() {
		return
	}
	detail := "worker process exited without reporting an outcome"
	if werr != nil {
		detail = fmt.Sprintf("%s: %v", detail, werr)
	}
	o.logger.Error("worker crashed", "experiment_id", e.ID, "detail", detail)
	if err := o.st.ReleaseClientsByExperiment(ctx, e.ID); err != nil {
		o.logger.Error("crash cleanup: client release failed",
			"experiment_id", e.ID, "error", err)
	}
	o.markFailed(ctx, e, detail)
}

// markFailed performs the terminal FAILED transition with notification
// and history, used for launch failures and crash cleanup.
func (o *Orchestrator) markFailed(ctx context.Context, e experiment.Experiment, detail string) {
	if err := o.st.UpdateExperiment(ctx, e.ID, store.Fields{
		store.FieldStatus:  experiment.StatusFailed,
		store.FieldEndDate: time.Now().UTC(),
	}); err != nil {
		o.logger.Error("failed to mark experiment failed",
			"experiment_id", e.ID, "error", err)
	}
	metrics.IncFailure(e.Model)
	history.Fanout(ctx, o.sinks, o.event(history.EventFailed, e, experiment.StatusFailed, detail))
	o.notifyOwner(ctx, e, fmt.Sprintf("The experiment with id %s failed!\nDetail:\n%s", e.ID, detail))
}

func (o *Orchestrator) notifyOwner(ctx context.Context, e experiment.Experiment, text string) {
	recipient := e.Owner
	if u, err := o.st.GetUser(ctx, e.Owner); err == nil {
		recipient = u.ChatID
	}
	if err := o.notifier.Send(ctx, recipient, text); err != nil {
		metrics.IncNotifyFailure()
		o.logger.Error("owner notification failed", "experiment_id", e.ID, "error", err)
	}
}

func (o *Orchestrator) event(t history.EventType, e experiment.Experiment, st experiment.Status, detail string) history.Event {
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
