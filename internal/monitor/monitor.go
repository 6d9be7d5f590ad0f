// Package monitor provides the side-car watcher that runs alongside a
// supervised training run.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/experimentd/internal/logger"
	"github.com/loykin/experimentd/internal/store"
)

// Monitor is the start/stop/join contract the supervisor drives. Join
// reports whether the monitor finished within the timeout; a false
// return is best-effort territory, not an error.
type Monitor interface {
	Start()
	Stop()
	Join(timeout time.Duration) bool
}

// DefaultInterval is the observation cadence of the built-in watcher.
const DefaultInterval = 30 * time.Second

// Watcher observes a running experiment: train.log growth and the
// stored status, logged as a heartbeat. It stops itself once the
// experiment reaches a terminal state.
type Watcher struct {
	experimentID string
	logDir       string
	st           store.Store
	logger       *slog.Logger
	interval     time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewWatcher(experimentID, logDir string, st store.Store, lg *slog.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Watcher{
		experimentID: experimentID,
		logDir:       logDir,
		st:           st,
		logger:       lg.With("experiment_id", experimentID),
		interval:     interval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (w *Watcher) Start() {
	w.startOnce.Do(func() { go w.run() })
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Join waits for the watcher goroutine to finish. Safe to call before
// Start; it then returns once Stop has been requested.
func (w *Watcher) Join(timeout time.Duration) bool {
	started := false
	w.startOnce.Do(func() { close(w.done); started = true })
	if started {
		return true
	}
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Watcher) run() {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	var lastSize int64
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
		}
		size := w.trainLogSize()
		fields := []any{"train_log_bytes", size, "train_log_delta", size - lastSize}
		lastSize = size
		if w.st != nil {
			e, err := w.st.GetExperiment(context.Background(), w.experimentID)
			if err != nil {
				w.logger.Warn("monitor: experiment lookup failed", "error", err)
				continue
			}
			fields = append(fields, "status", e.Status)
			if e.Status.Terminal() {
				w.logger.Info("monitor: experiment reached terminal state", fields...)
				return
			}
		}
		w.logger.Debug("monitor heartbeat", fields...)
	}
}

func (w *Watcher) trainLogSize() int64 {
	fi, err := os.Stat(filepath.Join(w.logDir, logger.TrainLogName))
	if err != nil {
		return 0
	}
	return fi.Size()
}
