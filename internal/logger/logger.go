package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for per-experiment training logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// TrainLogName is the log file every experiment run writes inside its
// log directory.
const TrainLogName = "train.log"

// Config describes the rotating writer for an experiment's train.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Writer returns a rotating io.WriteCloser for logDir/train.log.
func (c Config) Writer(logDir string) io.WriteCloser {
	return &lj.Logger{
		Filename:   filepath.Join(logDir, TrainLogName),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewExperimentLogger returns a structured logger writing to the
// experiment's train.log, tagged with the experiment id, plus the
// writer so the caller can close it when the run ends.
func (c Config) NewExperimentLogger(logDir, experimentID string) (*slog.Logger, io.WriteCloser) {
	w := c.Writer(logDir)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h).With("experiment_id", experimentID), w
}

// NewDefault returns the orchestrator's own logger writing to stderr.
func NewDefault(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
