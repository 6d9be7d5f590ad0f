package experiment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an experiment.
// Transitions: PENDING -> RUNNING -> {COMPLETED|FAILED};
// a terminal experiment may re-enter PENDING when a resume workflow
// restarts the cycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next follows the
// state machine. Identical consecutive states are never valid.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		// resume re-enters PENDING
		return next == StatusPending
	}
	return false
}

// Params holds arbitrary trainer hyperparameters. Values survive a
// round-trip through JSON, so numeric values read back as float64.
type Params map[string]any

// Clone returns a shallow copy so callers can mutate resume
// parameters without aliasing the stored map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Int reads an integer-valued parameter, accepting the numeric types
// JSON decoding produces.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// String reads a string-valued parameter.
func (p Params) String(key string, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Experiment is the durable record of a single training run or a
// resumed chain of runs. LogDir is stable for the lifetime of the id;
// resumes reuse it. TotalTimesteps never decreases across resumes.
type Experiment struct {
	ID             string    `json:"id"`
	GroupID        string    `json:"group_id"`
	Model          string    `json:"model"`
	EnvID          string    `json:"env_id"`
	Owner          string    `json:"owner"`
	TotalTimesteps int       `json:"total_timesteps"`
	LogDir         string    `json:"log_dir"`
	Params         Params    `json:"params"`
	PID            int       `json:"pid"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	EndedAt        time.Time `json:"end_date,omitzero"`
}

// ClientStatus is the reservation state of a pool entry.
type ClientStatus string

const (
	ClientAvailable ClientStatus = "AVAILABLE"
	ClientReserved  ClientStatus = "RESERVED"
)

// Client is one remote execution endpoint in the shared pool.
// Entries are pre-provisioned; the orchestrator only flips
// Status/CurrentExperiment.
type Client struct {
	Address           string       `json:"address"` // host:port
	Status            ClientStatus `json:"status"`
	CurrentExperiment string       `json:"current_experiment,omitempty"` // empty when AVAILABLE
}

// User is an experiment owner as known to the notification layer.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ChatID string `json:"chat_id"`
}

// NewID allocates an opaque unique identifier for experiments and
// groups.
func NewID() string { return uuid.NewString() }
