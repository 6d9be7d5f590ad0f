package client

import "time"

// Experiment status values as reported by the daemon.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Experiment mirrors the daemon's experiment record.
type Experiment struct {
	ID             string         `json:"id"`
	GroupID        string         `json:"group_id"`
	Model          string         `json:"model"`
	EnvID          string         `json:"env_id"`
	Owner          string         `json:"owner"`
	TotalTimesteps int            `json:"total_timesteps"`
	LogDir         string         `json:"log_dir"`
	Params         map[string]any `json:"params"`
	PID            int            `json:"pid"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	EndedAt        time.Time      `json:"end_date,omitzero"`
}

// PoolEntry is one execution client in the daemon's shared pool.
type PoolEntry struct {
	Address           string `json:"address"`
	Status            string `json:"status"`
	CurrentExperiment string `json:"current_experiment,omitempty"`
}

// User is an experiment owner as known to the notification layer.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ChatID string `json:"chat_id"`
}

// RunRequest starts a new experiment.
type RunRequest struct {
	Model   string         `json:"model"`
	EnvID   string         `json:"env_id"`
	Owner   string         `json:"owner"`
	GroupID string         `json:"group_id,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// ContinueRequest resumes an experiment or a group with an additional
// timestep budget. ExtraSteps <= 0 lets the daemon pick its default.
type ContinueRequest struct {
	Owner      string `json:"owner,omitempty"`
	ExtraSteps int    `json:"extra_steps,omitempty"`
}

// GroupContinueResult reports a group resume. Error is set when some
// members failed to resume; Resumed still lists the ones that did.
type GroupContinueResult struct {
	Resumed []Experiment `json:"resumed"`
	Error   string       `json:"error,omitempty"`
}

// ErrorResponse is the daemon's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
