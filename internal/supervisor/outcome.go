package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/experimentd/internal/experiment"
)

// OutcomeFileName is the structured result file a worker leaves in the
// experiment's log directory. It is the explicit channel between the
// worker process and the orchestrator; the parent never relies on
// observing the worker's error values directly.
const OutcomeFileName = "outcome.json"

// Outcome is the terminal result of one supervised run.
type Outcome struct {
	ExperimentID string            `json:"experiment_id"`
	Status       experiment.Status `json:"status"`
	Error        string            `json:"error,omitempty"`
	EndedAt      time.Time         `json:"ended_at"`
}

// WriteOutcome atomically writes the outcome file into logDir.
func WriteOutcome(logDir string, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	tmp := filepath.Join(logDir, OutcomeFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(logDir, OutcomeFileName))
}

// ReadOutcome loads the outcome file from logDir.
func ReadOutcome(logDir string) (Outcome, error) {
	b, err := os.ReadFile(filepath.Join(logDir, OutcomeFileName))
	if err != nil {
		return Outcome{}, err
	}
	var o Outcome
	if err := json.Unmarshal(b, &o); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return o, nil
}

// RemoveOutcome deletes a stale outcome file before a new run starts.
func RemoveOutcome(logDir string) {
	_ = os.Remove(filepath.Join(logDir, OutcomeFileName))
}
