package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/experimentd/internal/experiment"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a referenced experiment or user
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when creating an experiment whose id
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Field names accepted by UpdateExperiment. They match the column
// names of the experiments table.
const (
	FieldStatus         = "status"
	FieldEndDate        = "end_date"
	FieldTotalTimesteps = "total_timesteps"
	FieldParams         = "model_params"
	FieldOwner          = "owner"
	FieldPID            = "pid"
)

// Fields is a partial update of an experiment record.
type Fields map[string]any

// Store is the persistence interface the orchestration core consumes.
// Experiment records and client pool entries are mutated exclusively
// through these operations; FindAndReserveClient in particular must be
// a single atomic conditional update, never a read-then-write.
//
// Store values are never shared across process boundaries; each
// process that touches the database opens its own connection.
type Store interface {
	EnsureSchema(ctx context.Context) error

	CreateExperiment(ctx context.Context, e experiment.Experiment) error
	UpdateExperiment(ctx context.Context, id string, fields Fields) error
	GetExperiment(ctx context.Context, id string) (experiment.Experiment, error)
	// GetExperimentsByGroup returns all experiments sharing the group
	// id in insertion order.
	GetExperimentsByGroup(ctx context.Context, groupID string) ([]experiment.Experiment, error)

	// FindAndReserveClient atomically reserves one AVAILABLE client
	// for the experiment and returns its address. It returns ("", nil)
	// when no client is available; absence is a normal, retried
	// condition, not an error.
	FindAndReserveClient(ctx context.Context, experimentID string) (string, error)
	// ReleaseClient marks the entry AVAILABLE and clears its holder.
	// Releasing an already-available (or unknown) address is a no-op.
	ReleaseClient(ctx context.Context, address string) error
	// ReleaseClientsByExperiment releases every entry the experiment
	// still holds. Used for crash cleanup when a worker died before
	// its own release finalizer could run.
	ReleaseClientsByExperiment(ctx context.Context, experimentID string) error
	AddClient(ctx context.Context, address string) error
	ListClients(ctx context.Context) ([]experiment.Client, error)

	GetUser(ctx context.Context, id string) (experiment.User, error)
	PutUser(ctx context.Context, u experiment.User) error

	Close() error
}

// SetClause flattens a Fields map into ordered column names and
// driver-ready values, validating field names and encoding typed
// values (statuses as strings, params as JSON, times as UTC). Backends
// format their own placeholders around the result.
func SetClause(fields Fields) (cols []string, vals []any, err error) {
	for name, v := range fields {
		switch name {
		case FieldStatus:
			switch s := v.(type) {
			case experiment.Status:
				vals = append(vals, string(s))
			case string:
				vals = append(vals, s)
			default:
				return nil, nil, fmt.Errorf("field %s: unsupported type %T", name, v)
			}
		case FieldEndDate:
			t, ok := v.(time.Time)
			if !ok {
				return nil, nil, fmt.Errorf("field %s: unsupported type %T", name, v)
			}
			vals = append(vals, t.UTC())
		case FieldParams:
			p, ok := v.(experiment.Params)
			if !ok {
				return nil, nil, fmt.Errorf("field %s: unsupported type %T", name, v)
			}
			b, merr := json.Marshal(p)
			if merr != nil {
				return nil, nil, fmt.Errorf("field %s: %w", name, merr)
			}
			vals = append(vals, string(b))
		case FieldTotalTimesteps, FieldPID:
			n, ok := v.(int)
			if !ok {
				return nil, nil, fmt.Errorf("field %s: unsupported type %T", name, v)
			}
			vals = append(vals, n)
		case FieldOwner:
			s, ok := v.(string)
			if !ok {
				return nil, nil, fmt.Errorf("field %s: unsupported type %T", name, v)
			}
			vals = append(vals, s)
		default:
			return nil, nil, fmt.Errorf("unknown field %q", name)
		}
		cols = append(cols, name)
	}
	if len(cols) == 0 {
		return nil, nil, errors.New("empty field map")
	}
	return cols, vals, nil
}

// DecodeParams unmarshals a stored JSON hyperparameter map.
func DecodeParams(raw string) (experiment.Params, error) {
	if raw == "" {
		return experiment.Params{}, nil
	}
	var p experiment.Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeParams marshals a hyperparameter map for storage.
func EncodeParams(p experiment.Params) (string, error) {
	if p == nil {
		p = experiment.Params{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
