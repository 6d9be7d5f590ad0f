package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", dsn(p))
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// one shared connection; every pooled connection would
		// otherwise see its own empty in-memory database
		d.SetMaxOpenConns(1)
	}
	return &DB{db: d}, nil
}

// dsn converts a filesystem path into a URI DSN carrying per-connection
// pragmas. Every connection in the pool, and every process opening the
// same file, gets the busy timeout, so concurrent reservers wait on
// short write locks instead of failing with SQLITE_BUSY. File databases
// also run in WAL mode, which keeps lock upgrades honoring that
// timeout under cross-process write contention.
func dsn(p string) string {
	const busy = "_pragma=busy_timeout(3000)"
	if p == ":memory:" {
		return "file::memory:?" + busy
	}
	pragmas := busy + "&_pragma=journal_mode(WAL)"
	if !strings.HasPrefix(p, "file:") {
		p = "file:" + p
	}
	if strings.Contains(p, "?") {
		return p + "&" + pragmas
	}
	return p + "?" + pragmas
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiments(
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			model TEXT NOT NULL,
			env_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			total_timesteps INTEGER NOT NULL,
			log_dir TEXT NOT NULL,
			model_params TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			end_date TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_group ON experiments(group_id);`,
		`CREATE TABLE IF NOT EXISTS client_pool(
			address TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_experiment TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS users(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			chat_id TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateExperiment(ctx context.Context, e experiment.Experiment) error {
	params, err := store.EncodeParams(e.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments(id, group_id, model, env_id, owner, total_timesteps, log_dir, model_params, pid, status, created_at, end_date)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL);`,
		e.ID, e.GroupID, e.Model, e.EnvID, e.Owner, e.TotalTimesteps, e.LogDir, params, e.PID, string(e.Status), e.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("experiment %s: %w", e.ID, store.ErrDuplicateKey)
		}
		return err
	}
	return nil
}

func (s *DB) UpdateExperiment(ctx context.Context, id string, fields store.Fields) error {
	cols, vals, err := store.SetClause(fields)
	if err != nil {
		return err
	}
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = c + "=?"
	}
	vals = append(vals, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET `+strings.Join(set, ", ")+` WHERE id=?;`, vals...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("experiment %s: %w", id, store.ErrNotFound)
	}
	return nil
}

const experimentCols = `id, group_id, model, env_id, owner, total_timesteps, log_dir, model_params, pid, status, created_at, end_date`

func (s *DB) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE id=?;`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.Experiment{}, fmt.Errorf("experiment %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

func (s *DB) GetExperimentsByGroup(ctx context.Context, groupID string) ([]experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE group_id=? ORDER BY rowid;`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]experiment.Experiment, 0)
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindAndReserveClient is a single conditional UPDATE; the inner
// SELECT and the status guard make concurrent reservers race on the
// row update, so at most one wins each entry.
func (s *DB) FindAndReserveClient(ctx context.Context, experimentID string) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx, `
		UPDATE client_pool SET status=?, current_experiment=?
		WHERE address = (SELECT address FROM client_pool WHERE status=? ORDER BY address LIMIT 1)
		AND status=?
		RETURNING address;`,
		string(experiment.ClientReserved), experimentID,
		string(experiment.ClientAvailable), string(experiment.ClientAvailable)).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (s *DB) ReleaseClient(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_pool SET status=?, current_experiment=NULL WHERE address=?;`,
		string(experiment.ClientAvailable), address)
	return err
}

func (s *DB) ReleaseClientsByExperiment(ctx context.Context, experimentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_pool SET status=?, current_experiment=NULL WHERE current_experiment=?;`,
		string(experiment.ClientAvailable), experimentID)
	return err
}

func (s *DB) AddClient(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_pool(address, status, current_experiment)
		VALUES(?, ?, NULL)
		ON CONFLICT(address) DO NOTHING;`,
		address, string(experiment.ClientAvailable))
	return err
}

func (s *DB) ListClients(ctx context.Context) ([]experiment.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, status, current_experiment FROM client_pool ORDER BY address;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]experiment.Client, 0)
	for rows.Next() {
		var c experiment.Client
		var holder sql.NullString
		if err := rows.Scan(&c.Address, &c.Status, &holder); err != nil {
			return nil, err
		}
		c.CurrentExperiment = holder.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) GetUser(ctx context.Context, id string) (experiment.User, error) {
	var u experiment.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, chat_id FROM users WHERE id=?;`, id).Scan(&u.ID, &u.Name, &u.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.User{}, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, err
}

func (s *DB) PutUser(ctx context.Context, u experiment.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, name, chat_id) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, chat_id=excluded.chat_id;`,
		u.ID, u.Name, u.ChatID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(r rowScanner) (experiment.Experiment, error) {
	var e experiment.Experiment
	var params, status string
	var end sql.NullTime
	if err := r.Scan(&e.ID, &e.GroupID, &e.Model, &e.EnvID, &e.Owner,
		&e.TotalTimesteps, &e.LogDir, &params, &e.PID, &status, &e.CreatedAt, &end); err != nil {
		return experiment.Experiment{}, err
	}
	e.Status = experiment.Status(status)
	if end.Valid {
		e.EndedAt = end.Time
	}
	p, err := store.DecodeParams(params)
	if err != nil {
		return experiment.Experiment{}, err
	}
	e.Params = p
	return e, nil
}
