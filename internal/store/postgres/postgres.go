package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiments(
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			model TEXT NOT NULL,
			env_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			total_timesteps BIGINT NOT NULL,
			log_dir TEXT NOT NULL,
			model_params TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NULL
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
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateExperiment(ctx context.Context, e experiment.Experiment) error {
	params, err := store.EncodeParams(e.Params)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO experiments(id, group_id, model, env_id, owner, total_timesteps, log_dir, model_params, pid, status, created_at, end_date)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL);`,
		e.ID, e.GroupID, e.Model, e.EnvID, e.Owner, e.TotalTimesteps, e.LogDir, params, e.PID, string(e.Status), e.CreatedAt.UTC())
	if err != nil {
		// 23505 is unique_violation
		if strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("experiment %s: %w", e.ID, store.ErrDuplicateKey)
		}
		return err
	}
	return nil
}

func (p *DB) UpdateExperiment(ctx context.Context, id string, fields store.Fields) error {
	cols, vals, err := store.SetClause(fields)
	if err != nil {
		return err
	}
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s=$%d", c, i+1)
	}
	vals = append(vals, id)
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE experiments SET %s WHERE id=$%d;`, strings.Join(set, ", "), len(vals)), vals...)
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

func (p *DB) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE id=$1;`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.Experiment{}, fmt.Errorf("experiment %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

func (p *DB) GetExperimentsByGroup(ctx context.Context, groupID string) ([]experiment.Experiment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE group_id=$1 ORDER BY seq;`, groupID)
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

// FindAndReserveClient relies on FOR UPDATE SKIP LOCKED so concurrent
// reservers never block on, or double-reserve, the same entry.
func (p *DB) FindAndReserveClient(ctx context.Context, experimentID string) (string, error) {
	var addr string
	err := p.db.QueryRowContext(ctx, `
		UPDATE client_pool SET status=$1, current_experiment=$2
		WHERE address = (
			SELECT address FROM client_pool WHERE status=$3
			ORDER BY address LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING address;`,
		string(experiment.ClientReserved), experimentID,
		string(experiment.ClientAvailable)).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (p *DB) ReleaseClient(ctx context.Context, address string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE client_pool SET status=$1, current_experiment=NULL WHERE address=$2;`,
		string(experiment.ClientAvailable), address)
	return err
}

func (p *DB) ReleaseClientsByExperiment(ctx context.Context, experimentID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE client_pool SET status=$1, current_experiment=NULL WHERE current_experiment=$2;`,
		string(experiment.ClientAvailable), experimentID)
	return err
}

func (p *DB) AddClient(ctx context.Context, address string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO client_pool(address, status, current_experiment)
		VALUES($1, $2, NULL)
		ON CONFLICT(address) DO NOTHING;`,
		address, string(experiment.ClientAvailable))
	return err
}

func (p *DB) ListClients(ctx context.Context) ([]experiment.Client, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func (p *DB) GetUser(ctx context.Context, id string) (experiment.User, error) {
	var u experiment.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, chat_id FROM users WHERE id=$1;`, id).Scan(&u.ID, &u.Name, &u.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.User{}, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, err
}

func (p *DB) PutUser(ctx context.Context, u experiment.User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users(id, name, chat_id) VALUES($1, $2, $3)
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
