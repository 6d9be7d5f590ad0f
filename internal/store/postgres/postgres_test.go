package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker
// is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	e := experiment.Experiment{
		ID:             "e1",
		GroupID:        "g1",
		Model:          "ppo",
		EnvID:          "CartPole-v1",
		Owner:          "alice",
		TotalTimesteps: 1000,
		LogDir:         "/tmp/logs/e1",
		Params:         experiment.Params{"lr": 0.001},
		Status:         experiment.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.CreateExperiment(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.CreateExperiment(ctx, e); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := db.GetExperiment(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != experiment.StatusPending || got.TotalTimesteps != 1000 {
		t.Fatalf("unexpected record %+v", got)
	}

	err = db.UpdateExperiment(ctx, "e1", store.Fields{
		store.FieldStatus:  experiment.StatusRunning,
		store.FieldOwner:   "bob",
		store.FieldEndDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.UpdateExperiment(ctx, "nope", store.Fields{
		store.FieldStatus: experiment.StatusRunning,
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// group ordering follows insertion
	e2 := e
	e2.ID = "e2"
	if err := db.CreateExperiment(ctx, e2); err != nil {
		t.Fatal(err)
	}
	members, err := db.GetExperimentsByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get by group: %v", err)
	}
	if len(members) != 2 || members[0].ID != "e1" || members[1].ID != "e2" {
		t.Fatalf("unexpected group members %+v", members)
	}

	// client pool
	if err := db.AddClient(ctx, "10.0.0.1:9000"); err != nil {
		t.Fatal(err)
	}
	addr, err := db.FindAndReserveClient(ctx, "e1")
	if err != nil || addr != "10.0.0.1:9000" {
		t.Fatalf("reserve: addr=%q err=%v", addr, err)
	}
	addr, err = db.FindAndReserveClient(ctx, "e2")
	if err != nil || addr != "" {
		t.Fatalf("exhausted pool: addr=%q err=%v", addr, err)
	}
	if err := db.ReleaseClientsByExperiment(ctx, "e1"); err != nil {
		t.Fatalf("release by experiment: %v", err)
	}
	addr, err = db.FindAndReserveClient(ctx, "e2")
	if err != nil || addr == "" {
		t.Fatalf("reserve after release: addr=%q err=%v", addr, err)
	}
	if err := db.ReleaseClient(ctx, addr); err != nil {
		t.Fatalf("release: %v", err)
	}

	// users
	if err := db.PutUser(ctx, experiment.User{ID: "alice", Name: "Alice", ChatID: "1"}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser(ctx, "alice")
	if err != nil || u.ChatID != "1" {
		t.Fatalf("get user: %+v err=%v", u, err)
	}
}
