package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/history"
	"github.com/loykin/experimentd/internal/metrics"
	"github.com/loykin/experimentd/internal/monitor"
	"github.com/loykin/experimentd/internal/notify"
	"github.com/loykin/experimentd/internal/pool"
	"github.com/loykin/experimentd/internal/store/sqlite"
	"github.com/loykin/experimentd/internal/trainer"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	to    []string
	fail  bool
	calls int
}

func (r *recordingNotifier) Send(_ context.Context, recipient, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.to = append(r.to, recipient)
	r.sent = append(r.sent, text)
	if r.fail {
		return errors.New("delivery failed")
	}
	return nil
}

type fakeMonitor struct {
	mu      sync.Mutex
	started bool
	stopped bool
	joined  bool
}

func (m *fakeMonitor) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMonitor) Join(time.Duration) bool {
	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()
	return true
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	st   *sqlite.DB
	sup  *Supervisor
	n    *recordingNotifier
	mon  *fakeMonitor
	sink *recordingSink
	e    experiment.Experiment
}

func newFixture(t *testing.T, clients int) *fixture {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "sup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < clients; i++ {
		if err := db.AddClient(ctx, fmt.Sprintf("10.0.0.1:%d", 9000+i)); err != nil {
			t.Fatal(err)
		}
	}

	e := experiment.Experiment{
		ID:             "e1",
		GroupID:        "g1",
		Model:          "ppo",
		EnvID:          "CartPole-v1",
		Owner:          "alice",
		TotalTimesteps: 1000,
		LogDir:         t.TempDir(),
		Params:         experiment.Params{},
		Status:         experiment.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.CreateExperiment(ctx, e); err != nil {
		t.Fatal(err)
	}

	n := &recordingNotifier{}
	mon := &fakeMonitor{}
	sink := &recordingSink{}
	pm := pool.New(db, pool.Config{ReserveInterval: 10 * time.Millisecond, MaxWait: 200 * time.Millisecond}, nil)
	sup := New(db, pm, n, []history.Sink{sink}, Config{}, nil)
	sup.SetMonitorFactory(func(string, string) monitor.Monitor { return mon })
	return &fixture{st: db, sup: sup, n: n, mon: mon, sink: sink, e: e}
}

func (f *fixture) clientStates(t *testing.T) []experiment.Client {
	t.Helper()
	clients, err := f.st.ListClients(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return clients
}

func TestSuperviseCompleted(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	err := f.sup.Supervise(ctx, f.e, trainer.Func(func(ctx context.Context, run trainer.RunContext) error {
		if len(run.Clients) != 1 {
			t.Errorf("expected 1 client, got %d", len(run.Clients))
		}
		if run.IgnoreSteps != DefaultIgnoreSteps {
			t.Errorf("ignore steps = %d", run.IgnoreSteps)
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("Supervise: %v", err)
	}

	got, err := f.st.GetExperiment(ctx, f.e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != experiment.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("end date not set")
	}
	for _, c := range f.clientStates(t) {
		if c.Status != experiment.ClientAvailable {
			t.Fatalf("client leaked: %+v", c)
		}
	}
	if f.n.calls != 1 {
		t.Fatalf("owner must be notified exactly once, got %d", f.n.calls)
	}
	if !strings.Contains(f.n.sent[0], "completed") {
		t.Fatalf("unexpected notification %q", f.n.sent[0])
	}
	if !f.mon.started || !f.mon.stopped || !f.mon.joined {
		t.Fatalf("monitor lifecycle incomplete: %+v", f.mon)
	}

	out, err := ReadOutcome(f.e.LogDir)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.Status != experiment.StatusCompleted || out.ExperimentID != f.e.ID {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSuperviseTrainingFailure(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	err := f.sup.Supervise(ctx, f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		return errors.New("boom")
	}))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failure must propagate to the caller, got %v", err)
	}

	got, _ := f.st.GetExperiment(ctx, f.e.ID)
	if got.Status != experiment.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("end date not set")
	}
	for _, c := range f.clientStates(t) {
		if c.Status != experiment.ClientAvailable {
			t.Fatalf("client leaked: %+v", c)
		}
	}
	if f.n.calls != 1 {
		t.Fatalf("owner must be notified exactly once, got %d", f.n.calls)
	}
	if !strings.Contains(f.n.sent[0], "failed") || !strings.Contains(f.n.sent[0], "boom") {
		t.Fatalf("failure notification must carry the detail, got %q", f.n.sent[0])
	}

	out, err := ReadOutcome(f.e.LogDir)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.Status != experiment.StatusFailed || out.Error != "boom" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSupervisePanicBecomesFailure(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	err := f.sup.Supervise(ctx, f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		panic("trainer exploded")
	}))
	if err == nil || !strings.Contains(err.Error(), "trainer exploded") {
		t.Fatalf("panic must surface as an error, got %v", err)
	}

	got, _ := f.st.GetExperiment(ctx, f.e.ID)
	if got.Status != experiment.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	for _, c := range f.clientStates(t) {
		if c.Status != experiment.ClientAvailable {
			t.Fatalf("client leaked after panic: %+v", c)
		}
	}
}

func TestSuperviseAcquisitionFailure(t *testing.T) {
	f := newFixture(t, 0) // empty pool, bounded MaxWait
	ctx := context.Background()

	invoked := false
	err := f.sup.Supervise(ctx, f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		invoked = true
		return nil
	}))
	if err == nil {
		t.Fatal("acquisition timeout must fail the run")
	}
	if invoked {
		t.Fatal("trainer must not run without clients")
	}
	got, _ := f.st.GetExperiment(ctx, f.e.ID)
	if got.Status != experiment.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if f.n.calls != 1 {
		t.Fatalf("owner must be notified exactly once, got %d", f.n.calls)
	}
}

func TestSuperviseMultipleClients(t *testing.T) {
	f := newFixture(t, 3)
	f.e.Params = experiment.Params{"num_envs": 3}
	ctx := context.Background()

	err := f.sup.Supervise(ctx, f.e, trainer.Func(func(_ context.Context, run trainer.RunContext) error {
		if len(run.Clients) != 3 {
			t.Errorf("expected 3 clients, got %d", len(run.Clients))
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("Supervise: %v", err)
	}
	for _, c := range f.clientStates(t) {
		if c.Status != experiment.ClientAvailable {
			t.Fatalf("client leaked: %+v", c)
		}
	}
}

func TestSuperviseResolvesOwnerChatID(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	if err := f.st.PutUser(ctx, experiment.User{ID: "alice", Name: "Alice", ChatID: "chat-100"}); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.Supervise(ctx, f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	if len(f.n.to) != 1 || f.n.to[0] != "chat-100" {
		t.Fatalf("notification must go to the stored chat id, got %v", f.n.to)
	}
}

func TestSuperviseNotificationFailureDoesNotAffectState(t *testing.T) {
	f := newFixture(t, 1)
	f.n.fail = true
	ctx := context.Background()

	if err := f.sup.Supervise(ctx, f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		return nil
	})); err != nil {
		t.Fatalf("notification failure must not fail the run: %v", err)
	}
	got, _ := f.st.GetExperiment(ctx, f.e.ID)
	if got.Status != experiment.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestNotifyFailureCountedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, 1)
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	pm := pool.New(f.st, pool.Config{ReserveInterval: 10 * time.Millisecond, MaxWait: 200 * time.Millisecond}, nil)
	sup := New(f.st, pm, notify.NewWebhook(srv.URL), nil, Config{}, nil)
	sup.SetMonitorFactory(func(string, string) monitor.Monitor { return f.mon })

	if err := sup.Supervise(context.Background(), f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		return nil
	})); err != nil {
		t.Fatalf("Supervise: %v", err)
	}

	if got := counterValue(t, reg, "experimentd_notify_failures_total"); got != 1 {
		t.Fatalf("one failed delivery must count once, got %v", got)
	}
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestSuperviseHistoryEvents(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	if err := f.sup.Supervise(ctx, f.e, trainer.Func(func(context.Context, trainer.RunContext) error {
		return nil
	})); err != nil {
		t.Fatal(err)
	}
	if len(f.sink.events) != 2 {
		t.Fatalf("expected started+completed events, got %d", len(f.sink.events))
	}
	if f.sink.events[0].Type != history.EventStarted || f.sink.events[1].Type != history.EventCompleted {
		t.Fatalf("unexpected event sequence %+v", f.sink.events)
	}
}
