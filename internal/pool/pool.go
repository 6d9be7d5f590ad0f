package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loykin/experimentd/internal/metrics"
	"github.com/loykin/experimentd/internal/store"
)

// DefaultReserveInterval is the wait between reservation attempts when
// the pool has no available entry.
const DefaultReserveInterval = 10 * time.Second

// ErrAcquireTimeout is returned when Config.MaxWait elapses before a
// client could be reserved.
var ErrAcquireTimeout = errors.New("client acquisition timed out")

// Client is a reserved pool entry with its address parsed.
type Client struct {
	Host    string
	Port    int
	Address string // the raw host:port the pool entry is keyed by
}

// Config controls the acquisition policy. MaxWait of zero means wait
// forever; that is the default, favoring availability over failing
// fast.
type Config struct {
	ReserveInterval time.Duration
	MaxWait         time.Duration
}

// Manager provides blocking acquisition and idempotent release of
// pool clients on top of the store's atomic reserve operation.
type Manager struct {
	st     store.Store
	cfg    Config
	logger *slog.Logger
}

func New(st store.Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ReserveInterval <= 0 {
		cfg.ReserveInterval = DefaultReserveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{st: st, cfg: cfg, logger: logger}
}

// Acquire reserves one client for the experiment, polling until an
// entry becomes available. It blocks until success, context
// cancellation, or MaxWait (when configured).
func (m *Manager) Acquire(ctx context.Context, experimentID string) (Client, error) {
	start := time.Now()
	var deadline <-chan time.Time
	if m.cfg.MaxWait > 0 {
		t := time.NewTimer(m.cfg.MaxWait)
		defer t.Stop()
		deadline = t.C
	}
	for {
		addr, err := m.st.FindAndReserveClient(ctx, experimentID)
		if err != nil {
			return Client{}, fmt.Errorf("reserve client: %w", err)
		}
		if addr != "" {
			c, err := parseAddress(addr)
			if err != nil {
				_ = m.st.ReleaseClient(ctx, addr)
				return Client{}, err
			}
			metrics.ObserveReserveWait(time.Since(start).Seconds())
			metrics.AddReservedClients(1)
			m.logger.Debug("reserved client", "address", addr, "experiment_id", experimentID)
			return c, nil
		}
		m.logger.Info("no clients available, waiting for available clients",
			"experiment_id", experimentID, "interval", m.cfg.ReserveInterval)
		select {
		case <-ctx.Done():
			return Client{}, ctx.Err()
		case <-deadline:
			return Client{}, fmt.Errorf("%w after %s", ErrAcquireTimeout, m.cfg.MaxWait)
		case <-time.After(m.cfg.ReserveInterval):
		}
	}
}

// AcquireN reserves n clients. On any failure it releases what it
// already holds before returning.
func (m *Manager) AcquireN(ctx context.Context, experimentID string, n int) ([]Client, error) {
	if n <= 0 {
		n = 1
	}
	clients := make([]Client, 0, n)
	for i := 0; i < n; i++ {
		c, err := m.Acquire(ctx, experimentID)
		if err != nil {
			m.Release(context.WithoutCancel(ctx), clients...)
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// Release returns clients to the pool. It is idempotent and
// best-effort: failures are logged and the remaining clients are
// still released.
func (m *Manager) Release(ctx context.Context, clients ...Client) {
	for _, c := range clients {
		if err := m.st.ReleaseClient(ctx, c.Address); err != nil {
			m.logger.Error("failed to release client", "address", c.Address, "error", err)
			continue
		}
		metrics.AddReservedClients(-1)
	}
}

// parseAddress splits the reservation's returned host:port string.
func parseAddress(addr string) (Client, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Client{}, fmt.Errorf("malformed client address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Client{}, fmt.Errorf("malformed client port in %q: %w", addr, err)
	}
	return Client{Host: host, Port: port, Address: addr}, nil
}
