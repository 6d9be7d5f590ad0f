package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/loykin/experimentd/internal/config"
	"github.com/loykin/experimentd/internal/history"
	"github.com/loykin/experimentd/internal/logger"
	"github.com/loykin/experimentd/internal/notify"
	"github.com/loykin/experimentd/internal/orchestrator"
	"github.com/loykin/experimentd/internal/store"
	"github.com/loykin/experimentd/internal/store/factory"
	"github.com/loykin/experimentd/internal/trainer"
)

// runtime bundles the components every command wires from the config
// file.
type runtime struct {
	cfg      *config.FileConfig
	cfgPath  string
	st       store.Store
	reg      *trainer.Registry
	notifier notify.Notifier
	sinks    []history.Sink
	logger   *slog.Logger
}

func newRuntime(configPath string) (*runtime, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file required, use --config=config.toml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	lg := logger.NewDefault(cfg.LogLevel())
	st, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	reg, err := cfg.Registry()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	n, err := cfg.Notifier(lg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sinks, err := cfg.Sinks()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &runtime{
		cfg: cfg, cfgPath: configPath,
		st: st, reg: reg, notifier: n, sinks: sinks, logger: lg,
	}, nil
}

func (r *runtime) close() {
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	_ = r.st.Close()
}

func (r *runtime) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(r.st, r.reg, r.notifier, r.sinks,
		r.cfg.OrchestratorConfig(r.cfgPath), r.logger)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error formatting output: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
