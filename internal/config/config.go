// Package config loads the TOML configuration file and converts it
// into the typed component configs the daemon wires together.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/experimentd/internal/history"
	"github.com/loykin/experimentd/internal/history/clickhouse"
	"github.com/loykin/experimentd/internal/history/opensearch"
	"github.com/loykin/experimentd/internal/logger"
	"github.com/loykin/experimentd/internal/notify"
	"github.com/loykin/experimentd/internal/orchestrator"
	"github.com/loykin/experimentd/internal/pool"
	"github.com/loykin/experimentd/internal/supervisor"
	"github.com/loykin/experimentd/internal/trainer"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Store    StoreConfig     `toml:"store" mapstructure:"store"`
	Log      LogConfig       `toml:"log" mapstructure:"log"`
	Pool     PoolConfig      `toml:"pool" mapstructure:"pool"`
	Launch   LaunchConfig    `toml:"launch" mapstructure:"launch"`
	Monitor  MonitorConfig   `toml:"monitor" mapstructure:"monitor"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Notify   NotifyConfig    `toml:"notify" mapstructure:"notify"`
	Trainers []TrainerConfig `toml:"trainers" mapstructure:"trainers"`
	Clients  []ClientConfig  `toml:"clients" mapstructure:"clients"`
	Users    []UserConfig    `toml:"users" mapstructure:"users"`
	History  []SinkConfig    `toml:"history" mapstructure:"history"`
}

type StoreConfig struct {
	// DSN selects the backend: postgres://... for PostgreSQL, anything
	// else is treated as a SQLite path.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type LogConfig struct {
	// Dir is the base directory experiment log directories are created
	// under.
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type PoolConfig struct {
	ReserveInterval time.Duration `toml:"reserve_interval" mapstructure:"reserve_interval"`
	// MaxWait bounds client acquisition; zero keeps the default
	// unbounded wait.
	MaxWait time.Duration `toml:"max_wait" mapstructure:"max_wait"`
}

type LaunchConfig struct {
	Retries       int           `toml:"retries" mapstructure:"retries"`
	RetryInterval time.Duration `toml:"retry_interval" mapstructure:"retry_interval"`
}

type MonitorConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	JoinWait time.Duration `toml:"join_wait" mapstructure:"join_wait"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type NotifyConfig struct {
	// Type is "slog" (default) or "webhook".
	Type string `toml:"type" mapstructure:"type"`
	URL  string `toml:"url" mapstructure:"url"`
}

type TrainerConfig struct {
	Name    string   `toml:"name" mapstructure:"name"`
	Command string   `toml:"command" mapstructure:"command"`
	Env     []string `toml:"env" mapstructure:"env"`
}

type ClientConfig struct {
	Address string `toml:"address" mapstructure:"address"`
}

type UserConfig struct {
	ID     string `toml:"id" mapstructure:"id"`
	Name   string `toml:"name" mapstructure:"name"`
	ChatID string `toml:"chat_id" mapstructure:"chat_id"`
}

type SinkConfig struct {
	// Type is "clickhouse" or "opensearch".
	Type     string `toml:"type" mapstructure:"type"`
	Addr     string `toml:"addr" mapstructure:"addr"`
	Database string `toml:"database" mapstructure:"database"`
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
	Table    string `toml:"table" mapstructure:"table"`
	Index    string `toml:"index" mapstructure:"index"`
}

// Load parses the TOML file at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if fc.Store.DSN == "" {
		fc.Store.DSN = "experimentd.db"
	}
	if fc.Log.Dir == "" {
		fc.Log.Dir = "experiments"
	}
	return &fc, nil
}

// LoggerConfig converts the log section into the rotation config used
// for per-experiment train logs.
func (fc *FileConfig) LoggerConfig() logger.Config {
	return logger.Config{
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}

// LogLevel parses the configured level, defaulting to info.
func (fc *FileConfig) LogLevel() slog.Level {
	switch fc.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// PoolConfig converts the pool section.
func (fc *FileConfig) PoolConfig() pool.Config {
	return pool.Config{
		ReserveInterval: fc.Pool.ReserveInterval,
		MaxWait:         fc.Pool.MaxWait,
	}
}

// SupervisorConfig converts the monitor and log sections.
func (fc *FileConfig) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		MonitorJoinWait: fc.Monitor.JoinWait,
		MonitorInterval: fc.Monitor.Interval,
		Log:             fc.LoggerConfig(),
	}
}

// OrchestratorConfig converts the launch and log sections. path is the
// config file location handed to spawned workers.
func (fc *FileConfig) OrchestratorConfig(path string) orchestrator.Config {
	return orchestrator.Config{
		BaseLogDir:     fc.Log.Dir,
		WorkerConfig:   path,
		LaunchRetries:  fc.Launch.Retries,
		LaunchInterval: fc.Launch.RetryInterval,
	}
}

// Notifier builds the configured owner notifier.
func (fc *FileConfig) Notifier(lg *slog.Logger) (notify.Notifier, error) {
	switch fc.Notify.Type {
	case "", "slog":
		return notify.Slog{Logger: lg}, nil
	case "webhook":
		if fc.Notify.URL == "" {
			return nil, fmt.Errorf("notify type webhook requires url")
		}
		return notify.NewWebhook(fc.Notify.URL), nil
	default:
		return nil, fmt.Errorf("unknown notify type %q", fc.Notify.Type)
	}
}

// Sinks builds the configured history sinks.
func (fc *FileConfig) Sinks() ([]history.Sink, error) {
	sinks := make([]history.Sink, 0, len(fc.History))
	for _, sc := range fc.History {
		switch sc.Type {
		case "clickhouse":
			s, err := clickhouse.New(sc.Addr, sc.Database, sc.Username, sc.Password, sc.Table)
			if err != nil {
				return nil, fmt.Errorf("history sink clickhouse: %w", err)
			}
			sinks = append(sinks, s)
		case "opensearch":
			if sc.Index == "" {
				return nil, fmt.Errorf("history sink opensearch requires index")
			}
			sinks = append(sinks, opensearch.New(sc.Addr, sc.Index))
		default:
			return nil, fmt.Errorf("unknown history sink type %q", sc.Type)
		}
	}
	return sinks, nil
}

// Registry builds a trainer registry from the [[trainers]] entries.
func (fc *FileConfig) Registry() (*trainer.Registry, error) {
	reg := trainer.NewRegistry()
	for _, tc := range fc.Trainers {
		if tc.Name == "" {
			return nil, fmt.Errorf("trainer entry missing name")
		}
		if tc.Command == "" {
			return nil, fmt.Errorf("trainer %s missing command", tc.Name)
		}
		if err := reg.Register(tc.Name, trainer.Command{Command: tc.Command, Env: tc.Env}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
