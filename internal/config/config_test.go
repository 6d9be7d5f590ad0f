package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/experimentd/internal/notify"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[store]
dsn = "postgres://u:p@localhost:5432/db"

[log]
dir = "/var/lib/experimentd"
level = "debug"
max_size_mb = 20

[pool]
reserve_interval = "5s"
max_wait = "10m"

[launch]
retries = 5
retry_interval = "3s"

[monitor]
interval = "1m"
join_wait = "4s"

[server]
listen = ":8080"
base_path = "/api"

[metrics]
listen = ":9090"

[notify]
type = "webhook"
url = "https://hooks.example.com/notify"

[[trainers]]
name = "ppo"
command = "python train.py"
env = ["A=1"]

[[clients]]
address = "10.0.0.5:9000"

[[users]]
id = "alice"
name = "Alice"
chat_id = "100001"
`)
	fc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.Store.DSN != "postgres://u:p@localhost:5432/db" {
		t.Fatalf("dsn = %q", fc.Store.DSN)
	}
	if fc.Log.Dir != "/var/lib/experimentd" {
		t.Fatalf("log dir = %q", fc.Log.Dir)
	}
	if fc.LogLevel() != slog.LevelDebug {
		t.Fatalf("level = %v", fc.LogLevel())
	}
	if fc.Pool.ReserveInterval != 5*time.Second || fc.Pool.MaxWait != 10*time.Minute {
		t.Fatalf("pool config %+v", fc.Pool)
	}
	if fc.Launch.Retries != 5 || fc.Launch.RetryInterval != 3*time.Second {
		t.Fatalf("launch config %+v", fc.Launch)
	}

	oc := fc.OrchestratorConfig(path)
	if oc.BaseLogDir != "/var/lib/experimentd" || oc.WorkerConfig != path || oc.LaunchRetries != 5 {
		t.Fatalf("orchestrator config %+v", oc)
	}
	sc := fc.SupervisorConfig()
	if sc.MonitorInterval != time.Minute || sc.MonitorJoinWait != 4*time.Second {
		t.Fatalf("supervisor config %+v", sc)
	}
	if sc.Log.MaxSizeMB != 20 {
		t.Fatalf("log rotation config %+v", sc.Log)
	}

	reg, err := fc.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if _, err := reg.Lookup("ppo"); err != nil {
		t.Fatalf("trainer not registered: %v", err)
	}

	n, err := fc.Notifier(slog.Default())
	if err != nil {
		t.Fatalf("Notifier: %v", err)
	}
	if _, ok := n.(*notify.Webhook); !ok {
		t.Fatalf("expected webhook notifier, got %T", n)
	}

	if len(fc.Clients) != 1 || fc.Clients[0].Address != "10.0.0.5:9000" {
		t.Fatalf("clients %+v", fc.Clients)
	}
	if len(fc.Users) != 1 || fc.Users[0].ChatID != "100001" {
		t.Fatalf("users %+v", fc.Users)
	}
}

func TestLoadDefaults(t *testing.T) {
	fc, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.Store.DSN == "" || fc.Log.Dir == "" {
		t.Fatalf("defaults missing: %+v", fc)
	}
	if fc.LogLevel() != slog.LevelInfo {
		t.Fatalf("default level = %v", fc.LogLevel())
	}
	n, err := fc.Notifier(slog.Default())
	if err != nil {
		t.Fatalf("Notifier: %v", err)
	}
	if _, ok := n.(notify.Slog); !ok {
		t.Fatalf("default notifier must log, got %T", n)
	}
	sinks, err := fc.Sinks()
	if err != nil || len(sinks) != 0 {
		t.Fatalf("sinks %v err=%v", sinks, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("missing file must be an error")
	}
}

func TestNotifierWebhookRequiresURL(t *testing.T) {
	fc, err := Load(writeConfig(t, "[notify]\ntype = \"webhook\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fc.Notifier(slog.Default()); err == nil {
		t.Fatal("webhook without url must fail")
	}
}

func TestRegistryValidation(t *testing.T) {
	fc, err := Load(writeConfig(t, "[[trainers]]\nname = \"ppo\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fc.Registry(); err == nil {
		t.Fatal("trainer without command must fail")
	}
}

func TestSinksUnknownType(t *testing.T) {
	fc, err := Load(writeConfig(t, "[[history]]\ntype = \"kafka\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fc.Sinks(); err == nil {
		t.Fatal("unknown sink type must fail")
	}
}
