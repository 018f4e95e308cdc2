package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEADDROP_HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Home != home {
		t.Errorf("Home = %q, want %q", cfg.Home, home)
	}
	if cfg.DBPath != filepath.Join(home, DefaultDBFile) || cfg.PackagesDir != filepath.Join(home, DefaultPackageDir) {
		t.Errorf("paths = %q, %q", cfg.DBPath, cfg.PackagesDir)
	}
	if cfg.Workers != 4 || cfg.PollInterval.Duration != 2*time.Second {
		t.Errorf("workers = %d, poll = %v", cfg.Workers, cfg.PollInterval)
	}
	if cfg.NATS.URL != "" || cfg.NATS.Stream != "DEADDROP" || cfg.NATS.Prefix != "deaddrop" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
}

func TestLoad_HomeConfigTOML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEADDROP_HOME", home)
	writeFile(t, home, DefaultConfigFile, `
workers = 8
poll_interval = "500ms"
handler_command = ["make", "-s", "message_entry"]

[nats]
url = "nats://127.0.0.1:4222"

[settings]
callback_host = "c2.example.net"
callback_port = 8443
`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 || cfg.PollInterval.Duration != 500*time.Millisecond {
		t.Errorf("workers = %d, poll = %v", cfg.Workers, cfg.PollInterval)
	}
	if !reflect.DeepEqual(cfg.HandlerCommand, []string{"make", "-s", "message_entry"}) {
		t.Errorf("HandlerCommand = %q", cfg.HandlerCommand)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if v, ok := cfg.Setting("callback_host"); !ok || v != "c2.example.net" {
		t.Errorf("Setting(callback_host) = %v, %v", v, ok)
	}
	if v, ok := cfg.Setting("callback_port"); !ok || v != int64(8443) {
		t.Errorf("Setting(callback_port) = %#v, %v", v, ok)
	}
	if _, ok := cfg.Setting("missing"); ok {
		t.Error("Setting(missing) found")
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("DEADDROP_HOME", t.TempDir())
	path := writeFile(t, t.TempDir(), "server.yaml", `
db_path: /var/lib/deaddrop/server.db
poll_interval: 5s
server_private_key: c2VjcmV0
settings:
  callback_host: relay.example.net
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/deaddrop/server.db" || cfg.PollInterval.Duration != 5*time.Second || cfg.ServerPrivateKey != "c2VjcmV0" {
		t.Errorf("cfg = %+v", cfg)
	}
	if v, _ := cfg.Setting("callback_host"); v != "relay.example.net" {
		t.Errorf("Setting(callback_host) = %v", v)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEADDROP_HOME", home)
	writeFile(t, home, DefaultConfigFile, "workers = 8\n[nats]\nstream = \"FILE\"\n")
	t.Setenv("DEADDROP_WORKERS", "2")
	t.Setenv("DEADDROP_NATS_STREAM", "ENV")
	t.Setenv("DEADDROP_POLL_INTERVAL", "250ms")
	t.Setenv("DEADDROP_HANDLER_COMMAND", "sh handler.sh")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 2 || cfg.NATS.Stream != "ENV" || cfg.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.HandlerCommand, []string{"sh", "handler.sh"}) {
		t.Errorf("HandlerCommand = %q", cfg.HandlerCommand)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("DEADDROP_HOME", t.TempDir())
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing explicit file", filepath.Join(dir, "nope.toml"), "read config"},
		{"unsupported format", writeFile(t, dir, "server.ini", "workers=1"), "unsupported format"},
		{"malformed toml", writeFile(t, dir, "bad.toml", "workers = = 1"), "parse config"},
		{"bad duration", writeFile(t, dir, "dur.yaml", "poll_interval: soon"), "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("DEADDROP_HOME", t.TempDir())
	t.Setenv("DEADDROP_WORKERS", "many")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err = %v, want parse env error", err)
	}
}

func TestAgentPackageDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEADDROP_HOME", home)
	t.Setenv("DEADDROP_PACKAGES_DIR", "/srv/deaddrop/agents")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.AgentPackageDir("pygin", "1.2.0"), "/srv/deaddrop/agents/pygin/1.2.0"; got != want {
		t.Errorf("AgentPackageDir = %q, want %q", got, want)
	}
}
