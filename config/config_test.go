package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breakerd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
store:
  backend: memory
server:
  port: 8080
defaults:
  failure_threshold: 3
  reset_timeout: 30s
  service_timeout: 2s
groups:
  - name: payment
    shard_count: 2
  - name: inventory
    overrides:
      failure_threshold: 10
    traffic:
      rate_per_second: 5
      failure_rate: 0.1
      latency: 20ms
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Store.Backend != BackendMemory {
		t.Fatalf("unexpected backend %q", cfg.Store.Backend)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}
	if cfg.Defaults.FailureThreshold != 3 || cfg.Defaults.ResetTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	if len(cfg.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(cfg.Groups))
	}
	if cfg.Groups[1].Overrides == nil || cfg.Groups[1].Overrides.FailureThreshold != 10 {
		t.Fatalf("override not parsed: %+v", cfg.Groups[1])
	}
	if cfg.Groups[1].Traffic == nil || cfg.Groups[1].Traffic.RatePerSecond != 5 {
		t.Fatalf("traffic not parsed: %+v", cfg.Groups[1])
	}

	opts := cfg.Defaults.Options()
	if opts.ServiceTimeout != 2*time.Second {
		t.Fatalf("options conversion lost service timeout: %+v", opts)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "groups:\n  - name: a\n"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Fatalf("expected memory default, got %q", cfg.Store.Backend)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Metrics.Path != "/metrics" || !cfg.Metrics.IsEnabled() {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Logging.Output != "stdout" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  backend: redis\n"))
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoad_EtcdRequiresEndpoints(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  backend: etcd\n"))
	if err == nil {
		t.Fatal("expected error for etcd backend without endpoints")
	}

	_, err = Load(writeConfig(t, "store:\n  backend: etcd\n  etcd:\n    endpoints: [\"localhost:2379\"]\n"))
	if err != nil {
		t.Fatalf("expected valid etcd config, got %v", err)
	}
}

func TestLoad_RejectsDuplicateGroups(t *testing.T) {
	_, err := Load(writeConfig(t, "groups:\n  - name: a\n  - name: a\n"))
	if err == nil {
		t.Fatal("expected error for duplicate group names")
	}
}

func TestLoad_RejectsUnnamedGroup(t *testing.T) {
	_, err := Load(writeConfig(t, "groups:\n  - shard_count: 2\n"))
	if err == nil {
		t.Fatal("expected error for unnamed group")
	}
}

func TestLoad_RejectsBadFailureRate(t *testing.T) {
	_, err := Load(writeConfig(t, "groups:\n  - name: a\n    traffic:\n      rate_per_second: 1\n      failure_rate: 1.5\n"))
	if err == nil {
		t.Fatal("expected error for failure_rate > 1")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
