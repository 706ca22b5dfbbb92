package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigHasSaneValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Connections != 10 {
		t.Errorf("Connections = %d, want 10", cfg.Connections)
	}
	if cfg.ListenWindow <= 0 {
		t.Errorf("ListenWindow = %v, want positive", cfg.ListenWindow)
	}
	if cfg.DashboardAddr != "" {
		t.Errorf("DashboardAddr = %q, want empty by default", cfg.DashboardAddr)
	}
}

func TestDefaultConfigReturnsIndependentCopies(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	a.Connections = 999
	if b.Connections == 999 {
		t.Fatal("mutating one DefaultConfig() result affected another")
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"connections": 5, "request_timeout": 15000000000}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Connections != 5 {
		t.Errorf("Connections = %d, want 5", cfg.Connections)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", cfg.RequestTimeout)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"connectionz": 5}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
