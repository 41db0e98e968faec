package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := loadConfig("", home)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !cfg.APIEnabled || cfg.APIAddr != "127.0.0.1:3000" {
		t.Errorf("api = %v %s, want enabled on 127.0.0.1:3000", cfg.APIEnabled, cfg.APIAddr)
	}
	if cfg.TCPEnabled || cfg.TCPAddr != "127.0.0.1:4000" {
		t.Errorf("tcp = %v %s, want disabled on 127.0.0.1:4000", cfg.TCPEnabled, cfg.TCPAddr)
	}
	if want := filepath.Join(home, ".local", "share", "panels", "panels.duckdb"); cfg.DBPath != want {
		t.Errorf("DBPath = %s, want %s", cfg.DBPath, want)
	}
	if want := filepath.Join(home, ".config", "panels", "dashboards"); cfg.DashboardsDir != want {
		t.Errorf("DashboardsDir = %s, want %s", cfg.DashboardsDir, want)
	}
	if cfg.QueryTimeout != defaultQueryTimeout {
		t.Errorf("QueryTimeout = %v, want %v", cfg.QueryTimeout, defaultQueryTimeout)
	}
	if cfg.RetentionDays != defaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", cfg.RetentionDays, defaultRetentionDays)
	}
	if len(cfg.SideChannels) != 1 || cfg.SideChannels[0] != "live" {
		t.Errorf("SideChannels = %v, want [live]", cfg.SideChannels)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty without a file", cfg.ConfigPath)
	}
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.yml")
	data := []byte(`api-port: 4100
db-path: ~/data/custom.duckdb
loading-state-delay: 50ms
retention-days: 0
default-datasource: duckdb
side-channels: [live, audit]
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, home)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:4100" {
		t.Errorf("APIAddr = %s, want 127.0.0.1:4100", cfg.APIAddr)
	}
	if want := filepath.Join(home, "data", "custom.duckdb"); cfg.DBPath != want {
		t.Errorf("DBPath = %s, want %s", cfg.DBPath, want)
	}
	if cfg.LoadingStateDelay != 50*time.Millisecond {
		t.Errorf("LoadingStateDelay = %v, want 50ms", cfg.LoadingStateDelay)
	}
	if cfg.RetentionDays != 0 || cfg.DefaultDatasource != "duckdb" {
		t.Errorf("RetentionDays = %d DefaultDatasource = %q", cfg.RetentionDays, cfg.DefaultDatasource)
	}
	if len(cfg.SideChannels) != 2 {
		t.Errorf("SideChannels = %v, want 2 entries", cfg.SideChannels)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %s, want %s", cfg.ConfigPath, path)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PANELS_API_PORT", "5000")
	t.Setenv("PANELS_LOG_LEVEL", "debug")
	cfg, err := loadConfig("", t.TempDir())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.APIPort != 5000 || cfg.LogLevel != "debug" {
		t.Errorf("APIPort = %d LogLevel = %s, want 5000 and debug", cfg.APIPort, cfg.LogLevel)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port", "api-port: 70000\n"},
		{"tcp port", "tcp-port: 0\n"},
		{"log level", "log-level: loud\n"},
		{"retention", "retention-days: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			path := filepath.Join(home, "config.yml")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := loadConfig(path, home); err == nil {
				t.Errorf("loadConfig(%q) succeeded, want error", tt.body)
			}
		})
	}
}
