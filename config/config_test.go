package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/epochpds/epochpds/budget"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
capacities:
  per_querier: 2.5
  global: inf
storage:
  backend: bolt
  db_path: /tmp/test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	caps := cfg.Capacities.Static()
	if caps.PerQuerier != budget.Epsilon(2.5) {
		t.Errorf("per_querier = %v, want 2.5", caps.PerQuerier)
	}
	if !caps.Global.IsInfinite() {
		t.Errorf("global = %v, want inf", caps.Global)
	}
	// Untouched sections keep their defaults.
	if caps.TriggerQuota != budget.Epsilon(1.5) {
		t.Errorf("trigger_quota = %v, want default 1.5", caps.TriggerQuota)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("log_level = %q, want default info", cfg.Observability.LogLevel)
	}
	if cfg.Storage.Backend != "bolt" || cfg.Storage.DBPath != "/tmp/test.db" {
		t.Errorf("storage = %+v, want bolt backend", cfg.Storage)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			"negative capacity",
			"capacities:\n  per_querier: -1.0\n",
			"per_querier must be non-negative",
		},
		{
			"bad backend",
			"storage:\n  backend: postgres\n",
			"storage.backend",
		},
		{
			"bolt without path",
			"storage:\n  backend: bolt\n  db_path: \"\"\n",
			"db_path",
		},
		{
			"bad log level",
			"observability:\n  log_level: loud\n",
			"log_level",
		},
		{
			"bad schema version",
			"schema_version: \"2\"\n",
			"schema_version",
		},
		{
			"garbage budget",
			"capacities:\n  global: lots\n",
			"neither a number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.contents)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
