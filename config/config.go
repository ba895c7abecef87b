// Package config provides configuration loading and validation for the
// epochpds binaries.
//
// Configuration file: YAML, schema version 1.
//
// Validation:
//   - All numeric budgets must be non-negative or the literal "inf".
//   - Storage backend must be "memory" or "bolt"; bolt requires a db path.
//   - Invalid config: the binary refuses to start (fatal error).
//
// The library packages never read configuration themselves; binaries load
// a Config and wire the stores, capacities, and logger from it. Metrics are
// not wired from it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/epochpds/epochpds/budget"
	"github.com/epochpds/epochpds/pds"
)

// Version, GitCommit, BuildTime can be overridden at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BudgetValue is a YAML-friendly budget: a non-negative float or "inf".
type BudgetValue struct {
	value budget.PureDP
}

// Budget returns the decoded budget.
func (b BudgetValue) Budget() budget.PureDP {
	return b.value
}

// UnmarshalYAML accepts a float scalar or the strings "inf"/"infinite".
func (b *BudgetValue) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inf", "infinite":
		b.value = budget.Infinite()
		return nil
	}
	eps, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("budget value %q is neither a number nor \"inf\"", raw)
	}
	b.value = budget.Epsilon(eps)
	return nil
}

func budgetOf(v budget.PureDP) BudgetValue {
	return BudgetValue{value: v}
}

// Config is the root configuration structure.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// Capacities configures the static capacity policy of the filter
	// hierarchy.
	Capacities CapacitiesConfig `yaml:"capacities"`

	// Storage configures the event and filter store backend.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// CapacitiesConfig holds one budget per filter role.
type CapacitiesConfig struct {
	// PerQuerier bounds what one querier can learn from an epoch.
	PerQuerier BudgetValue `yaml:"per_querier"`

	// Global is the collusion filter capacity, across all queriers.
	Global BudgetValue `yaml:"global"`

	// TriggerQuota caps consumption attributable to one trigger site.
	TriggerQuota BudgetValue `yaml:"trigger_quota"`

	// SourceQuota caps consumption attributable to one source site.
	SourceQuota BudgetValue `yaml:"source_quota"`
}

// Static returns the capacity policy described by this section.
func (c CapacitiesConfig) Static() pds.StaticCapacities {
	return pds.StaticCapacities{
		PerQuerier:   c.PerQuerier.Budget(),
		Global:       c.Global.Budget(),
		TriggerQuota: c.TriggerQuota.Budget(),
		SourceQuota:  c.SourceQuota.Budget(),
	}
}

// StorageConfig holds the store backend parameters.
type StorageConfig struct {
	// Backend selects the store implementation: "memory" or "bolt".
	Backend string `yaml:"backend"`

	// DBPath is the BoltDB file path. Required for the bolt backend.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is a Prometheus metrics HTTP bind address for
	// observability.Metrics.ServeMetrics. The epochpds binaries do not read
	// it and start no metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values. The default
// capacities match the standard demo policy.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Capacities: CapacitiesConfig{
			PerQuerier:   budgetOf(budget.Epsilon(1.0)),
			Global:       budgetOf(budget.Epsilon(20.0)),
			TriggerQuota: budgetOf(budget.Epsilon(1.5)),
			SourceQuota:  budgetOf(budget.Epsilon(8.0)),
		},
		Storage: StorageConfig{
			Backend: "memory",
			DBPath:  "/var/lib/epochpds/epochpds.db",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	for _, c := range []struct {
		name  string
		value BudgetValue
	}{
		{"capacities.per_querier", cfg.Capacities.PerQuerier},
		{"capacities.global", cfg.Capacities.Global},
		{"capacities.trigger_quota", cfg.Capacities.TriggerQuota},
		{"capacities.source_quota", cfg.Capacities.SourceQuota},
	} {
		if !c.value.Budget().IsInfinite() && c.value.Budget().Value() < 0 {
			errs = append(errs, fmt.Sprintf("%s must be non-negative, got %s", c.name, c.value.Budget()))
		}
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "bolt":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path must not be empty for the bolt backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be \"memory\" or \"bolt\", got %q", cfg.Storage.Backend))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be debug, info, warn, or error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
