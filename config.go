package specmem

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/specmem/specmem/merge"
	"github.com/specmem/specmem/retrieval"
)

// Config holds the tunable parameters of the engine. The zero value is
// usable: every threshold falls back to its documented default.
type Config struct {
	// Merge tunes the deduplication decision (tau_merge, tau_accept,
	// alpha, top_k, optional CEL policy).
	Merge merge.Config `yaml:"merge"`

	// Retrieval tunes answer grading (tau_low, tau_high, epsilon,
	// fallback ceiling, ranking bonuses).
	Retrieval retrieval.Config `yaml:"retrieval"`

	// Index tunes the small-world graph.
	Index IndexConfig `yaml:"index"`

	// SweepInterval is the cadence of the background merge sweep.
	// Zero disables the periodic sweep; Sweep can still be called
	// manually. Format: Go duration string.
	SweepInterval string `yaml:"sweep_interval,omitempty"`

	// ReconcileInterval is the cadence of the background pass that
	// retries pending indexing and pending canonicalization.
	// Default: 30s.
	ReconcileInterval string `yaml:"reconcile_interval,omitempty"`

	// ExtractionTimeout bounds each canonicalization call. On timeout
	// the raw utterance is stored pending instead. Default: 15s.
	ExtractionTimeout string `yaml:"extraction_timeout,omitempty"`

	// SnapshotPath, when set, is where the index snapshot is written
	// and New tries to restore it from. Snapshots are written on the
	// SnapshotInterval cadence and on Close.
	SnapshotPath string `yaml:"snapshot_path,omitempty"`

	// SnapshotInterval is the cadence of the periodic index snapshot,
	// effective only when SnapshotPath is set. Default: 5m. An explicit
	// zero duration disables the periodic write; Close still snapshots.
	SnapshotInterval string `yaml:"snapshot_interval,omitempty"`

	// CacheMaxCost bounds the read cache size in bytes of record
	// payload. Default: 32 MiB. Negative disables the cache.
	CacheMaxCost int64 `yaml:"cache_max_cost,omitempty"`
}

// IndexConfig tunes the semantic index graph.
type IndexConfig struct {
	// MaxNeighbors bounds each node's edge list. Default: 12.
	MaxNeighbors int `yaml:"max_neighbors,omitempty"`

	// EFSearch bounds the search frontier. Default: 48.
	EFSearch int `yaml:"ef_search,omitempty"`

	// EFConstruction bounds the insert frontier. Default: 64.
	EFConstruction int `yaml:"ef_construction,omitempty"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("LoadConfig", fmt.Errorf("read %s: %w", path, err))
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigurationError("LoadConfig", fmt.Errorf("parse %s: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks threshold sanity. Zero values pass; they select the
// defaults at construction time.
func (c *Config) Validate() error {
	fail := func(err error) error {
		return NewConfigurationError("Config.Validate", err)
	}

	checkUnit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fail(fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
		return nil
	}
	for name, v := range map[string]float64{
		"merge.tau_merge":            c.Merge.TauMerge,
		"merge.tau_accept":           c.Merge.TauAccept,
		"merge.alpha":                c.Merge.Alpha,
		"retrieval.tau_low":          c.Retrieval.TauLow,
		"retrieval.tau_high":         c.Retrieval.TauHigh,
		"retrieval.epsilon":          c.Retrieval.Epsilon,
		"retrieval.alpha":            c.Retrieval.Alpha,
		"retrieval.fallback_ceiling": c.Retrieval.FallbackCeiling,
	} {
		if err := checkUnit(name, v); err != nil {
			return err
		}
	}

	for name, v := range map[string]int{
		"index.max_neighbors":   c.Index.MaxNeighbors,
		"index.ef_search":       c.Index.EFSearch,
		"index.ef_construction": c.Index.EFConstruction,
	} {
		if v < 0 {
			return fail(fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}

	if c.Retrieval.TauLow != 0 && c.Retrieval.TauHigh != 0 &&
		c.Retrieval.TauLow >= c.Retrieval.TauHigh {
		return fail(fmt.Errorf("retrieval.tau_low (%v) must be below retrieval.tau_high (%v)",
			c.Retrieval.TauLow, c.Retrieval.TauHigh))
	}
	if c.Retrieval.FallbackCeiling != 0 && c.Retrieval.TauHigh != 0 &&
		c.Retrieval.FallbackCeiling >= c.Retrieval.TauHigh {
		return fail(fmt.Errorf("retrieval.fallback_ceiling (%v) must stay below retrieval.tau_high (%v)",
			c.Retrieval.FallbackCeiling, c.Retrieval.TauHigh))
	}

	for name, v := range map[string]string{
		"sweep_interval":     c.SweepInterval,
		"reconcile_interval": c.ReconcileInterval,
		"extraction_timeout": c.ExtractionTimeout,
		"snapshot_interval":  c.SnapshotInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fail(fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Merge.Policy != "" {
		if _, err := merge.CompilePolicy(c.Merge.Policy); err != nil {
			return fail(err)
		}
	}
	return nil
}

// sweepInterval parses SweepInterval; zero means disabled.
func (c *Config) sweepInterval() time.Duration {
	if c.SweepInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 0
	}
	return d
}

// reconcileInterval parses ReconcileInterval with its 30s default.
func (c *Config) reconcileInterval() time.Duration {
	if c.ReconcileInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.ReconcileInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// snapshotInterval parses SnapshotInterval with its 5m default. An
// explicit zero disables the periodic snapshot.
func (c *Config) snapshotInterval() time.Duration {
	if c.SnapshotInterval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.SnapshotInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// extractionTimeout parses ExtractionTimeout with its 15s default.
func (c *Config) extractionTimeout() time.Duration {
	if c.ExtractionTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(c.ExtractionTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}
