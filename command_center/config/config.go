// YAML config loader for the coordination core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Advisory configures the external AI suggestion collaborator.
type Advisory struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
	// Fallbacks are served whenever the collaborator is slow or unreachable.
	Fallbacks []string `yaml:"fallbacks"`
}

// Ingest configures alert-ingestion storm protection.
type Ingest struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// SourceRatePerSecond limits each individual sensor source.
	SourceRatePerSecond float64 `yaml:"source_rate_per_second"`
	SourceBurst         int     `yaml:"source_burst"`
}

// Config is the root configuration for the command center.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// SeverityByThreat maps an alert threat type to an incident severity tier.
	SeverityByThreat map[string]string `yaml:"severity_by_threat"`
	// SLATiers maps a severity tier to its response deadline budget.
	SLATiers map[string]Duration `yaml:"sla_tiers"`
	// RequiredCapabilities maps a threat type to unit capabilities a
	// responder must carry. Empty means any unit qualifies.
	RequiredCapabilities map[string][]string `yaml:"required_capabilities"`

	LivenessWindow        Duration `yaml:"liveness_window"`
	LivenessSweepInterval Duration `yaml:"liveness_sweep_interval"`
	EscalationInterval    Duration `yaml:"escalation_interval"`
	DispatchInterval      Duration `yaml:"dispatch_interval"`
	ReconcileInterval     Duration `yaml:"reconcile_interval"`
	ArchiveFlushInterval  Duration `yaml:"archive_flush_interval"`
	GapThreshold          Duration `yaml:"gap_threshold"`

	// WarnFractions are remaining-budget fractions at which SLA warnings fire.
	WarnFractions []float64 `yaml:"warn_fractions"`
	// MultiIncidentThreshold is the open critical+high count that flips
	// multi-incident mode.
	MultiIncidentThreshold int `yaml:"multi_incident_threshold"`

	Ingest   Ingest   `yaml:"ingest"`
	Advisory Advisory `yaml:"advisory"`
}

// Default returns the production defaults. Every value can be overridden via
// the YAML file or environment in main.
func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		SeverityByThreat: map[string]string{
			"HUMAN":         "critical",
			"ENVIRONMENTAL": "high",
			"SENSOR":        "low",
			"OTHER":         "medium",
		},
		SLATiers: map[string]Duration{
			"critical": Duration(30 * time.Second),
			"high":     Duration(2 * time.Minute),
			"medium":   Duration(5 * time.Minute),
			"low":      Duration(15 * time.Minute),
		},
		RequiredCapabilities: map[string][]string{
			"HUMAN": {"thermal"},
		},
		LivenessWindow:         Duration(30 * time.Second),
		LivenessSweepInterval:  Duration(5 * time.Second),
		EscalationInterval:     Duration(1 * time.Second),
		DispatchInterval:       Duration(1 * time.Second),
		ReconcileInterval:      Duration(30 * time.Second),
		ArchiveFlushInterval:   Duration(30 * time.Second),
		GapThreshold:           Duration(30 * time.Minute),
		WarnFractions:          []float64{0.5, 0.2},
		MultiIncidentThreshold: 2,
		Ingest: Ingest{
			RatePerSecond:       50,
			Burst:               100,
			SourceRatePerSecond: 5,
			SourceBurst:         10,
		},
		Advisory: Advisory{
			Timeout: Duration(5 * time.Second),
			Fallbacks: []string{
				"Continue regular perimeter surveillance. System load is within normal parameters.",
				"Optimizing patrol routes based on current heatmaps. Proceed with standard surveillance.",
			},
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordination core cannot run with.
func (c *Config) Validate() error {
	for threat, sev := range c.SeverityByThreat {
		if _, ok := c.SLATiers[sev]; !ok {
			return fmt.Errorf("threat %q maps to severity %q with no SLA tier", threat, sev)
		}
	}
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("liveness_window must be positive")
	}
	if c.GapThreshold <= 0 {
		return fmt.Errorf("gap_threshold must be positive")
	}
	for _, f := range c.WarnFractions {
		if f <= 0 || f >= 1 {
			return fmt.Errorf("warn_fractions must be in (0,1), got %v", f)
		}
	}
	if c.MultiIncidentThreshold < 1 {
		return fmt.Errorf("multi_incident_threshold must be >= 1")
	}
	return nil
}
