package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SLATiers["critical"].D() != 30*time.Second {
		t.Errorf("critical SLA = %v, want 30s", cfg.SLATiers["critical"].D())
	}
	if cfg.SeverityByThreat["HUMAN"] != "critical" {
		t.Errorf("HUMAN severity = %q, want critical", cfg.SeverityByThreat["HUMAN"])
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http_addr: ":9090"
liveness_window: 45s
gap_threshold: 1h
sla_tiers:
  critical: 20s
  high: 90s
  medium: 5m
  low: 15m
warn_fractions: [0.5]
multi_incident_threshold: 3
ingest:
  rate_per_second: 10
  burst: 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("http_addr = %q, want :9090", cfg.HTTPAddr)
	}
	if cfg.LivenessWindow.D() != 45*time.Second {
		t.Errorf("liveness_window = %v, want 45s", cfg.LivenessWindow.D())
	}
	if cfg.GapThreshold.D() != time.Hour {
		t.Errorf("gap_threshold = %v, want 1h", cfg.GapThreshold.D())
	}
	if cfg.SLATiers["critical"].D() != 20*time.Second {
		t.Errorf("critical SLA = %v, want 20s", cfg.SLATiers["critical"].D())
	}
	if cfg.MultiIncidentThreshold != 3 {
		t.Errorf("multi_incident_threshold = %d, want 3", cfg.MultiIncidentThreshold)
	}
	// Untouched keys keep their defaults.
	if cfg.SeverityByThreat["HUMAN"] != "critical" {
		t.Error("defaults lost for keys the file does not set")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("liveness_window: soon\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"severity without SLA tier", func(c *Config) {
			c.SeverityByThreat["INTRUSION"] = "apocalyptic"
		}},
		{"zero liveness window", func(c *Config) {
			c.LivenessWindow = 0
		}},
		{"zero gap threshold", func(c *Config) {
			c.GapThreshold = 0
		}},
		{"warn fraction out of range", func(c *Config) {
			c.WarnFractions = []float64{1.5}
		}},
		{"zero multi incident threshold", func(c *Config) {
			c.MultiIncidentThreshold = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
