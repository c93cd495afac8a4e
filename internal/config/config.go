// Package config loads and validates the pipeline configuration.
//
// Configuration comes from a YAML file, with environment variables
// (optionally via a .env file) overriding the API key. The decoded
// document is checked against an embedded CUE schema before use, so a
// typo'd key or an out-of-range value fails at startup with a precise
// message instead of surfacing mid-run.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"aqsync/internal/validate"
)

//go:embed schema.cue
var schemaCUE string

const (
	defaultBaseURL          = "https://api.openaq.org/v3"
	defaultPageSize         = 1000
	defaultRateLimitDelay   = 200 * time.Millisecond
	defaultQualityThreshold = 90.0
	defaultAlertThreshold   = 3
	defaultDataDir          = "."
)

// Config is the full pipeline configuration. Read-only to the engine.
type Config struct {
	Locations  []int            `yaml:"locations"`
	API        APIConfig        `yaml:"api"`
	Data       DataConfig       `yaml:"data"`
	Validation ValidationConfig `yaml:"validation"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// APIConfig configures the remote API client.
type APIConfig struct {
	Key         string `yaml:"key"`
	BaseURL     string `yaml:"base_url"`
	PageSize    int    `yaml:"page_size"`
	RateLimitMS int    `yaml:"rate_limit_ms"`
}

// RateLimitDelay returns the inter-page delay as a duration.
func (a APIConfig) RateLimitDelay() time.Duration {
	return time.Duration(a.RateLimitMS) * time.Millisecond
}

// DataConfig locates the archive and state files.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// ValidationConfig configures the post-merge quality pass.
type ValidationConfig struct {
	Enabled          bool                  `yaml:"enabled"`
	QualityThreshold float64               `yaml:"quality_threshold"`
	SampleSize       int                   `yaml:"sample_size"`
	RequiredFields   []string              `yaml:"required_fields"`
	ParameterRanges  map[string][2]float64 `yaml:"parameter_ranges"`
}

// Rules converts the configured validation settings into the
// validator's rule set.
func (v ValidationConfig) Rules() validate.Rules {
	ranges := make(map[string]validate.Range, len(v.ParameterRanges))
	for name, window := range v.ParameterRanges {
		ranges[name] = validate.Range{Min: window[0], Max: window[1]}
	}
	return validate.Rules{
		RequiredFields:  v.RequiredFields,
		ParameterRanges: ranges,
	}
}

// MonitoringConfig configures run-history storage and alerting.
type MonitoringConfig struct {
	MetricsDB string       `yaml:"metrics_db"`
	Alerts    AlertsConfig `yaml:"alerts"`
}

// AlertsConfig configures failure escalation.
type AlertsConfig struct {
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, validates, and defaults the configuration at path. A
// .env file in the working directory is loaded first, best-effort, so
// OPENAQ_API_KEY can live there during development.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	// Decode generically first so CUE sees the document as written,
	// unknown keys included.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// validateAgainstSchema unifies the decoded document with the embedded
// CUE schema and reports all violations.
func validateAgainstSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	unified := def.Unify(ctx.Encode(raw))
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid config: %v", msgs)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultBaseURL
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = defaultPageSize
	}
	if c.API.RateLimitMS == 0 {
		c.API.RateLimitMS = int(defaultRateLimitDelay / time.Millisecond)
	}
	if c.Data.Dir == "" {
		c.Data.Dir = defaultDataDir
	}
	if c.Validation.QualityThreshold == 0 {
		c.Validation.QualityThreshold = defaultQualityThreshold
	}
	if c.Monitoring.Alerts.MaxConsecutiveFailures == 0 {
		c.Monitoring.Alerts.MaxConsecutiveFailures = defaultAlertThreshold
	}
}
