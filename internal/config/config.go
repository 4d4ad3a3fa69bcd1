// Package config loads the farecast configuration: YAML file, environment
// overrides, validated defaults for every pipeline knob.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hwco/farecast/internal/errs"
	"github.com/hwco/farecast/internal/pricing"
)

// Duration is a time.Duration that unmarshals from YAML strings like "1h".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a bare number of
// seconds. Numeric scalars would also decode into a string, so the tag
// decides the form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration node: %w", err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PipelineConfig holds the orchestrator knobs (pipeline.* keys).
type PipelineConfig struct {
	ScheduleCadence    Duration `yaml:"schedule_cadence"`
	Phase1Timeout      Duration `yaml:"phase1_timeout"`
	Phase2Timeout      Duration `yaml:"phase2_timeout"`
	OverallTimeout     Duration `yaml:"overall_timeout"`
	TopNRules          int      `yaml:"top_n_rules"`
	MaxComboSize       int      `yaml:"max_combo_size"`
	MinComboSize       int      `yaml:"min_combo_size"`
	MultiplierClampMin float64  `yaml:"multiplier_clamp_min"`
	MultiplierClampMax float64  `yaml:"multiplier_clamp_max"`
	RunOnStartup       bool     `yaml:"run_on_startup"`
	AutoRetrain        bool     `yaml:"auto_retrain"`
	ImpactWorkers      int      `yaml:"impact_workers"`
}

// DatabaseConfig points at the Postgres raw-data/run store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig points at the optional latest-run cache.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// ModelConfig points at the collaborator forecasting model service. An
// empty URL disables the model; forecasts fall back to seasonal-naive.
type ModelConfig struct {
	URL               string   `yaml:"url"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// ServerConfig configures the HTTP control/monitor surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full farecast configuration.
type Config struct {
	Pipeline   PipelineConfig          `yaml:"pipeline"`
	Elasticity pricing.ElasticityTable `yaml:"elasticity"`
	Database   DatabaseConfig          `yaml:"database"`
	Redis      RedisConfig             `yaml:"redis"`
	Model      ModelConfig             `yaml:"model"`
	Server     ServerConfig            `yaml:"server"`
	LogLevel   string                  `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			ScheduleCadence:    Duration(time.Hour),
			Phase1Timeout:      Duration(600 * time.Second),
			Phase2Timeout:      Duration(300 * time.Second),
			OverallTimeout:     Duration(1200 * time.Second),
			TopNRules:          20,
			MaxComboSize:       5,
			MinComboSize:       1,
			MultiplierClampMin: 0.5,
			MultiplierClampMax: 3.0,
			RunOnStartup:       false,
			AutoRetrain:        true,
			ImpactWorkers:      8,
		},
		Elasticity: pricing.DefaultElasticity(),
		Model: ModelConfig{
			Timeout:           Duration(30 * time.Second),
			RequestsPerSecond: 200,
		},
		Server:   ServerConfig{Addr: ":8097"},
		LogLevel: "info",
	}
}

// Load reads the config file at path (optional, "" skips the file), applies
// FARECAST_* environment overrides, then validates. Failures are fatal
// ConfigErrors.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Config("config.load", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errs.Config("config.parse", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FARECAST_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FARECAST_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FARECAST_MODEL_URL"); v != "" {
		cfg.Model.URL = v
	}
	if v := os.Getenv("FARECAST_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FARECAST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FARECAST_SCHEDULE_CADENCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.ScheduleCadence = Duration(d)
		}
	}
	if v := os.Getenv("FARECAST_RUN_ON_STARTUP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.RunOnStartup = b
		}
	}
	if v := os.Getenv("FARECAST_AUTO_RETRAIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.AutoRetrain = b
		}
	}
}

// Validate enforces structural constraints that would otherwise surface as
// undefined pipeline behavior.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.ScheduleCadence <= 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "pipeline.schedule_cadence must be positive")
	}
	if p.Phase1Timeout <= 0 || p.Phase2Timeout <= 0 || p.OverallTimeout <= 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "pipeline timeouts must be positive")
	}
	if p.TopNRules < 1 {
		return errs.Newf(errs.KindConfig, "config.validate", "pipeline.top_n_rules must be >= 1")
	}
	if p.MinComboSize < 1 || p.MaxComboSize < p.MinComboSize {
		return errs.Newf(errs.KindConfig, "config.validate",
			"combo sizes invalid: min=%d max=%d", p.MinComboSize, p.MaxComboSize)
	}
	if p.MultiplierClampMin <= 0 || p.MultiplierClampMax < p.MultiplierClampMin {
		return errs.Newf(errs.KindConfig, "config.validate",
			"multiplier clamp invalid: [%v, %v]", p.MultiplierClampMin, p.MultiplierClampMax)
	}
	e := c.Elasticity
	if e.Min <= 0 || e.Max < e.Min {
		return errs.Newf(errs.KindConfig, "config.validate",
			"elasticity band invalid: [%v, %v]", e.Min, e.Max)
	}
	if e.Gold <= 0 || e.Silver <= 0 || e.Regular <= 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "elasticity bases must be positive")
	}
	return nil
}
