package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay configuration
type Config struct {
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Collector  CollectorConfig  `yaml:"collector"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// KubernetesConfig represents the Kubernetes configuration
type KubernetesConfig struct {
	Mode           string `yaml:"mode"`
	KubeconfigPath string `yaml:"kubeconfig_path"`
}

// CollectorConfig represents the collection loop configuration
type CollectorConfig struct {
	// Namespace restricts collection to one namespace; empty means all
	Namespace     string `yaml:"namespace"`
	LabelSelector string `yaml:"label_selector"`
	Workers       int    `yaml:"workers"`
	// PodSource is "api" to list pods every cycle or "informer" to read them
	// from a watch-backed cache
	PodSource string `yaml:"pod_source"`
}

// IngestConfig represents the ingestion client configuration
type IngestConfig struct {
	Resolution         string  `yaml:"resolution"`
	ConfirmDelay       string  `yaml:"confirm_delay"`
	RegisterRate       float64 `yaml:"register_rate"`
	RegisterBurst      int     `yaml:"register_burst"`
	Retention          string  `yaml:"retention"`
	MaxSeries          int     `yaml:"max_series"`
	MaxPointsPerSeries int     `yaml:"max_points_per_series"`
}

// ServerConfig represents the read-only HTTP server configuration
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load loads the configuration from environment variables and defaults
func Load() (*Config, error) {
	return loadWithDefaults("")
}

// LoadFromFile loads configuration from a YAML file, with environment variable overrides
func LoadFromFile(configPath string) (*Config, error) {
	return loadWithDefaults(configPath)
}

// Default returns the built-in configuration without environment overrides
func Default() *Config {
	return &Config{
		Kubernetes: KubernetesConfig{
			Mode: "auto",
		},
		Collector: CollectorConfig{
			Workers:   1,
			PodSource: "api",
		},
		Ingest: IngestConfig{
			Resolution:         "5s",
			ConfirmDelay:       "1s",
			RegisterRate:       50,
			RegisterBurst:      100,
			Retention:          "60m",
			MaxSeries:          10000,
			MaxPointsPerSeries: 720,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "0.0.0.0:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadWithDefaults(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromYAMLFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configPath, err)
		}
	}

	// Environment variables take precedence over file values
	applyEnv(cfg)

	return cfg, nil
}

// loadFromYAMLFile decodes the file over cfg so unset keys keep their defaults
func loadFromYAMLFile(configPath string, cfg *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Kubernetes.Mode, "RELAY_KUBE_MODE")
	setString(&cfg.Kubernetes.KubeconfigPath, "KUBECONFIG")

	setString(&cfg.Collector.Namespace, "RELAY_NAMESPACE")
	setString(&cfg.Collector.LabelSelector, "RELAY_LABEL_SELECTOR")
	setInt(&cfg.Collector.Workers, "RELAY_WORKERS")
	setString(&cfg.Collector.PodSource, "RELAY_POD_SOURCE")

	setString(&cfg.Ingest.Resolution, "RELAY_RESOLUTION")
	setString(&cfg.Ingest.ConfirmDelay, "RELAY_CONFIRM_DELAY")
	setFloat(&cfg.Ingest.RegisterRate, "RELAY_REGISTER_RATE")
	setInt(&cfg.Ingest.RegisterBurst, "RELAY_REGISTER_BURST")
	setString(&cfg.Ingest.Retention, "RELAY_RETENTION")
	setInt(&cfg.Ingest.MaxSeries, "RELAY_MAX_SERIES")
	setInt(&cfg.Ingest.MaxPointsPerSeries, "RELAY_MAX_POINTS_PER_SERIES")

	setBool(&cfg.Server.Enabled, "RELAY_SERVER_ENABLED")
	setString(&cfg.Server.Addr, "RELAY_SERVER_ADDR")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = "0.0.0.0:" + port
	}

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.File, "LOG_FILE")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = parsed
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Kubernetes.Mode {
	case "incluster", "kubeconfig", "auto":
	default:
		return fmt.Errorf("kubernetes mode must be 'incluster', 'kubeconfig', or 'auto'")
	}

	if c.Collector.Workers < 1 {
		return fmt.Errorf("collector workers must be at least 1")
	}
	if c.Collector.PodSource != "api" && c.Collector.PodSource != "informer" {
		return fmt.Errorf("collector pod source must be 'api' or 'informer'")
	}

	for name, value := range map[string]string{
		"ingest resolution":    c.Ingest.Resolution,
		"ingest confirm delay": c.Ingest.ConfirmDelay,
		"ingest retention":     c.Ingest.Retention,
	} {
		if _, err := parsePositiveDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Ingest.RegisterRate <= 0 {
		return fmt.Errorf("ingest register rate must be positive")
	}
	if c.Ingest.RegisterBurst < 1 {
		return fmt.Errorf("ingest register burst must be at least 1")
	}
	if c.Ingest.MaxSeries < 1 || c.Ingest.MaxPointsPerSeries < 1 {
		return fmt.Errorf("ingest series limits must be positive")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be 'json' or 'console'")
	}

	return nil
}

// ResolutionDuration returns the parsed sink resolution
func (c IngestConfig) ResolutionDuration() time.Duration {
	return durationOr(c.Resolution, 5*time.Second)
}

// ConfirmDelayDuration returns the parsed remote confirmation delay
func (c IngestConfig) ConfirmDelayDuration() time.Duration {
	return durationOr(c.ConfirmDelay, time.Second)
}

// RetentionDuration returns the parsed series retention
func (c IngestConfig) RetentionDuration() time.Duration {
	return durationOr(c.Retention, 60*time.Minute)
}

func parsePositiveDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := parsePositiveDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
