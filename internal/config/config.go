// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/popscrape/internal/records"
)

// DefaultSourceURL is the Wikipedia list scraped when no URL is configured.
const DefaultSourceURL = "https://en.m.wikipedia.org/wiki/List_of_countries_and_dependencies_by_population"

// Storage backends accepted by flags.storage.
const (
	StorageLocal  = "local"
	StorageMemory = "memory"
	StorageGCS    = "gcs"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Flags   FlagsConfig   `mapstructure:"flags"`
	Filter  FilterConfig  `mapstructure:"filter"`
	Report  ReportConfig  `mapstructure:"report"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// SourceConfig controls how the page is fetched and which table is read.
type SourceConfig struct {
	URL                 string   `mapstructure:"url"`
	UserAgent           string   `mapstructure:"user_agent"`
	TimeoutSeconds      int      `mapstructure:"timeout_seconds"`
	Headless            bool     `mapstructure:"headless"`
	HeadlessFallback    bool     `mapstructure:"headless_fallback"`
	HeadlessMaxParallel int      `mapstructure:"headless_max_parallel"`
	LocationKeywords    []string `mapstructure:"location_keywords"`
	PopulationKeywords  []string `mapstructure:"population_keywords"`
}

// FlagsConfig governs the flag image downloads.
type FlagsConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Dir            string  `mapstructure:"dir"`
	MaxConcurrent  int     `mapstructure:"max_concurrent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Referer        string  `mapstructure:"referer"`
	Storage        string  `mapstructure:"storage"`
	GCSBucket      string  `mapstructure:"gcs_bucket"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// FilterConfig holds inclusive population bounds. Zero leaves a bound open.
type FilterConfig struct {
	MinPopulation int64 `mapstructure:"min_population"`
	MaxPopulation int64 `mapstructure:"max_population"`
}

// ReportConfig controls optional report output.
type ReportConfig struct {
	HTMLPath string `mapstructure:"html_path"`
}

// DBConfig controls the optional Postgres record store.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds the optional run notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the HTTP server started by serve.
type ServerConfig struct {
	Port int `mapstructure:"port"`

	// APIKey, when set, is required on POST /v1/refresh.
	APIKey string `mapstructure:"api_key"`

	// RefreshOnStart runs one scrape before serving.
	RefreshOnStart bool `mapstructure:"refresh_on_start"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig turns on OpenTelemetry spans around each run.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(viper.New(), path)
}

// LoadFrom builds a Config using v, which may already carry bound CLI flags.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("POPSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.url", DefaultSourceURL)
	v.SetDefault("source.user_agent", "Mozilla/5.0 (compatible; popscrape/1.0)")
	v.SetDefault("source.timeout_seconds", 10)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "popscrape")
	v.SetDefault("source.headless", false)
	v.SetDefault("source.headless_fallback", false)
	v.SetDefault("source.headless_max_parallel", 1)
	v.SetDefault("source.location_keywords", []string{"location", "country", "area"})
	v.SetDefault("source.population_keywords", []string{"population"})
	v.SetDefault("flags.enabled", false)
	v.SetDefault("flags.dir", "flags")
	v.SetDefault("flags.max_concurrent", 10)
	v.SetDefault("flags.timeout_seconds", 15)
	v.SetDefault("flags.referer", "https://en.wikipedia.org/")
	v.SetDefault("flags.storage", StorageLocal)
	v.SetDefault("flags.rate_per_second", 0.0)
	v.SetDefault("flags.burst", 1)
	v.SetDefault("filter.min_population", 0)
	v.SetDefault("filter.max_population", 0)
	v.SetDefault("db.table", "population_records")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.refresh_on_start", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Source.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source.url must be an absolute URL")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds must be > 0")
	}
	if (c.Source.Headless || c.Source.HeadlessFallback) && c.Source.HeadlessMaxParallel <= 0 {
		return fmt.Errorf("source.headless_max_parallel must be > 0 when headless is enabled")
	}
	if c.Flags.MaxConcurrent <= 0 {
		return fmt.Errorf("flags.max_concurrent must be > 0")
	}
	if c.Flags.TimeoutSeconds <= 0 {
		return fmt.Errorf("flags.timeout_seconds must be > 0")
	}
	if c.Flags.RatePerSecond < 0 {
		return fmt.Errorf("flags.rate_per_second must be >= 0")
	}
	if c.Flags.Burst < 0 {
		return fmt.Errorf("flags.burst must be >= 0")
	}
	switch c.Flags.Storage {
	case StorageLocal:
		if c.Flags.Enabled && c.Flags.Dir == "" {
			return fmt.Errorf("flags.dir must be set for local storage")
		}
	case StorageMemory:
	case StorageGCS:
		if c.Flags.Enabled && c.Flags.GCSBucket == "" {
			return fmt.Errorf("flags.gcs_bucket must be set for gcs storage")
		}
	default:
		return fmt.Errorf("flags.storage must be one of local, memory, gcs")
	}
	if c.Filter.MinPopulation < 0 || c.Filter.MaxPopulation < 0 {
		return fmt.Errorf("filter bounds must be >= 0")
	}
	if c.Filter.MaxPopulation > 0 && c.Filter.MaxPopulation < c.Filter.MinPopulation {
		return fmt.Errorf("filter.max_population must be >= filter.min_population")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		return fmt.Errorf("tracing.service_name must be set when tracing is enabled")
	}
	return nil
}

// SourceTimeout converts the page timeout into a duration.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// FlagTimeout converts the per-image timeout into a duration.
func (c Config) FlagTimeout() time.Duration {
	return time.Duration(c.Flags.TimeoutSeconds) * time.Second
}

// Bounds returns the configured filter. Zero values leave a side unbounded.
func (c Config) Bounds() records.Bounds {
	var b records.Bounds
	if c.Filter.MinPopulation > 0 {
		minimum := c.Filter.MinPopulation
		b.Min = &minimum
	}
	if c.Filter.MaxPopulation > 0 {
		maximum := c.Filter.MaxPopulation
		b.Max = &maximum
	}
	return b
}
