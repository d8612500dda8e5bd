// Package config loads and validates index builder configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/edgar-index/internal/parser"
)

// DateLayout is the format of crawler.start_date and crawler.end_date.
const DateLayout = "2006-01-02"

// Storage backends.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

var backends = []string{BackendLocal, BackendMemory, BackendGCS, BackendS3, BackendPostgres, BackendSQLite}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// CrawlerConfig governs the crawl phase and the shared fetcher.
type CrawlerConfig struct {
	StartDate string `mapstructure:"start_date"`
	// EndDate is empty for "today".
	EndDate        string        `mapstructure:"end_date"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	ListingBaseURL string        `mapstructure:"listing_base_url"`
	ArchiveBaseURL string        `mapstructure:"archive_base_url"`
	MalformedLines string        `mapstructure:"malformed_lines"`
}

// ResolverConfig controls the ticker resolution phase.
type ResolverConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	FormTypes   []string `mapstructure:"form_types"`
	Concurrency int      `mapstructure:"concurrency"`
}

// StorageConfig selects and configures the checkpoint backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Local    LocalConfig    `mapstructure:"local"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	S3       S3Config       `mapstructure:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// LocalConfig stores index.json and meta.json in a directory.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// GCSConfig stores the snapshot documents in a bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config stores the snapshot documents in an S3 compatible bucket.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig controls the relational checkpoint store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SQLiteConfig locates the embedded checkpoint database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the lookup API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// ReloadInterval re-reads the snapshot periodically; zero disables it.
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces and optionally points span
// export at an OTLP collector.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// OTLPEndpoint is a collector host:port; empty disables export.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDGAR")
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
	v.SetDefault("crawler.start_date", "2019-01-01")
	v.SetDefault("crawler.end_date", "")
	v.SetDefault("crawler.user_agent", "Company Name myname@company.com")
	v.SetDefault("crawler.rate_limit", 5)
	v.SetDefault("crawler.rate_window", "1s")
	v.SetDefault("crawler.request_timeout", "5s")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.listing_base_url", "https://www.sec.gov/Archives/edgar/full-index")
	v.SetDefault("crawler.archive_base_url", "https://www.sec.gov/Archives/edgar/data")
	v.SetDefault("crawler.malformed_lines", "abort")
	v.SetDefault("resolver.enabled", true)
	v.SetDefault("resolver.form_types", []string{"10-Q"})
	v.SetDefault("resolver.concurrency", 16)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.dir", ".")
	// Empty defaults register the keys so EDGAR_* environment overrides apply.
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.sqlite.path", "edgar-index.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.reload_interval", "0s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "edgar-index")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	start, err := c.StartDate()
	if err != nil {
		return err
	}
	end, err := c.EndDate()
	if err != nil {
		return err
	}
	if !end.IsZero() && end.Before(start) {
		return fmt.Errorf("crawler.end_date must not precede crawler.start_date")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.RateLimit <= 0 {
		return fmt.Errorf("crawler.rate_limit must be > 0")
	}
	if c.Crawler.RateWindow <= 0 {
		return fmt.Errorf("crawler.rate_window must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if _, err := c.LinePolicy(); err != nil {
		return fmt.Errorf("crawler.malformed_lines: %w", err)
	}
	if c.Resolver.Enabled {
		if len(c.Resolver.FormTypes) == 0 {
			return fmt.Errorf("resolver.form_types must list at least one form type")
		}
		if c.Resolver.Concurrency <= 0 {
			return fmt.Errorf("resolver.concurrency must be > 0")
		}
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

func (s StorageConfig) validate() error {
	if !slices.Contains(backends, s.Backend) {
		return fmt.Errorf("storage.backend must be one of %s", strings.Join(backends, ", "))
	}
	switch s.Backend {
	case BackendLocal:
		if s.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir must be set")
		}
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set")
		}
	case BackendS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set")
		}
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set")
		}
	case BackendSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set")
		}
	}
	return nil
}

// StartDate parses crawler.start_date.
func (c Config) StartDate() (time.Time, error) {
	t, err := time.Parse(DateLayout, c.Crawler.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("crawler.start_date must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// EndDate parses crawler.end_date. The zero time means "today".
func (c Config) EndDate() (time.Time, error) {
	if c.Crawler.EndDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, c.Crawler.EndDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("crawler.end_date must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// LinePolicy parses crawler.malformed_lines.
func (c Config) LinePolicy() (parser.LinePolicy, error) {
	p, err := parser.ParseLinePolicy(c.Crawler.MalformedLines)
	if err != nil {
		return parser.LineAbort, fmt.Errorf("parse line policy: %w", err)
	}
	return p, nil
}
