// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Queue and storage backend names.
const (
	BackendMemory   = "memory"
	BackendMySQL    = "mysql"
	BackendNSQ      = "nsq"
	BackendPubSub   = "pubsub"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig bounds job processing.
type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	ReportTimeout time.Duration `mapstructure:"report_timeout"`
}

// FetchConfig configures the page fetcher.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	// HostRPS caps requests per second to a single host; 0 disables limiting.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// ExtractConfig tunes media discovery.
type ExtractConfig struct {
	VideoPatterns   []string `mapstructure:"video_patterns"`
	MinSourceLength int      `mapstructure:"min_source_length"`
}

// BufferConfig sets batching for persistence.
type BufferConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Memory      MemoryQueue   `mapstructure:"memory"`
	MySQL       MySQLQueue    `mapstructure:"mysql"`
	NSQ         NSQQueue      `mapstructure:"nsq"`
	PubSub      PubSubQueue   `mapstructure:"pubsub"`
}

// MemoryQueue configures the in-process queue.
type MemoryQueue struct {
	Capacity int `mapstructure:"capacity"`
}

// MySQLQueue configures the table-backed queue.
type MySQLQueue struct {
	DSN          string        `mapstructure:"dsn"`
	Table        string        `mapstructure:"table"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	Migrate      bool          `mapstructure:"migrate"`
}

// NSQQueue configures the NSQ producer and consumer.
type NSQQueue struct {
	NSQDAddress      string   `mapstructure:"nsqd_address"`
	LookupdAddresses []string `mapstructure:"lookupd_addresses"`
	Topic            string   `mapstructure:"topic"`
	Channel          string   `mapstructure:"channel"`
}

// PubSubQueue holds the Pub/Sub topic and subscription.
type PubSubQueue struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// StorageConfig selects where media records are persisted.
type StorageConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres PostgresStorage `mapstructure:"postgres"`
	GCS      GCSStorage      `mapstructure:"gcs"`
}

// PostgresStorage controls access to the media table.
type PostgresStorage struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// GCSStorage names the bucket that receives NDJSON batches.
type GCSStorage struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ShutdownConfig bounds each shutdown step.
type ShutdownConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// TelemetryConfig controls tracing. Spans are exported to Cloud Trace only
// when GCPProjectID is set.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	GCPProjectID string  `mapstructure:"gcp_project_id"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can override it during Unmarshal.
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.report_timeout", 10*time.Second)
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.user_agent", "MediaScraper/1.0 (+https://github.com/JakeFAU/mediascrape)")
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.host_rps", 0.0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("extract.video_patterns", []string{"youtube.com", "vimeo.com", "player"})
	v.SetDefault("extract.min_source_length", 5)
	v.SetDefault("buffer.capacity", 50)
	v.SetDefault("buffer.flush_interval", 5*time.Second)
	v.SetDefault("buffer.flush_timeout", 30*time.Second)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_max", time.Minute)
	v.SetDefault("queue.memory.capacity", 1024)
	v.SetDefault("queue.mysql.dsn", "")
	v.SetDefault("queue.mysql.table", "scrape_jobs")
	v.SetDefault("queue.mysql.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.mysql.lock_timeout", 2*time.Minute)
	v.SetDefault("queue.mysql.migrate", true)
	v.SetDefault("queue.nsq.nsqd_address", "")
	v.SetDefault("queue.nsq.lookupd_addresses", []string{})
	v.SetDefault("queue.nsq.topic", "media-scrape")
	v.SetDefault("queue.nsq.channel", "worker")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "")
	v.SetDefault("queue.pubsub.subscription", "")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 0)
	v.SetDefault("storage.postgres.table", "media")
	v.SetDefault("storage.postgres.migrate", true)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "media")
	v.SetDefault("shutdown.step_timeout", time.Minute)
	v.SetDefault("telemetry.service_name", "mediascrape")
	v.SetDefault("telemetry.gcp_project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.ReportTimeout <= 0 {
		return fmt.Errorf("worker.report_timeout must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.HostRPS < 0 {
		return fmt.Errorf("fetch.host_rps must be >= 0")
	}
	if c.Extract.MinSourceLength < 0 {
		return fmt.Errorf("extract.min_source_length must be >= 0")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be > 0")
	}
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be > 0")
	}
	if c.Buffer.FlushTimeout <= 0 {
		return fmt.Errorf("buffer.flush_timeout must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Shutdown.StepTimeout <= 0 {
		return fmt.Errorf("shutdown.step_timeout must be > 0")
	}
	// A drain must outlast one job: fetch, a capacity flush inside Add, and the report.
	if budget := c.Fetch.Timeout + c.Buffer.FlushTimeout + c.Worker.ReportTimeout; c.Shutdown.StepTimeout < budget {
		return fmt.Errorf("shutdown.step_timeout (%s) must be >= fetch.timeout + buffer.flush_timeout + worker.report_timeout (%s)",
			c.Shutdown.StepTimeout, budget)
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	return c.Storage.validate()
}

func (q QueueConfig) validate() error {
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if q.BackoffBase <= 0 || q.BackoffMax < q.BackoffBase {
		return fmt.Errorf("queue.backoff_base must be > 0 and <= queue.backoff_max")
	}
	switch q.Backend {
	case BackendMemory:
		if q.Memory.Capacity <= 0 {
			return fmt.Errorf("queue.memory.capacity must be > 0")
		}
	case BackendMySQL:
		if q.MySQL.DSN == "" {
			return fmt.Errorf("queue.mysql.dsn is required for the mysql backend")
		}
		if q.MySQL.Migrate && q.MySQL.Table != "scrape_jobs" {
			return fmt.Errorf("queue.mysql.migrate only provisions the scrape_jobs table")
		}
		if q.MySQL.PollInterval <= 0 || q.MySQL.LockTimeout <= 0 {
			return fmt.Errorf("queue.mysql.poll_interval and lock_timeout must be > 0")
		}
	case BackendNSQ:
		if q.NSQ.NSQDAddress == "" {
			return fmt.Errorf("queue.nsq.nsqd_address is required for the nsq backend")
		}
	case BackendPubSub:
		if q.PubSub.ProjectID == "" || q.PubSub.Topic == "" || q.PubSub.Subscription == "" {
			return fmt.Errorf("queue.pubsub.project_id, topic and subscription are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of %s", q.Backend,
			strings.Join([]string{BackendMemory, BackendMySQL, BackendNSQ, BackendPubSub}, ", "))
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
		if s.Postgres.Migrate && s.Postgres.Table != "media" {
			return fmt.Errorf("storage.postgres.migrate only provisions the media table")
		}
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of %s", s.Backend,
			strings.Join([]string{BackendMemory, BackendPostgres, BackendGCS}, ", "))
	}
	return nil
}

// Durable reports whether jobs enqueued here outlive the process.
func (q QueueConfig) Durable() bool {
	return slices.Contains([]string{BackendMySQL, BackendNSQ, BackendPubSub}, q.Backend)
}
