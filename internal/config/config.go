// Package config loads application configuration from file and environment
// and owns global logger initialization.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Exclusion  ExclusionConfig  `yaml:"exclusion" mapstructure:"exclusion"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Tables     TablesConfig     `yaml:"tables" mapstructure:"tables"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the durable work queues.
type QueueConfig struct {
	ScoringQueue     string `yaml:"scoring_queue" mapstructure:"scoring_queue"`
	ReviewQueue      string `yaml:"review_queue" mapstructure:"review_queue"`
	VisibilitySecs   int    `yaml:"visibility_secs" mapstructure:"visibility_secs"`
	MaxReceives      int    `yaml:"max_receives" mapstructure:"max_receives"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// ScoringConfig holds the bid-confidence model tunables. Weights and
// thresholds are deliberately external so retuning never needs a redeploy.
type ScoringConfig struct {
	BaseThreshold    float64 `yaml:"base_threshold" mapstructure:"base_threshold"`
	SigmoidSteepness float64 `yaml:"sigmoid_steepness" mapstructure:"sigmoid_steepness"`
	SigmoidMidpoint  float64 `yaml:"sigmoid_midpoint" mapstructure:"sigmoid_midpoint"`

	// Normalization divisors per dimension.
	MaxCodes       float64 `yaml:"max_codes" mapstructure:"max_codes"`
	MaxTitleLength float64 `yaml:"max_title_length" mapstructure:"max_title_length"`
	MaxAuthority   float64 `yaml:"max_authority" mapstructure:"max_authority"`

	// Weights per dimension. TermWeights must align 1:1 with the keyword
	// table ordering.
	CodesWeight       float64   `yaml:"codes_weight" mapstructure:"codes_weight"`
	HasCodesWeight    float64   `yaml:"has_codes_weight" mapstructure:"has_codes_weight"`
	TitleLengthWeight float64   `yaml:"title_length_weight" mapstructure:"title_length_weight"`
	AuthorityWeight   float64   `yaml:"authority_weight" mapstructure:"authority_weight"`
	ExclusionWeight   float64   `yaml:"exclusion_weight" mapstructure:"exclusion_weight"`
	TermWeights       []float64 `yaml:"term_weights" mapstructure:"term_weights"`
}

// ExclusionConfig holds the out-of-domain filter tunables.
type ExclusionConfig struct {
	Ceiling          float64 `yaml:"ceiling" mapstructure:"ceiling"`
	HardCeiling      float64 `yaml:"hard_ceiling" mapstructure:"hard_ceiling"`
	SoftFloor        float64 `yaml:"soft_floor" mapstructure:"soft_floor"`
	MinorFloor       float64 `yaml:"minor_floor" mapstructure:"minor_floor"`
	AdjustmentFactor float64 `yaml:"adjustment_factor" mapstructure:"adjustment_factor"`
}

// RoutingConfig configures the content gate.
type RoutingConfig struct {
	MinContentLength int `yaml:"min_content_length" mapstructure:"min_content_length"`
}

// TablesConfig points at the versioned keyword/authority and exclusion term
// tables. Empty paths mean the compiled-in defaults.
type TablesConfig struct {
	KeywordsPath  string `yaml:"keywords_path" mapstructure:"keywords_path"`
	ExclusionPath string `yaml:"exclusion_path" mapstructure:"exclusion_path"`
}

// NotifyConfig configures outbound bid alerts.
type NotifyConfig struct {
	WebhookURL  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures background health checks.
type MonitoringConfig struct {
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	DLQDepthThreshold int64  `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	BacklogThreshold  int64  `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	AlertWebhookURL   string `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.scoring_queue", "tender_scoring")
	v.SetDefault("queue.review_queue", "deep_review")
	v.SetDefault("queue.visibility_secs", 120)
	v.SetDefault("queue.max_receives", 5)
	v.SetDefault("queue.poll_interval_secs", 5)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("scoring.base_threshold", 0.050)
	v.SetDefault("scoring.sigmoid_steepness", 6.0)
	v.SetDefault("scoring.sigmoid_midpoint", 0.5)
	v.SetDefault("scoring.max_codes", 20.0)
	v.SetDefault("scoring.max_title_length", 200.0)
	v.SetDefault("scoring.max_authority", 100.0)
	v.SetDefault("scoring.codes_weight", 0.35)
	v.SetDefault("scoring.has_codes_weight", 0.15)
	v.SetDefault("scoring.title_length_weight", 0.05)
	v.SetDefault("scoring.authority_weight", 0.08)
	v.SetDefault("scoring.exclusion_weight", -0.40)
	v.SetDefault("scoring.term_weights", []float64{0.12, 0.08, 0.05, 0.04, 0.03, 0.02, 0.01, 0.01, 0.005, 0.005})
	v.SetDefault("exclusion.ceiling", 15.0)
	v.SetDefault("exclusion.hard_ceiling", 4.0)
	v.SetDefault("exclusion.soft_floor", 2.0)
	v.SetDefault("exclusion.minor_floor", 0.5)
	v.SetDefault("exclusion.adjustment_factor", 0.5)
	v.SetDefault("routing.min_content_length", 50)
	v.SetDefault("notify.rate_per_sec", 1.0)
	v.SetDefault("notify.burst", 5)
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.backlog_threshold", 500)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given command mode depends on. Shared checks
// always run; the mode adds command-specific requirements.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Scoring.BaseThreshold < 0 || c.Scoring.BaseThreshold > 1 {
		errs = append(errs, "scoring.base_threshold must be between 0 and 1")
	}
	if c.Scoring.SigmoidMidpoint < 0 || c.Scoring.SigmoidMidpoint > 1 {
		errs = append(errs, "scoring.sigmoid_midpoint must be between 0 and 1")
	}
	if c.Scoring.SigmoidSteepness <= 0 {
		errs = append(errs, "scoring.sigmoid_steepness must be > 0")
	}
	if c.Routing.MinContentLength < 0 {
		errs = append(errs, "routing.min_content_length must be >= 0")
	}

	switch mode {
	case "worker":
		errs = append(errs, c.validateQueues()...)
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			errs = append(errs, "worker.concurrency must be between 1 and 64")
		}
	case "serve":
		errs = append(errs, c.validateQueues()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0")
		}
	case "ingest", "dlq":
		errs = append(errs, c.validateQueues()...)
	case "score", "status", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateQueues() []string {
	var errs []string
	if c.Queue.ScoringQueue == "" {
		errs = append(errs, "queue.scoring_queue is required")
	}
	if c.Queue.ReviewQueue == "" {
		errs = append(errs, "queue.review_queue is required")
	}
	if c.Queue.VisibilitySecs < 1 {
		errs = append(errs, "queue.visibility_secs must be >= 1")
	}
	if c.Queue.MaxReceives < 1 {
		errs = append(errs, "queue.max_receives must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
