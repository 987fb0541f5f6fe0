package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Log          LogConfig
	HTTP         HTTPConfig
	Scoring      ScoringConfig
	Sourcing     SourcingConfig
	KV           KVConfig
	Event        EventConfig
	Notification NotificationConfig
	Vigilance    VigilanceConfig
	Telemetry    TelemetryConfig
	Swagger      SwaggerConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	SQLitePath      string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
	RequestTimeout   time.Duration
	// RateLimit is the sustained requests per second allowed per client;
	// zero disables rate limiting
	RateLimit      float64
	RateLimitBurst int
}

// ScoringConfig holds the scoring weights and decision thresholds
type ScoringConfig struct {
	WeightPrice           float64
	WeightQuality         float64
	WeightDistance        float64
	WeightHistorical      float64
	WeightReactivity      float64
	WeightVigilance       float64
	AutoAcceptScore       int
	MinAcceptableScore    int
	PriceTolerancePercent float64
	CounterOfferStrategy  string // three_tier_ladder, estimate_only
}

// Engine returns the scoring engine configuration
func (s ScoringConfig) Engine() scoring.Config {
	return scoring.Config{
		Weights: scoring.Weights{
			Price:      s.WeightPrice,
			Quality:    s.WeightQuality,
			Distance:   s.WeightDistance,
			Historical: s.WeightHistorical,
			Reactivity: s.WeightReactivity,
			Vigilance:  s.WeightVigilance,
		},
		Thresholds: scoring.Thresholds{
			AutoAcceptScore:       s.AutoAcceptScore,
			MinAcceptableScore:    s.MinAcceptableScore,
			PriceTolerancePercent: s.PriceTolerancePercent,
		},
	}
}

// SourcingConfig holds orchestrator settings
type SourcingConfig struct {
	ExchangeOfferTTL   time.Duration // retention of exchange offers without a deadline
	TrackingTTL        time.Duration
	DispatchTimeout    time.Duration
	RescoreConcurrency int
	DrainTimeout       time.Duration // wait for background dispatches at shutdown
}

// KVConfig selects the key-value store backend
type KVConfig struct {
	Backend       string // redis, memory
	KeyPrefix     string
	SweepInterval time.Duration // expiry sweep of the memory backend
}

// EventConfig holds event delivery configuration
type EventConfig struct {
	LogCapacity  int // events kept for RecentEvents
	QueueSize    int // async notifier queue
	Workers      int
	StopTimeout  time.Duration
	HandlerAsync bool
}

// NotificationConfig holds the broadcast dispatcher settings
type NotificationConfig struct {
	Driver         string // log, webhook
	WebhookURL     string
	WebhookSecret  string
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// VigilanceConfig holds the periodic compliance re-check settings
type VigilanceConfig struct {
	RecheckEnabled  bool
	RecheckInterval time.Duration
	RecheckBatch    int
	RecheckTimeout  time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsEnabled    bool
	MetricsInterval   time.Duration
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// SwaggerConfig holds the API documentation endpoint configuration
type SwaggerConfig struct {
	Enabled    bool     // Whether to serve /swagger/*any
	AllowedIPs []string // IP or CIDR whitelist, empty = allow all
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with AFFRETIA_ prefix (e.g., AFFRETIA_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("AFFRETIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			SQLitePath:      v.GetString("database.sqlite_path"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
			RequestTimeout:   v.GetDuration("http.request_timeout"),
			RateLimit:        v.GetFloat64("http.rate_limit"),
			RateLimitBurst:   v.GetInt("http.rate_limit_burst"),
		},
		Scoring: ScoringConfig{
			WeightPrice:           v.GetFloat64("scoring.weight_price"),
			WeightQuality:         v.GetFloat64("scoring.weight_quality"),
			WeightDistance:        v.GetFloat64("scoring.weight_distance"),
			WeightHistorical:      v.GetFloat64("scoring.weight_historical"),
			WeightReactivity:      v.GetFloat64("scoring.weight_reactivity"),
			WeightVigilance:       v.GetFloat64("scoring.weight_vigilance"),
			AutoAcceptScore:       v.GetInt("scoring.auto_accept_score"),
			MinAcceptableScore:    v.GetInt("scoring.min_acceptable_score"),
			PriceTolerancePercent: v.GetFloat64("scoring.price_tolerance_percent"),
			CounterOfferStrategy:  v.GetString("scoring.counter_offer_strategy"),
		},
		Sourcing: SourcingConfig{
			ExchangeOfferTTL:   v.GetDuration("sourcing.exchange_offer_ttl"),
			TrackingTTL:        v.GetDuration("sourcing.tracking_ttl"),
			DispatchTimeout:    v.GetDuration("sourcing.dispatch_timeout"),
			RescoreConcurrency: v.GetInt("sourcing.rescore_concurrency"),
			DrainTimeout:       v.GetDuration("sourcing.drain_timeout"),
		},
		KV: KVConfig{
			Backend:       v.GetString("kv.backend"),
			KeyPrefix:     v.GetString("kv.key_prefix"),
			SweepInterval: v.GetDuration("kv.sweep_interval"),
		},
		Event: EventConfig{
			LogCapacity:  v.GetInt("event.log_capacity"),
			QueueSize:    v.GetInt("event.queue_size"),
			Workers:      v.GetInt("event.workers"),
			StopTimeout:  v.GetDuration("event.stop_timeout"),
			HandlerAsync: v.GetBool("event.handler_async"),
		},
		Notification: NotificationConfig{
			Driver:         v.GetString("notification.driver"),
			WebhookURL:     v.GetString("notification.webhook_url"),
			WebhookSecret:  v.GetString("notification.webhook_secret"),
			Timeout:        v.GetDuration("notification.timeout"),
			RatePerSecond:  v.GetFloat64("notification.rate_per_second"),
			Burst:          v.GetInt("notification.burst"),
			MaxAttempts:    v.GetInt("notification.max_attempts"),
			RetryBaseDelay: v.GetDuration("notification.retry_base_delay"),
		},
		Vigilance: VigilanceConfig{
			RecheckEnabled:  v.GetBool("vigilance.recheck_enabled"),
			RecheckInterval: v.GetDuration("vigilance.recheck_interval"),
			RecheckBatch:    v.GetInt("vigilance.recheck_batch"),
			RecheckTimeout:  v.GetDuration("vigilance.recheck_timeout"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Swagger: SwaggerConfig{
			Enabled:    v.GetBool("swagger.enabled"),
			AllowedIPs: v.GetStringSlice("swagger.allowed_ips"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "affretia"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "affretia.db"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "affretia"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 2 << 20 // 2MB
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Organization-ID"}
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTP.RateLimit > 0 && cfg.HTTP.RateLimitBurst == 0 {
		cfg.HTTP.RateLimitBurst = int(math.Ceil(cfg.HTTP.RateLimit))
	}

	// Scoring defaults: all weights unset means the default weighting
	s := &cfg.Scoring
	if s.WeightPrice+s.WeightQuality+s.WeightDistance+s.WeightHistorical+s.WeightReactivity+s.WeightVigilance == 0 {
		w := scoring.DefaultWeights()
		s.WeightPrice = w.Price
		s.WeightQuality = w.Quality
		s.WeightDistance = w.Distance
		s.WeightHistorical = w.Historical
		s.WeightReactivity = w.Reactivity
		s.WeightVigilance = w.Vigilance
	}
	if s.AutoAcceptScore == 0 {
		s.AutoAcceptScore = scoring.DefaultAutoAcceptScore
	}
	if s.MinAcceptableScore == 0 {
		s.MinAcceptableScore = scoring.DefaultMinAcceptableScore
	}
	if s.PriceTolerancePercent == 0 {
		s.PriceTolerancePercent = scoring.DefaultPriceTolerancePercent
	}
	if s.CounterOfferStrategy == "" {
		s.CounterOfferStrategy = scoring.ThreeTierLadderName
	}

	if cfg.Sourcing.ExchangeOfferTTL == 0 {
		cfg.Sourcing.ExchangeOfferTTL = 48 * time.Hour
	}
	if cfg.Sourcing.TrackingTTL == 0 {
		cfg.Sourcing.TrackingTTL = 30 * 24 * time.Hour
	}
	if cfg.Sourcing.DispatchTimeout == 0 {
		cfg.Sourcing.DispatchTimeout = 30 * time.Second
	}
	if cfg.Sourcing.RescoreConcurrency == 0 {
		cfg.Sourcing.RescoreConcurrency = 4
	}
	if cfg.Sourcing.DrainTimeout == 0 {
		cfg.Sourcing.DrainTimeout = 10 * time.Second
	}
	if cfg.KV.Backend == "" {
		cfg.KV.Backend = "memory"
	}
	if cfg.KV.KeyPrefix == "" {
		cfg.KV.KeyPrefix = "affretia:"
	}
	if cfg.KV.SweepInterval == 0 {
		cfg.KV.SweepInterval = time.Minute
	}
	if cfg.Event.LogCapacity == 0 {
		cfg.Event.LogCapacity = 1000
	}
	if cfg.Event.QueueSize == 0 {
		cfg.Event.QueueSize = 256
	}
	if cfg.Event.Workers == 0 {
		cfg.Event.Workers = 2
	}
	if cfg.Event.StopTimeout == 0 {
		cfg.Event.StopTimeout = 5 * time.Second
	}
	if cfg.Notification.Driver == "" {
		cfg.Notification.Driver = "log"
	}
	if cfg.Notification.Timeout == 0 {
		cfg.Notification.Timeout = 10 * time.Second
	}
	if cfg.Notification.RatePerSecond == 0 {
		cfg.Notification.RatePerSecond = 20
	}
	if cfg.Notification.Burst == 0 {
		cfg.Notification.Burst = 5
	}
	if cfg.Notification.MaxAttempts == 0 {
		cfg.Notification.MaxAttempts = 3
	}
	if cfg.Notification.RetryBaseDelay == 0 {
		cfg.Notification.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Vigilance.RecheckInterval == 0 {
		cfg.Vigilance.RecheckInterval = time.Hour
	}
	if cfg.Vigilance.RecheckBatch == 0 {
		cfg.Vigilance.RecheckBatch = 100
	}
	if cfg.Vigilance.RecheckTimeout == 0 {
		cfg.Vigilance.RecheckTimeout = 5 * time.Minute
	}

	// Telemetry defaults
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "affretia"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if err := c.Scoring.Engine().Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if c.Sourcing.RescoreConcurrency < 1 {
		return fmt.Errorf("sourcing.rescore_concurrency must be positive")
	}

	switch c.KV.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("kv.backend must be redis or memory, got %q", c.KV.Backend)
	}

	switch c.Notification.Driver {
	case "log":
	case "webhook":
		if c.Notification.WebhookURL == "" {
			return fmt.Errorf("notification.webhook_url is required by the webhook driver")
		}
		if _, err := url.ParseRequestURI(c.Notification.WebhookURL); err != nil {
			return fmt.Errorf("notification.webhook_url is invalid: %w", err)
		}
	default:
		return fmt.Errorf("notification.driver must be log or webhook, got %q", c.Notification.Driver)
	}
	if c.Notification.RatePerSecond < 0 || c.Notification.Burst < 1 {
		return fmt.Errorf("notification rate and burst must be positive")
	}

	if c.Event.LogCapacity < 1 || c.Event.QueueSize < 1 || c.Event.Workers < 1 {
		return fmt.Errorf("event.log_capacity, event.queue_size and event.workers must be positive")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Driver != DriverPostgres {
			return fmt.Errorf("database.driver must be postgres in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
		if c.Swagger.Enabled && len(c.Swagger.AllowedIPs) == 0 {
			return fmt.Errorf("swagger endpoint must be disabled or restricted with swagger.allowed_ips in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
