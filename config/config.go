// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Cache      CacheConfig      `json:"cache"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Quota      QuotaConfig      `json:"quota"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Tracking   TrackingConfig   `json:"tracking"`
	SMTP       SMTPConfig       `json:"smtp"`
	SendGrid   SendGridConfig   `json:"sendgrid"`
	Deployment DeploymentConfig `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
}

type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	BodyLimit         int           `json:"body_limit"`
	EnableMetrics     bool          `json:"enable_metrics"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	ProxyHeader       string        `json:"proxy_header"`
	EnableCompression bool          `json:"enable_compression"`
}

type SecurityConfig struct {
	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// Rate Limiting
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per window
	RateLimitWindow time.Duration `json:"rate_limit_window"`

	// Content Security
	XFrameOptions  string `json:"x_frame_options"`
	ReferrerPolicy string `json:"referrer_policy"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // json, text
	Output     string `json:"output"` // stdout, file, both
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`

	EnableAccessLog bool   `json:"enable_access_log"`
	AccessLogFormat string `json:"access_log_format"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled"`
	PrometheusPath string `json:"prometheus_path"`
}

type CacheConfig struct {
	Enabled     bool   `json:"enabled"`
	Provider    string `json:"provider"` // redis, memory
	RedisURL    string `json:"redis_url"`
	RedisDB     int    `json:"redis_db"`
	RedisPrefix string `json:"redis_prefix"`
}

// DispatchConfig tunes the per-job dispatch workers and the orchestrator around them
type DispatchConfig struct {
	ProviderMode        string        `json:"provider_mode"` // live, mock
	SelectTimeout       time.Duration `json:"select_timeout"`
	SendTimeout         time.Duration `json:"send_timeout"`
	DefaultBatchSize    int           `json:"default_batch_size"`
	DefaultBatchDelay   time.Duration `json:"default_batch_delay"`
	MaxReselectAttempts int           `json:"max_reselect_attempts"`
	PausePollInterval   time.Duration `json:"pause_poll_interval"`
	QueueInsertBatch    int           `json:"queue_insert_batch"`
	CampaignLockTTL     time.Duration `json:"campaign_lock_ttl"`

	// JobLeaseTTL is how long a running job survives without a heartbeat from its instance
	JobLeaseTTL         time.Duration `json:"job_lease_ttl"`
	JobReaperInterval   time.Duration `json:"job_reaper_interval"`
	ResumeRecoveredJobs bool          `json:"resume_recovered_jobs"`

	ProgressMaxJobs        int `json:"progress_max_jobs"`
	ProgressMaxSubscribers int `json:"progress_max_subscribers"`
	ProgressBuffer         int `json:"progress_buffer"`
}

// SupervisorConfig tunes the continuous worker pool
type SupervisorConfig struct {
	AutoStart           bool          `json:"auto_start"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	HeartbeatStaleAfter time.Duration `json:"heartbeat_stale_after"`
	MonitorInterval     time.Duration `json:"monitor_interval"`
	ClaimBatchSize      int           `json:"claim_batch_size"`
	IdlePollInterval    time.Duration `json:"idle_poll_interval"`
	MetricsWindow       time.Duration `json:"metrics_window"`

	MaxRestarts       int           `json:"max_restarts"`
	MinBackoff        time.Duration `json:"min_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	BackoffJitter     float64       `json:"backoff_jitter"`
	HealthyResetAfter time.Duration `json:"healthy_reset_after"`
}

// QuotaConfig schedules quota resets and the warm-up ramp
type QuotaConfig struct {
	ResetCron           string        `json:"reset_cron"`
	WarmupCron          string        `json:"warmup_cron"`
	WarmupStages        []int         `json:"warmup_stages"`
	WarmupStageInterval time.Duration `json:"warmup_stage_interval"`
	JobTimeout          time.Duration `json:"job_timeout"`
}

// SchedulerConfig controls the scheduled campaign starter
type SchedulerConfig struct {
	Enabled   bool          `json:"enabled"`
	Interval  time.Duration `json:"interval"`
	BatchSize int           `json:"batch_size"`
}

type TrackingConfig struct {
	BaseURL string `json:"base_url"`
}

type SMTPConfig struct {
	DefaultHost        string        `json:"default_host"`
	DefaultPort        int           `json:"default_port"`
	UseSTARTTLS        bool          `json:"use_starttls"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify"`
	DialTimeout        time.Duration `json:"dial_timeout"`
}

type SendGridConfig struct {
	APIKey string `json:"-"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	InstanceID  string `json:"instance_id"`
}

// LoadProductionConfig loads configuration from environment variables.
// A .env file in the working directory, when present, fills variables that are not already set.
func LoadProductionConfig() (*ProductionConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	hostname, _ := os.Hostname()

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "postgres"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
		},
		Server: ServerConfig{
			Host:              getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:              getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:         getEnvInt("SERVER_BODY_LIMIT", 4*1024*1024), // 4MB
			EnableMetrics:     getEnvBool("SERVER_ENABLE_METRICS", true),
			TrustedProxies:    getEnvStringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:       getEnvString("SERVER_PROXY_HEADER", "X-Real-IP"),
			EnableCompression: getEnvBool("SERVER_ENABLE_COMPRESSION", true),
		},
		Security: SecurityConfig{
			AllowedOrigins:   getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:   getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "X-Requested-With"}),
			AllowCredentials: getEnvBool("CORS_ALLOW_CREDENTIALS", false),
			CORSMaxAge:       getEnvInt("CORS_MAX_AGE", 86400),
			GlobalRateLimit:  getEnvInt("GLOBAL_RATE_LIMIT", 2000),
			RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			XFrameOptions:    getEnvString("X_FRAME_OPTIONS", "DENY"),
			ReferrerPolicy:   getEnvString("REFERRER_POLICY", "strict-origin-when-cross-origin"),
		},
		Logging: LoggingConfig{
			Level:           getEnvString("LOG_LEVEL", "info"),
			Format:          getEnvString("LOG_FORMAT", "json"),
			Output:          getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:        getEnvString("LOG_FILE_PATH", "/var/log/orochi-dispatch/app.log"),
			MaxSize:         getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:      getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:          getEnvInt("LOG_MAX_AGE", 30),
			Compress:        getEnvBool("LOG_COMPRESS", true),
			EnableAccessLog: getEnvBool("LOG_ENABLE_ACCESS_LOG", true),
			AccessLogFormat: getEnvString("LOG_ACCESS_FORMAT", "${time} ${status} ${method} ${path} ${latency}\n"),
		},
		Metrics: MetricsConfig{
			Enabled:        getEnvBool("METRICS_ENABLED", true),
			PrometheusPath: getEnvString("METRICS_PROMETHEUS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:     getEnvBool("CACHE_ENABLED", false),
			Provider:    getEnvString("CACHE_PROVIDER", "redis"),
			RedisURL:    getEnvString("CACHE_REDIS_URL", "redis://localhost:6379/0"),
			RedisDB:     getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix: getEnvString("CACHE_REDIS_PREFIX", "dispatch:"),
		},
		Dispatch: DispatchConfig{
			ProviderMode:           getEnvString("DISPATCH_PROVIDER_MODE", "live"),
			SelectTimeout:          getEnvDuration("DISPATCH_SELECT_TIMEOUT", 5*time.Second),
			SendTimeout:            getEnvDuration("DISPATCH_SEND_TIMEOUT", 30*time.Second),
			DefaultBatchSize:       getEnvInt("DISPATCH_DEFAULT_BATCH_SIZE", 50),
			DefaultBatchDelay:      getEnvDuration("DISPATCH_DEFAULT_BATCH_DELAY", 2*time.Second),
			MaxReselectAttempts:    getEnvInt("DISPATCH_MAX_RESELECT_ATTEMPTS", 3),
			PausePollInterval:      getEnvDuration("DISPATCH_PAUSE_POLL_INTERVAL", 5*time.Second),
			QueueInsertBatch:       getEnvInt("DISPATCH_QUEUE_INSERT_BATCH", 500),
			CampaignLockTTL:        getEnvDuration("DISPATCH_CAMPAIGN_LOCK_TTL", 60*time.Second),
			JobLeaseTTL:            getEnvDuration("DISPATCH_JOB_LEASE_TTL", 90*time.Second),
			JobReaperInterval:      getEnvDuration("DISPATCH_JOB_REAPER_INTERVAL", 30*time.Second),
			ResumeRecoveredJobs:    getEnvBool("DISPATCH_RESUME_RECOVERED_JOBS", false),
			ProgressMaxJobs:        getEnvInt("DISPATCH_PROGRESS_MAX_JOBS", 1000),
			ProgressMaxSubscribers: getEnvInt("DISPATCH_PROGRESS_MAX_SUBSCRIBERS", 32),
			ProgressBuffer:         getEnvInt("DISPATCH_PROGRESS_BUFFER", 8),
		},
		Supervisor: SupervisorConfig{
			AutoStart:           getEnvBool("SUPERVISOR_AUTO_START", false),
			HeartbeatInterval:   getEnvDuration("SUPERVISOR_HEARTBEAT_INTERVAL", 10*time.Second),
			HeartbeatStaleAfter: getEnvDuration("SUPERVISOR_HEARTBEAT_STALE_AFTER", 60*time.Second),
			MonitorInterval:     getEnvDuration("SUPERVISOR_MONITOR_INTERVAL", 5*time.Second),
			ClaimBatchSize:      getEnvInt("SUPERVISOR_CLAIM_BATCH_SIZE", 10),
			IdlePollInterval:    getEnvDuration("SUPERVISOR_IDLE_POLL_INTERVAL", 2*time.Second),
			MetricsWindow:       getEnvDuration("SUPERVISOR_METRICS_WINDOW", 5*time.Minute),
			MaxRestarts:         getEnvInt("SUPERVISOR_MAX_RESTARTS", 5),
			MinBackoff:          getEnvDuration("SUPERVISOR_MIN_BACKOFF", 250*time.Millisecond),
			MaxBackoff:          getEnvDuration("SUPERVISOR_MAX_BACKOFF", 30*time.Second),
			BackoffMultiplier:   getEnvFloat("SUPERVISOR_BACKOFF_MULTIPLIER", 2.0),
			BackoffJitter:       getEnvFloat("SUPERVISOR_BACKOFF_JITTER", 0.2),
			HealthyResetAfter:   getEnvDuration("SUPERVISOR_HEALTHY_RESET_AFTER", 30*time.Second),
		},
		Quota: QuotaConfig{
			ResetCron:           getEnvString("QUOTA_RESET_CRON", "*/15 * * * *"),
			WarmupCron:          getEnvString("QUOTA_WARMUP_CRON", "0 * * * *"),
			WarmupStages:        getEnvIntSlice("QUOTA_WARMUP_STAGES", []int{20, 50, 100, 200, 400}),
			WarmupStageInterval: getEnvDuration("QUOTA_WARMUP_STAGE_INTERVAL", 24*time.Hour),
			JobTimeout:          getEnvDuration("QUOTA_JOB_TIMEOUT", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:   getEnvBool("SCHEDULER_ENABLED", true),
			Interval:  getEnvDuration("SCHEDULER_INTERVAL", 1*time.Minute),
			BatchSize: getEnvInt("SCHEDULER_BATCH_SIZE", 20),
		},
		Tracking: TrackingConfig{
			BaseURL: strings.TrimRight(getEnvString("TRACKING_BASE_URL", "http://localhost:8080"), "/"),
		},
		SMTP: SMTPConfig{
			DefaultHost:        getEnvString("SMTP_DEFAULT_HOST", ""),
			DefaultPort:        getEnvInt("SMTP_DEFAULT_PORT", 587),
			UseSTARTTLS:        getEnvBool("SMTP_USE_STARTTLS", true),
			InsecureSkipVerify: getEnvBool("SMTP_INSECURE_SKIP_VERIFY", false),
			DialTimeout:        getEnvDuration("SMTP_DIAL_TIMEOUT", 10*time.Second),
		},
		SendGrid: SendGridConfig{
			APIKey: getEnvString("SENDGRID_API_KEY", ""),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("APP_VERSION", "dev"),
			InstanceID:  getEnvString("INSTANCE_ID", hostname),
		},
	}

	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvIntSlice parses a comma separated list; any malformed item falls back to the default
func getEnvIntSlice(key string, defaultValue []int) []int {
	items := getEnvStringSlice(key, nil)
	if len(items) == 0 {
		return defaultValue
	}
	result := make([]int, 0, len(items))
	for _, item := range items {
		parsed, err := strconv.Atoi(item)
		if err != nil {
			return defaultValue
		}
		result = append(result, parsed)
	}
	return result
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errors []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errors = append(errors, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errors = append(errors, "SERVER_WRITE_TIMEOUT must be positive")
	}

	// Validate logging configuration
	if cfg.Logging.Level != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		valid := false
		for _, level := range validLevels {
			if cfg.Logging.Level == level {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %v", validLevels))
		}
	}

	// Validate cache configuration if enabled
	if cfg.Cache.Enabled && cfg.Cache.Provider == "redis" && cfg.Cache.RedisURL == "" {
		errors = append(errors, "CACHE_REDIS_URL is required when cache is enabled with redis provider")
	}

	// Validate dispatch configuration
	if cfg.Dispatch.ProviderMode != "live" && cfg.Dispatch.ProviderMode != "mock" {
		errors = append(errors, "DISPATCH_PROVIDER_MODE must be live or mock")
	}
	if cfg.Dispatch.SelectTimeout <= 0 {
		errors = append(errors, "DISPATCH_SELECT_TIMEOUT must be positive")
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		errors = append(errors, "DISPATCH_SEND_TIMEOUT must be positive")
	}
	if cfg.Dispatch.DefaultBatchSize <= 0 {
		errors = append(errors, "DISPATCH_DEFAULT_BATCH_SIZE must be positive")
	}
	if cfg.Dispatch.JobLeaseTTL <= 0 || cfg.Dispatch.JobReaperInterval <= 0 {
		errors = append(errors, "DISPATCH_JOB_LEASE_TTL and DISPATCH_JOB_REAPER_INTERVAL must be positive")
	}
	if cfg.Dispatch.ProgressMaxJobs <= 0 || cfg.Dispatch.ProgressMaxSubscribers <= 0 || cfg.Dispatch.ProgressBuffer <= 0 {
		errors = append(errors, "DISPATCH_PROGRESS_* limits must be positive")
	}

	// Validate supervisor configuration
	if cfg.Supervisor.HeartbeatInterval <= 0 {
		errors = append(errors, "SUPERVISOR_HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.Supervisor.HeartbeatStaleAfter <= cfg.Supervisor.HeartbeatInterval {
		errors = append(errors, "SUPERVISOR_HEARTBEAT_STALE_AFTER must exceed SUPERVISOR_HEARTBEAT_INTERVAL")
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		errors = append(errors, "SUPERVISOR_MAX_RESTARTS must not be negative")
	}
	if cfg.Supervisor.MinBackoff <= 0 || cfg.Supervisor.MaxBackoff < cfg.Supervisor.MinBackoff {
		errors = append(errors, "SUPERVISOR_MIN_BACKOFF must be positive and not exceed SUPERVISOR_MAX_BACKOFF")
	}
	if cfg.Supervisor.BackoffMultiplier < 1 {
		errors = append(errors, "SUPERVISOR_BACKOFF_MULTIPLIER must be at least 1")
	}
	if cfg.Supervisor.BackoffJitter < 0 || cfg.Supervisor.BackoffJitter >= 1 {
		errors = append(errors, "SUPERVISOR_BACKOFF_JITTER must be in [0, 1)")
	}
	if cfg.Supervisor.MetricsWindow < time.Second {
		errors = append(errors, "SUPERVISOR_METRICS_WINDOW must be at least 1s")
	}

	// Validate warm-up stages
	if len(cfg.Quota.WarmupStages) == 0 {
		errors = append(errors, "QUOTA_WARMUP_STAGES must not be empty")
	}
	for i, stage := range cfg.Quota.WarmupStages {
		if stage <= 0 {
			errors = append(errors, "QUOTA_WARMUP_STAGES must be positive")
			break
		}
		if i > 0 && stage < cfg.Quota.WarmupStages[i-1] {
			errors = append(errors, "QUOTA_WARMUP_STAGES must not decrease")
			break
		}
	}
	if cfg.Quota.WarmupStageInterval <= 0 {
		errors = append(errors, "QUOTA_WARMUP_STAGE_INTERVAL must be positive")
	}

	if cfg.Tracking.BaseURL == "" {
		errors = append(errors, "TRACKING_BASE_URL is required")
	}

	// Return validation errors if any
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
