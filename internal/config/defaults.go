package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/llm"
)

const (
	DefaultServerPort      = 8080
	DefaultServerMode      = "release"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMaxBodySize     = 1 << 20
	DefaultExtractRPS      = 2.0
	DefaultExtractBurst    = 5

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultLLMProvider = llm.ProviderOpenAI

	DefaultPGHost     = "localhost"
	DefaultPGPort     = 5432
	DefaultPGUser     = "tcmintake"
	DefaultPGName     = "tcmintake"
	DefaultPGMaxConns = 10

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "tcmintake:"

	DefaultKafkaBroker = "localhost:9092"
	DefaultKafkaTopic  = "notes.extracted"

	DefaultMinIOEndpoint      = "localhost:9000"
	DefaultMinIOBucket        = "tcm-intake-responses"
	DefaultMinIOPrefix        = "responses/"
	DefaultMinIORetentionDays = 90

	DefaultMetricsNamespace = "tcmintake"
	DefaultMetricsPath      = "/metrics"

	DefaultExtractionTimeout = 90 * time.Second
	DefaultLockTTL           = 2 * time.Minute
	DefaultCacheTTL          = 10 * time.Minute
)

// ApplyDefaults fills zero-value fields in cfg.  Values already set win.
// It must run after unmarshalling and before Validate.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultServerMode
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Server.ExtractRPS > 0 && cfg.Server.ExtractBurst == 0 {
		cfg.Server.ExtractBurst = DefaultExtractBurst
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = DefaultLLMProvider
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = llm.DefaultMaxTokens
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = llm.DefaultTimeout
	}
	// Temperature 0 is a legitimate explicit value, so its default is only
	// registered with viper (see registerDefaults) and never forced here.

	// ── Postgres ──────────────────────────────────────────────────────────────
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = DefaultPGHost
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = DefaultPGPort
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = DefaultPGUser
	}
	if cfg.Postgres.DBName == "" {
		cfg.Postgres.DBName = DefaultPGName
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = DefaultPGMaxConns
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// ── Kafka ─────────────────────────────────────────────────────────────────
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = DefaultKafkaTopic
	}
	if cfg.Kafka.BatchTimeout == 0 {
		cfg.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.Kafka.WriteTimeout == 0 {
		cfg.Kafka.WriteTimeout = 10 * time.Second
	}

	// ── MinIO ─────────────────────────────────────────────────────────────────
	if cfg.MinIO.Endpoint == "" {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = DefaultMinIOBucket
	}
	if cfg.MinIO.Prefix == "" {
		cfg.MinIO.Prefix = DefaultMinIOPrefix
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	// ── Extraction ────────────────────────────────────────────────────────────
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = DefaultExtractionTimeout
	}
	if cfg.Extraction.LockTTL == 0 {
		cfg.Extraction.LockTTL = DefaultLockTTL
	}
	if cfg.Extraction.CacheTTL == 0 {
		cfg.Extraction.CacheTTL = DefaultCacheTTL
	}
}

// registerDefaults makes every key known to viper so that AutomaticEnv can
// bind TCMINTAKE_* variables even when no config file mentions the key.
func registerDefaults(v *viper.Viper) {
	for key, val := range map[string]interface{}{
		"server.port":             DefaultServerPort,
		"server.mode":             DefaultServerMode,
		"server.read_timeout":     DefaultReadTimeout,
		"server.write_timeout":    DefaultWriteTimeout,
		"server.max_body_size":    DefaultMaxBodySize,
		"server.shutdown_timeout": DefaultShutdownTimeout,
		"server.cors_origins":     []string{},
		"server.extract_rps":      DefaultExtractRPS,
		"server.extract_burst":    DefaultExtractBurst,

		"log.level":              DefaultLogLevel,
		"log.format":             DefaultLogFormat,
		"log.output_paths":       []string{"stdout"},
		"log.error_output_paths": []string{"stderr"},

		"llm.provider":    DefaultLLMProvider,
		"llm.base_url":    "",
		"llm.api_key":     "",
		"llm.model":       "",
		"llm.temperature": llm.DefaultTemperature,
		"llm.max_tokens":  llm.DefaultMaxTokens,
		"llm.timeout":     llm.DefaultTimeout,
		"llm.log_bodies":  false,

		"postgres.enabled":            false,
		"postgres.host":               DefaultPGHost,
		"postgres.port":               DefaultPGPort,
		"postgres.user":               DefaultPGUser,
		"postgres.password":           "",
		"postgres.db_name":            DefaultPGName,
		"postgres.ssl_mode":           "disable",
		"postgres.max_conns":          DefaultPGMaxConns,
		"postgres.min_conns":          0,
		"postgres.conn_max_lifetime":  time.Hour,
		"postgres.conn_max_idle_time": 30 * time.Minute,
		"postgres.auto_migrate":       true,

		"redis.enabled":        false,
		"redis.addr":           DefaultRedisAddr,
		"redis.password":       "",
		"redis.db":             0,
		"redis.pool_size":      10,
		"redis.min_idle_conns": 0,
		"redis.dial_timeout":   5 * time.Second,
		"redis.read_timeout":   3 * time.Second,
		"redis.write_timeout":  3 * time.Second,
		"redis.key_prefix":     DefaultRedisKeyPrefix,

		"kafka.enabled":       false,
		"kafka.brokers":       []string{DefaultKafkaBroker},
		"kafka.topic":         DefaultKafkaTopic,
		"kafka.batch_timeout": 10 * time.Millisecond,
		"kafka.write_timeout": 10 * time.Second,
		"kafka.required_acks": 1,

		"minio.enabled":        false,
		"minio.endpoint":       DefaultMinIOEndpoint,
		"minio.access_key":     "",
		"minio.secret_key":     "",
		"minio.bucket":         DefaultMinIOBucket,
		"minio.use_ssl":        false,
		"minio.prefix":         DefaultMinIOPrefix,
		"minio.retention_days": DefaultMinIORetentionDays,

		"metrics.enabled":                true,
		"metrics.namespace":              DefaultMetricsNamespace,
		"metrics.path":                   DefaultMetricsPath,
		"metrics.enable_go_metrics":      true,
		"metrics.enable_process_metrics": true,

		"extraction.timeout":   DefaultExtractionTimeout,
		"extraction.lock_ttl":  DefaultLockTTL,
		"extraction.cache_ttl": DefaultCacheTTL,
	} {
		v.SetDefault(key, val)
	}
}
