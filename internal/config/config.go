// Package config handles configuration for the docqa service
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	FileStore FileStoreConfig `mapstructure:"file_store"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Cache     CacheConfig     `mapstructure:"cache"`
	KeyPool   KeyPoolConfig   `mapstructure:"keypool"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	APIPort         int           `mapstructure:"api_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// FileStoreConfig selects and configures the uploaded-file backend
type FileStoreConfig struct {
	Backend   string `mapstructure:"backend"` // "local" or "s3"
	LocalPath string `mapstructure:"local_path"`
	S3Bucket  string `mapstructure:"s3_bucket"`
	S3Region  string `mapstructure:"s3_region"`
	S3Prefix  string `mapstructure:"s3_prefix"`
}

// EmbeddingConfig contains embedding generation settings
type EmbeddingConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Model          string        `mapstructure:"model"`
	BatchSize      int           `mapstructure:"batch_size"`
	UseBatchAPI    bool          `mapstructure:"use_batch_api"`
	Dimension      int           `mapstructure:"dimension"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SweeperConfig contains embedding backfill sweeper settings
type SweeperConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxChunksPerRun int           `mapstructure:"max_chunks_per_run"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
}

// IngestionConfig contains worker pool settings
type IngestionConfig struct {
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// RetrievalConfig contains hybrid retrieval settings
type RetrievalConfig struct {
	MaxChunks           int     `mapstructure:"max_chunks"`
	TargetChunks        int     `mapstructure:"target_chunks"`
	RRFK                int     `mapstructure:"rrf_k"`
	MaxChunksPerSection int     `mapstructure:"max_chunks_per_section"`
	MinScore            float64 `mapstructure:"min_score"`
}

// MaxChunksPerDocument derives the per-document diversity cap
func (r RetrievalConfig) MaxChunksPerDocument() int {
	limit := r.MaxChunks / 4
	if limit < 5 {
		limit = 5
	}
	return limit
}

// LLMConfig contains generation settings
type LLMConfig struct {
	Endpoint             string        `mapstructure:"endpoint"`
	Model                string        `mapstructure:"model"`
	SingleCallTokenLimit int           `mapstructure:"single_call_token_limit"`
	MapBatchTokenLimit   int           `mapstructure:"map_batch_token_limit"`
	MaxParallelMap       int           `mapstructure:"max_parallel_map"`
	MaxReduceIterations  int           `mapstructure:"max_reduce_iterations"`
	MaxOutputTokens      int           `mapstructure:"max_output_tokens"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MapBatchTimeout      time.Duration `mapstructure:"map_batch_timeout"`
	AcquireTimeout       time.Duration `mapstructure:"acquire_timeout"`
}

// CacheConfig contains query cache settings
type CacheConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	SemanticThreshold float64       `mapstructure:"semantic_threshold"`
}

// KeyPoolConfig contains credential pool settings
type KeyPoolConfig struct {
	Keys                        []KeyConfig   `mapstructure:"keys"`
	Cooldown                    time.Duration `mapstructure:"cooldown"`
	ConsecutiveFailureThreshold int           `mapstructure:"consecutive_failure_threshold"`
}

// KeyConfig is one provider credential with its limits
type KeyConfig struct {
	ID     string `mapstructure:"id"`
	Secret string `mapstructure:"secret"`
	RPM    int    `mapstructure:"rpm"`
	RPD    int    `mapstructure:"rpd"`
}

// TracingConfig contains OTLP trace export settings
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

// Load loads configuration from environment and config files
func Load() (*Config, error) {
	viper.SetConfigName("docqa")
	viper.SetConfigType("yaml")

	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/configs")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env vars still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the built-in defaults without reading any config file,
// used by tests and tools.
func Default() *Config {
	setDefaults()
	var config Config
	_ = viper.Unmarshal(&config)
	return &config
}

// setDefaults sets default values for configuration
func setDefaults() {
	viper.SetDefault("service.api_port", 8080)
	viper.SetDefault("service.metrics_port", 9094)
	viper.SetDefault("service.shutdown_timeout", "30s")
	viper.SetDefault("service.log_level", "info")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "docqa_development")
	viper.SetDefault("database.username", "docqa")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_conns", 20)
	viper.SetDefault("database.max_idle_conns", 5)

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.database", 0)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("file_store.backend", "local")
	viper.SetDefault("file_store.local_path", "/var/lib/docqa/files")
	viper.SetDefault("file_store.s3_region", "us-east-1")

	viper.SetDefault("embedding.endpoint", "https://generativelanguage.googleapis.com")
	viper.SetDefault("embedding.model", "text-embedding-004")
	viper.SetDefault("embedding.batch_size", 100)
	viper.SetDefault("embedding.use_batch_api", true)
	viper.SetDefault("embedding.dimension", 768)
	viper.SetDefault("embedding.request_timeout", "30s")

	viper.SetDefault("sweeper.interval", "5s")
	viper.SetDefault("sweeper.max_chunks_per_run", 500)
	viper.SetDefault("sweeper.acquire_timeout", "5m")

	viper.SetDefault("ingestion.worker_pool_size", 10)
	viper.SetDefault("ingestion.lease_duration", "300s")
	viper.SetDefault("ingestion.max_attempts", 3)
	viper.SetDefault("ingestion.poll_interval", "3s")

	viper.SetDefault("retrieval.max_chunks", 100)
	viper.SetDefault("retrieval.target_chunks", 30)
	viper.SetDefault("retrieval.rrf_k", 60)
	viper.SetDefault("retrieval.max_chunks_per_section", 3)
	viper.SetDefault("retrieval.min_score", 0.1)

	viper.SetDefault("llm.endpoint", "https://generativelanguage.googleapis.com")
	viper.SetDefault("llm.model", "gemini-1.5-pro")
	viper.SetDefault("llm.single_call_token_limit", 100000)
	viper.SetDefault("llm.map_batch_token_limit", 25000)
	viper.SetDefault("llm.max_parallel_map", 5)
	viper.SetDefault("llm.max_reduce_iterations", 3)
	viper.SetDefault("llm.max_output_tokens", 8192)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.map_batch_timeout", "60s")
	viper.SetDefault("llm.acquire_timeout", "30s")

	viper.SetDefault("cache.ttl", "24h")
	viper.SetDefault("cache.semantic_threshold", 0.95)

	viper.SetDefault("keypool.cooldown", "120s")
	viper.SetDefault("keypool.consecutive_failure_threshold", 3)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.environment", "development")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("service.api_port", "API_PORT")
	_ = viper.BindEnv("service.log_level", "LOG_LEVEL")

	_ = viper.BindEnv("database.host", "DATABASE_HOST")
	_ = viper.BindEnv("database.port", "DATABASE_PORT")
	_ = viper.BindEnv("database.database", "DATABASE_NAME")
	_ = viper.BindEnv("database.username", "DATABASE_USER")
	_ = viper.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	_ = viper.BindEnv("redis.address", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")

	_ = viper.BindEnv("file_store.backend", "FILE_STORE_BACKEND")
	_ = viper.BindEnv("file_store.local_path", "FILE_STORE_PATH")
	_ = viper.BindEnv("file_store.s3_bucket", "FILE_STORE_S3_BUCKET")
	_ = viper.BindEnv("file_store.s3_region", "AWS_REGION")

	_ = viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = viper.BindEnv("tracing.endpoint", "OTLP_ENDPOINT")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Embedding.BatchSize <= 0 || cfg.Embedding.BatchSize > 100 {
		return fmt.Errorf("embedding batch_size must be in (0,100], got %d", cfg.Embedding.BatchSize)
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Ingestion.WorkerPoolSize <= 0 {
		return fmt.Errorf("ingestion worker_pool_size must be positive, got %d", cfg.Ingestion.WorkerPoolSize)
	}
	if cfg.Ingestion.MaxAttempts <= 0 {
		return fmt.Errorf("ingestion max_attempts must be positive, got %d", cfg.Ingestion.MaxAttempts)
	}
	if cfg.Cache.SemanticThreshold < 0 || cfg.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("cache semantic_threshold must be in [0,1], got %f", cfg.Cache.SemanticThreshold)
	}
	if cfg.FileStore.Backend != "local" && cfg.FileStore.Backend != "s3" {
		return fmt.Errorf("unsupported file_store backend: %s", cfg.FileStore.Backend)
	}
	if cfg.FileStore.Backend == "s3" && cfg.FileStore.S3Bucket == "" {
		return fmt.Errorf("file_store.s3_bucket is required for the s3 backend")
	}
	return nil
}
