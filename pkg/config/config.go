// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Indexer, Search, Backup, etc.).
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Search   SearchConfig   `yaml:"search"`
	Backup   BackupConfig   `yaml:"backup"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowOrigins enables CORS for the listed origins; "*" allows any.
	AllowOrigins []string `yaml:"allowOrigins"`
	// WriteRate limits write requests per client per second. Zero
	// disables the limit.
	WriteRate  float64 `yaml:"writeRate"`
	WriteBurst int     `yaml:"writeBurst"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty Host
// disables version checkpointing.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. No brokers means the
// indexer takes writes over HTTP only.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexRecords  string `yaml:"indexRecords"`
	IndexComplete string `yaml:"indexComplete"`
}

// RedisConfig holds Redis connection and caching parameters. An empty Addr
// disables the query cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexerConfig controls shard layout, the batch flush loop, reader
// generations and segment merging.
type IndexerConfig struct {
	DataDir           string        `yaml:"dataDir"`
	NumShards         int           `yaml:"numShards"`
	BatchSize         int           `yaml:"batchSize"`
	BatchDelay        time.Duration `yaml:"batchDelay"`
	MaxBufferBytes    int64         `yaml:"maxBufferBytes"`
	ReaderGenerations int           `yaml:"readerGenerations"`
	OpenRetries       int           `yaml:"openRetries"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	StoredCacheSize   int           `yaml:"storedCacheSize"`
	Merge             MergeConfig   `yaml:"merge"`
}

// MergeConfig is the segment merge policy.
type MergeConfig struct {
	MergeFactor      int  `yaml:"mergeFactor"`
	NumLargeSegments int  `yaml:"numLargeSegments"`
	MaxSmallSegments int  `yaml:"maxSmallSegments"`
	PartialExpunge   bool `yaml:"partialExpunge"`
	MaxMergeDocs     int  `yaml:"maxMergeDocs"`
	UseCompoundFile  bool `yaml:"useCompoundFile"`
}

// SearchConfig controls query execution limits and timeouts.
type SearchConfig struct {
	MaxResults      int           `yaml:"maxResults"`
	DefaultLimit    int           `yaml:"defaultLimit"`
	TimeoutPerShard time.Duration `yaml:"timeoutPerShard"`
}

// BackupConfig points snapshot backups at an S3-compatible object store.
type BackupConfig struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"accessKey"`
	SecretKey      string `yaml:"secretKey"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	UseSSL         bool   `yaml:"useSSL"`
	BytesPerSecond int    `yaml:"bytesPerSecond"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Indexer.DataDir == "" {
		errs = append(errs, errors.New("indexer.dataDir is required"))
	}
	if c.Indexer.NumShards < 1 {
		errs = append(errs, fmt.Errorf("indexer.numShards must be positive, got %d", c.Indexer.NumShards))
	}
	if c.Indexer.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("indexer.batchSize must be positive, got %d", c.Indexer.BatchSize))
	}
	if c.Indexer.BatchDelay <= 0 {
		errs = append(errs, fmt.Errorf("indexer.batchDelay must be positive, got %s", c.Indexer.BatchDelay))
	}
	if c.Indexer.ReaderGenerations < 1 {
		errs = append(errs, fmt.Errorf("indexer.readerGenerations must be positive, got %d", c.Indexer.ReaderGenerations))
	}
	if m := c.Indexer.Merge; m.MergeFactor < 2 {
		errs = append(errs, fmt.Errorf("indexer.merge.mergeFactor must be at least 2, got %d", m.MergeFactor))
	}
	if c.Server.WriteRate < 0 || (c.Server.WriteRate > 0 && c.Server.WriteBurst < 1) {
		errs = append(errs, fmt.Errorf("server.writeRate %.2f needs a positive server.writeBurst", c.Server.WriteRate))
	}
	if c.Search.DefaultLimit > c.Search.MaxResults {
		errs = append(errs, fmt.Errorf("search.defaultLimit %d exceeds search.maxResults %d", c.Search.DefaultLimit, c.Search.MaxResults))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			WriteBurst:      50,
		},
		Postgres: PostgresConfig{
			Port:            5432,
			Database:        "realtimeindex",
			User:            "realtimeindex",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "realtime-indexer",
			Topics: KafkaTopics{
				IndexRecords:  "index-records",
				IndexComplete: "index.complete",
			},
		},
		Redis: RedisConfig{
			PoolSize: 10,
			CacheTTL: 30 * time.Second,
		},
		Indexer: IndexerConfig{
			DataDir:           "data/index",
			NumShards:         1,
			BatchSize:         10000,
			BatchDelay:        5 * time.Second,
			MaxBufferBytes:    64 << 20,
			ReaderGenerations: 3,
			OpenRetries:       5,
			RetryDelay:        100 * time.Millisecond,
			StoredCacheSize:   1024,
			Merge: MergeConfig{
				MergeFactor:      10,
				NumLargeSegments: 6,
				MaxSmallSegments: 20,
				MaxMergeDocs:     math.MaxInt32,
				UseCompoundFile:  true,
			},
		},
		Search: SearchConfig{
			MaxResults:      1000,
			DefaultLimit:    10,
			TimeoutPerShard: 2 * time.Second,
		},
		Backup: BackupConfig{
			Bucket: "index-snapshots",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setInt("SP_SERVER_PORT", &cfg.Server.Port)
	if v := os.Getenv("SP_SERVER_ALLOW_ORIGINS"); v != "" {
		cfg.Server.AllowOrigins = strings.Split(v, ",")
	}
	setString("SP_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("SP_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("SP_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("SP_POSTGRES_USER", &cfg.Postgres.User)
	setString("SP_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("SP_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("SP_REDIS_ADDR", &cfg.Redis.Addr)
	setString("SP_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("SP_INDEXER_DATA_DIR", &cfg.Indexer.DataDir)
	setInt("SP_INDEXER_NUM_SHARDS", &cfg.Indexer.NumShards)
	setInt("SP_INDEXER_BATCH_SIZE", &cfg.Indexer.BatchSize)
	setDuration("SP_INDEXER_BATCH_DELAY", &cfg.Indexer.BatchDelay)
	setString("SP_BACKUP_ENDPOINT", &cfg.Backup.Endpoint)
	setString("SP_BACKUP_ACCESS_KEY", &cfg.Backup.AccessKey)
	setString("SP_BACKUP_SECRET_KEY", &cfg.Backup.SecretKey)
	setString("SP_BACKUP_BUCKET", &cfg.Backup.Bucket)
	setString("SP_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("SP_LOGGING_FORMAT", &cfg.Logging.Format)
	setInt("SP_METRICS_PORT", &cfg.Metrics.Port)
}
