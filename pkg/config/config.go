// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Pipeline, Experiments, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Impressions ImpressionsConfig `yaml:"impressions"`
	Actions     ActionsConfig     `yaml:"actions"`
	Content     ContentConfig     `yaml:"content"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	UserActions       string `yaml:"userActions"`
	ExperimentChanges string `yaml:"experimentChanges"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTtl"`
}

// PipelineConfig controls pipeline execution limits.
type PipelineConfig struct {
	DefaultResultSize   int           `yaml:"defaultResultSize"`
	ComponentTimeout    time.Duration `yaml:"componentTimeout"`
	SideEffectQueueSize int           `yaml:"sideEffectQueueSize"`
	SideEffectWorkers   int           `yaml:"sideEffectWorkers"`
}

// ExperimentsConfig controls assignment caching and bucketing.
type ExperimentsConfig struct {
	AssignmentCacheTTL time.Duration `yaml:"assignmentCacheTtl"`
	HashSeed           string        `yaml:"hashSeed"`
}

// ImpressionsConfig controls impression de-duplication.
type ImpressionsConfig struct {
	DedupWindow   time.Duration `yaml:"dedupWindow"`
	DedupCapacity int           `yaml:"dedupCapacity"`
}

// ActionsConfig controls the action-event collector.
type ActionsConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	LabelWindow   time.Duration `yaml:"labelWindow"`
}

// ContentConfig points at the content service. An empty RPCAddr keeps
// the recommender on its in-memory provider.
type ContentConfig struct {
	RPCAddr string `yaml:"rpcAddr"`
}

// RateLimitConfig caps feed requests per user. PerUser is the number of
// requests allowed per Window; zero disables limiting.
type RateLimitConfig struct {
	PerUser int           `yaml:"perUser"`
	Window  time.Duration `yaml:"window"`
}

// AdminConfig controls access to experiment management endpoints.
type AdminConfig struct {
	RequireAPIKey bool `yaml:"requireApiKey"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span-based tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server and the optional
// statsd sink. An empty StatsdAddr disables statsd emission entirely.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	StatsdAddr string `yaml:"statsdAddr"`
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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
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
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "recommender",
			User:            "recommender",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "recommender-group",
			Topics: KafkaTopics{
				UserActions:       "user-actions",
				ExperimentChanges: "experiment-changes",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Pipeline: PipelineConfig{
			DefaultResultSize:   20,
			ComponentTimeout:    800 * time.Millisecond,
			SideEffectQueueSize: 1024,
			SideEffectWorkers:   4,
		},
		Experiments: ExperimentsConfig{
			AssignmentCacheTTL: 300 * time.Second,
			HashSeed:           "exp-bucketing-v1",
		},
		Impressions: ImpressionsConfig{
			DedupWindow:   30 * time.Minute,
			DedupCapacity: 10000,
		},
		Actions: ActionsConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			LabelWindow:   5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			PerUser: 120,
			Window:  time.Minute,
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

// applyEnvOverrides reads REC_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REC_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("REC_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("REC_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("REC_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("REC_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("REC_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("REC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REC_EXPERIMENTS_HASH_SEED"); v != "" {
		cfg.Experiments.HashSeed = v
	}
	if v := os.Getenv("REC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("REC_CONTENT_RPC_ADDR"); v != "" {
		cfg.Content.RPCAddr = v
	}
	if v := os.Getenv("REC_METRICS_STATSD_ADDR"); v != "" {
		cfg.Metrics.StatsdAddr = v
	}
}
