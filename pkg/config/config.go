// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Postgres, Kafka, Redis, Matcher, Snapshot, etc.).
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
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Categorize CategorizeConfig `yaml:"categorize"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
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
	RecordIngest     string `yaml:"recordIngest"`
	ResolutionEvents string `yaml:"resolutionEvents"`
	MatchResults     string `yaml:"matchResults"`
}

// RedisConfig holds Redis connection and match-cache parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// MatcherConfig holds the default matching parameters applied to datasets
// that do not override them at build time.
type MatcherConfig struct {
	SimilarityThreshold float64  `yaml:"similarityThreshold"`
	MinTokenLength      int      `yaml:"minTokenLength"`
	StopWords           []string `yaml:"stopWords"`
	Workers             int      `yaml:"workers"`
	MatchCandidateLimit int      `yaml:"matchCandidateLimit"`
}

// Validate rejects matcher parameters before any processing.
func (m MatcherConfig) Validate() error {
	if m.SimilarityThreshold <= 0 || m.SimilarityThreshold > 1 {
		return fmt.Errorf("matcher.similarityThreshold %v outside (0, 1]", m.SimilarityThreshold)
	}
	if m.MinTokenLength < 1 {
		return fmt.Errorf("matcher.minTokenLength %d must be at least 1", m.MinTokenLength)
	}
	return nil
}

// CategorizeConfig tunes the record categorization collaborator.
type CategorizeConfig struct {
	AmountThresholdPct float64 `yaml:"amountThresholdPct"`
	DateThresholdDays  int     `yaml:"dateThresholdDays"`
}

// SnapshotConfig controls on-disk persistence of resolution state.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
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

// Load reads a YAML config file (if provided) and applies environment
// variable overrides. Missing values fall back to defaults; matcher
// parameters are validated before the config is returned.
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
	if err := cfg.Matcher.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "affinity",
			User:            "affinity",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "affinity-group",
			Topics: KafkaTopics{
				RecordIngest:     "affinity.records",
				ResolutionEvents: "affinity.resolution-events",
				MatchResults:     "affinity.match-results",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Matcher: MatcherConfig{
			SimilarityThreshold: 0.5,
			MinTokenLength:      2,
			Workers:             0,
			MatchCandidateLimit: 5,
		},
		Categorize: CategorizeConfig{
			AmountThresholdPct: 5.0,
			DateThresholdDays:  3,
		},
		Snapshot: SnapshotConfig{
			Enabled: true,
			Dir:     "data/snapshots",
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

// applyEnvOverrides reads AF_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AF_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("AF_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("AF_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("AF_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("AF_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("AF_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("AF_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AF_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AF_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AF_MATCHER_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matcher.SimilarityThreshold = t
		}
	}
	if v := os.Getenv("AF_MATCHER_MIN_TOKEN_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.MinTokenLength = n
		}
	}
	if v := os.Getenv("AF_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("AF_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AF_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
