package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Upload UploadConfig `yaml:"upload" mapstructure:"upload"`
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// UploadConfig bounds accepted CSV uploads.
type UploadConfig struct {
	Root          string `yaml:"root" mapstructure:"root"`
	MaxBytes      int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxRows       int    `yaml:"max_rows" mapstructure:"max_rows"`
	MaxColumns    int    `yaml:"max_columns" mapstructure:"max_columns"`
	MaxFieldChars int    `yaml:"max_field_chars" mapstructure:"max_field_chars"`
}

// WorkerConfig configures the processing worker pool.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	RecordBatchSize   int           `yaml:"record_batch_size" mapstructure:"record_batch_size"`
	ProgressBatchSize int           `yaml:"progress_batch_size" mapstructure:"progress_batch_size"`
}

// StreamConfig bounds server-push streams.
type StreamConfig struct {
	MaxConcurrentPerIdentity int           `yaml:"max_concurrent_per_identity" mapstructure:"max_concurrent_per_identity"`
	MaxDuration              time.Duration `yaml:"max_duration" mapstructure:"max_duration"`
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	FleetFlushInterval       time.Duration `yaml:"fleet_flush_interval" mapstructure:"fleet_flush_interval"`
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
	v.SetEnvPrefix("IMPORTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "importd.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("upload.root", "storage/uploads")
	v.SetDefault("upload.max_bytes", 10*1024*1024)
	v.SetDefault("upload.max_rows", 500000)
	v.SetDefault("upload.max_columns", 200)
	v.SetDefault("upload.max_field_chars", 10000)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", "2s")
	v.SetDefault("worker.backoff_max", "60s")
	v.SetDefault("worker.record_batch_size", 500)
	v.SetDefault("worker.progress_batch_size", 200)
	v.SetDefault("stream.max_concurrent_per_identity", 3)
	v.SetDefault("stream.max_duration", "10m")
	v.SetDefault("stream.heartbeat_interval", "15s")
	v.SetDefault("stream.fleet_flush_interval", "2s")
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
