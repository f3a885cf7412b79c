package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/menta2k/condition-report/pkg/condition"
	"github.com/menta2k/condition-report/pkg/processing"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CONDITION_"

// Config holds the application configuration
type Config struct {
	Session   SessionConfig   `json:"session" envPrefix:"SESSION_"`
	Normalize NormalizeConfig `json:"normalize" envPrefix:"NORMALIZE_"`
	Storage   StorageConfig   `json:"storage" envPrefix:"STORAGE_"`
	Database  DatabaseConfig  `json:"database" envPrefix:"DB_"`
	Cache     CacheConfig     `json:"cache" envPrefix:"CACHE_"`
	Transfer  TransferConfig  `json:"transfer" envPrefix:"TRANSFER_"`
	Rehydrate RehydrateConfig `json:"rehydrate" envPrefix:"REHYDRATE_"`
	Vision    VisionConfig    `json:"vision" envPrefix:"VISION_"`
	Log       LogConfig       `json:"log" envPrefix:"LOG_"`
}

// SessionConfig identifies who is acting
type SessionConfig struct {
	UserID         string `json:"user_id" env:"USER_ID"`
	OrganisationID string `json:"organisation_id" env:"ORGANISATION_ID"`
	ReportType     string `json:"report_type" env:"REPORT_TYPE"`
}

// NormalizeConfig bounds uploaded images
type NormalizeConfig struct {
	MaxSide    int    `json:"max_side" env:"MAX_SIDE"`
	Format     string `json:"format" env:"FORMAT"`
	Quality    int    `json:"quality" env:"QUALITY"`
	MinQuality int    `json:"min_quality" env:"MIN_QUALITY"`
	MaxBytes   int64  `json:"max_bytes" env:"MAX_BYTES"`
}

// StorageConfig selects and configures the object store
type StorageConfig struct {
	Backend      string   `json:"backend" env:"BACKEND"`
	Endpoint     string   `json:"endpoint" env:"ENDPOINT"`
	Region       string   `json:"region" env:"REGION"`
	Bucket       string   `json:"bucket" env:"BUCKET"`
	AccessKey    string   `json:"access_key" env:"ACCESS_KEY"`
	SecretKey    string   `json:"-" env:"SECRET_KEY"`
	UsePathStyle bool     `json:"use_path_style" env:"USE_PATH_STYLE"`
	UseSSL       bool     `json:"use_ssl" env:"USE_SSL"`
	PresignTTL   Duration `json:"presign_ttl" env:"PRESIGN_TTL"`
}

// DatabaseConfig configures the postgres connection
type DatabaseConfig struct {
	DSN          string   `json:"-" env:"DSN"`
	MaxIdleConns int      `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns int      `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnLifetime Duration `json:"conn_lifetime" env:"CONN_LIFETIME"`
	AutoMigrate  bool     `json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// CacheConfig configures the signed URL cache
type CacheConfig struct {
	Backend       string `json:"backend" env:"BACKEND"`
	Size          int    `json:"size" env:"SIZE"`
	RedisAddr     string `json:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `json:"-" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" env:"REDIS_DB"`
	KeyPrefix     string `json:"key_prefix" env:"KEY_PREFIX"`
}

// TransferConfig configures signed URL transfers
type TransferConfig struct {
	Timeout    Duration `json:"timeout" env:"TIMEOUT"`
	RetryCount int      `json:"retry_count" env:"RETRY_COUNT"`
}

// RehydrateConfig configures the background refresh loop
type RehydrateConfig struct {
	Interval Duration `json:"interval" env:"INTERVAL"`
}

// VisionConfig configures note suggestions
type VisionConfig struct {
	Enabled     bool   `json:"enabled" env:"ENABLED"`
	Backend     string `json:"backend" env:"BACKEND"`
	OllamaURL   string `json:"ollama_url" env:"OLLAMA_URL"`
	LlamaCppURL string `json:"llamacpp_url" env:"LLAMACPP_URL"`
	Model       string `json:"model" env:"MODEL"`
	MaxDim      int    `json:"max_dim" env:"MAX_DIM"`
	Prompt      string `json:"prompt" env:"PROMPT"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// Default returns a configuration with default values
func Default() *Config {
	norm := processing.DefaultNormalizeOptions()
	return &Config{
		Session: SessionConfig{
			ReportType: "condition",
		},
		Normalize: NormalizeConfig{
			MaxSide:    norm.MaxSide,
			Format:     norm.Format,
			Quality:    norm.Quality,
			MinQuality: norm.MinQuality,
			MaxBytes:   norm.MaxBytes,
		},
		Storage: StorageConfig{
			Backend:      "s3",
			Region:       "us-east-1",
			Bucket:       "condition-reports",
			UsePathStyle: true,
			UseSSL:       true,
			PresignTTL:   Duration(time.Hour),
		},
		Database: DatabaseConfig{
			MaxIdleConns: 5,
			MaxOpenConns: 15,
			ConnLifetime: Duration(30 * time.Minute),
			AutoMigrate:  true,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			Size:      1024,
			KeyPrefix: "condition-report:url:",
		},
		Transfer: TransferConfig{
			Timeout:    Duration(2 * time.Minute),
			RetryCount: 2,
		},
		Rehydrate: RehydrateConfig{
			Interval: Duration(30 * time.Second),
		},
		Vision: VisionConfig{
			Backend:     "ollama",
			OllamaURL:   "http://localhost:11434",
			LlamaCppURL: "http://localhost:8080",
			Model:       "llava",
			MaxDim:      768,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file, an
// optional .env file and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fromFile, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON file. Missing keys keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays CONDITION_* environment variables
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env config: %w", err)
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	c.Vision.Backend = strings.ToLower(strings.TrimSpace(c.Vision.Backend))
	return nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Normalize.Quality < 1 || c.Normalize.Quality > 100 {
		return fmt.Errorf("normalize.quality must be between 1 and 100")
	}

	if c.Normalize.MinQuality < 1 || c.Normalize.MinQuality > c.Normalize.Quality {
		return fmt.Errorf("normalize.min_quality must be between 1 and normalize.quality")
	}

	if c.Normalize.MaxSide < 16 {
		return fmt.Errorf("normalize.max_side must be at least 16")
	}

	if c.Normalize.MaxBytes < 1024 {
		return fmt.Errorf("normalize.max_bytes must be at least 1024")
	}

	switch strings.ToLower(c.Normalize.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("normalize.format must be jpg, png or webp")
	}

	switch c.Storage.Backend {
	case "s3", "minio", "disabled":
	default:
		return fmt.Errorf("storage.backend must be s3, minio or disabled")
	}

	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("cache.backend must be memory, redis or none")
	}

	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis cache")
	}

	if c.Storage.PresignTTL.Std() <= 0 {
		return fmt.Errorf("storage.presign_ttl must be positive")
	}

	if c.Vision.Enabled {
		if c.Vision.Model == "" {
			return fmt.Errorf("vision.model is required when vision is enabled")
		}
		switch c.Vision.Backend {
		case "ollama", "llamacpp":
		default:
			return fmt.Errorf("vision.backend must be ollama or llamacpp")
		}
	}

	return nil
}

// NormalizeOptions converts the normalize section for the processor
func (c *Config) NormalizeOptions() processing.NormalizeOptions {
	opts := processing.DefaultNormalizeOptions()
	opts.MaxSide = c.Normalize.MaxSide
	opts.Format = c.Normalize.Format
	opts.Quality = c.Normalize.Quality
	opts.MinQuality = c.Normalize.MinQuality
	opts.MaxBytes = c.Normalize.MaxBytes
	return opts
}

// Condition returns the orchestrator tunables
func (c *Config) Condition() condition.Config {
	cc := condition.DefaultConfig()
	cc.Normalize = c.NormalizeOptions()
	cc.SignedURLTTL = c.Storage.PresignTTL.Std()
	if c.Session.ReportType != "" {
		cc.ReportType = c.Session.ReportType
	}
	return cc
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "condition-report", "config.json")
}

// Duration is a time.Duration written as "1h30m" in JSON and the environment
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
