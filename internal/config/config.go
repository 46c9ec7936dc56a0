package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Matching  MatchingConfig  `yaml:"matching"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Router    RouterConfig    `yaml:"router"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Extractor ExtractorConfig `yaml:"-"`
	Database  DatabaseConfig  `yaml:"-"`
	Snapshot  SnapshotConfig  `yaml:"-"`
	Web       WebConfig       `yaml:"-"`
	Log       LogConfig       `yaml:"-"`
}

type CatalogConfig struct {
	Dim         int `yaml:"dim"`
	MaxBankSize int `yaml:"max_bank_size"`
}

type MatchingConfig struct {
	MergeThreshold  float64 `yaml:"merge_threshold"`
	NoveltyDistance float64 `yaml:"novelty_distance"` // 0 disables the redundancy filter
}

type RerankConfig struct {
	Method  string        `yaml:"method"` // kreciprocal, cosine or remote
	K1      int           `yaml:"k1"`
	K2      int           `yaml:"k2"`
	Lambda  float64       `yaml:"lambda"`
	Timeout time.Duration `yaml:"timeout"`
	URL     string        `yaml:"url"` // scoring service for the remote method
	Retries int           `yaml:"retries"`
}

type RouterConfig struct {
	AspectMin float64 `yaml:"aspect_min"`
	AspectMax float64 `yaml:"aspect_max"`
}

type PipelineConfig struct {
	BlurThreshold      float64 `yaml:"blur_threshold"` // 0 disables the blur gate
	MaxCyclesPerSecond float64 `yaml:"max_cycles_per_second"`
}

type ExtractorConfig struct {
	URL string // defaults to http://localhost:8000
}

type DatabaseConfig struct {
	URL           string // postgres://, mysql://, badger://<dir> or empty for in-memory
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the identity HNSW index (optional, if empty index is rebuilt on startup)
}

type SnapshotConfig struct {
	Location   string // file path or s3://bucket/key
	S3Endpoint string // custom endpoint, e.g. MinIO
	S3Region   string
}

type WebConfig struct {
	Port           int
	Host           string
	AllowedOrigins string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegativeInt is envInt for settings where zero is meaningful.
func envNonNegativeInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration ("5s", "250ms").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	cfg.Catalog.Dim = envInt("REID_DIM", cfg.Catalog.Dim)
	cfg.Catalog.MaxBankSize = envInt("REID_MAX_BANK_SIZE", cfg.Catalog.MaxBankSize)

	cfg.Matching.MergeThreshold = envFloat("REID_MERGE_THRESHOLD", cfg.Matching.MergeThreshold)
	cfg.Matching.NoveltyDistance = envFloat("REID_NOVELTY_DISTANCE", cfg.Matching.NoveltyDistance)

	cfg.Rerank.Method = strings.ToLower(envString("RERANK_METHOD", cfg.Rerank.Method))
	cfg.Rerank.K1 = envInt("RERANK_K1", cfg.Rerank.K1)
	cfg.Rerank.K2 = envInt("RERANK_K2", cfg.Rerank.K2)
	cfg.Rerank.Lambda = envFloat("RERANK_LAMBDA", cfg.Rerank.Lambda)
	cfg.Rerank.Timeout = envDuration("RERANK_TIMEOUT", cfg.Rerank.Timeout)
	cfg.Rerank.URL = envString("RERANK_URL", cfg.Rerank.URL)
	cfg.Rerank.Retries = envNonNegativeInt("RERANK_RETRIES", cfg.Rerank.Retries)

	cfg.Router.AspectMin = envFloat("ROUTER_ASPECT_MIN", cfg.Router.AspectMin)
	cfg.Router.AspectMax = envFloat("ROUTER_ASPECT_MAX", cfg.Router.AspectMax)

	cfg.Pipeline.BlurThreshold = envFloat("PIPELINE_BLUR_THRESHOLD", cfg.Pipeline.BlurThreshold)
	cfg.Pipeline.MaxCyclesPerSecond = envFloat("PIPELINE_MAX_CYCLES_PER_SECOND", cfg.Pipeline.MaxCyclesPerSecond)

	cfg.Extractor = ExtractorConfig{
		URL: os.Getenv("EXTRACTOR_URL"),
	}
	cfg.Database = DatabaseConfig{
		URL:           os.Getenv("DATABASE_URL"),
		MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
		HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
	}
	cfg.Snapshot = SnapshotConfig{
		Location:   os.Getenv("SNAPSHOT_LOCATION"),
		S3Endpoint: os.Getenv("S3_ENDPOINT"),
		S3Region:   envString("S3_REGION", "us-east-1"),
	}
	cfg.Web = WebConfig{
		Port:           envInt("WEB_PORT", 8085),
		Host:           os.Getenv("WEB_HOST"),
		AllowedOrigins: os.Getenv("WEB_ALLOWED_ORIGINS"),
	}
	cfg.Log = LogConfig{
		Level:  envString("LOG_LEVEL", "info"),
		Format: envString("LOG_FORMAT", "text"),
	}
	return &cfg
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Catalog.Dim <= 0 {
		errs = append(errs, fmt.Errorf("REID_DIM must be positive, got %d", c.Catalog.Dim))
	}
	if c.Catalog.MaxBankSize <= 0 {
		errs = append(errs, fmt.Errorf("REID_MAX_BANK_SIZE must be positive, got %d", c.Catalog.MaxBankSize))
	}
	if c.Matching.MergeThreshold < 0 {
		errs = append(errs, fmt.Errorf("REID_MERGE_THRESHOLD must not be negative, got %v", c.Matching.MergeThreshold))
	}
	if c.Router.AspectMin > c.Router.AspectMax {
		errs = append(errs, fmt.Errorf("ROUTER_ASPECT_MIN (%v) exceeds ROUTER_ASPECT_MAX (%v)", c.Router.AspectMin, c.Router.AspectMax))
	}
	if c.Rerank.Lambda > 1 {
		errs = append(errs, fmt.Errorf("RERANK_LAMBDA must be within [0, 1], got %v", c.Rerank.Lambda))
	}
	if c.Rerank.Method == "remote" && c.Rerank.URL == "" {
		errs = append(errs, errors.New("RERANK_URL is required for RERANK_METHOD=remote"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Logger builds the structured logger selected by LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
