// Package config provides configuration loading and structs for the VisionQuery server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment variables that override file settings.
const EnvPrefix = "VISIONQUERY_"

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// StorageConfig holds paths for the database, uploads and indices.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	UploadDir        string `yaml:"upload_dir"`
	InboxDir         string `yaml:"inbox_dir"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
	SnapshotPath     string `yaml:"snapshot_path"`
}

// EmbeddingConfig holds CLIP provider settings.
type EmbeddingConfig struct {
	// Provider is "onnx" (CLIP via ONNX Runtime) or "mock". If the onnx models fail to load, encodes
	// fail as model unavailable. The text tower is fed hashed word ids, not CLIP BPE ids, so
	// text_model_path must point at a text model exported for that tokenizer.
	Provider          string `yaml:"provider"`
	VisionModelPath   string `yaml:"vision_model_path"`
	TextModelPath     string `yaml:"text_model_path"`
	SharedLibraryPath string `yaml:"shared_library_path"`
	Dimensions        int    `yaml:"dimensions"`
	ContextLength     int    `yaml:"context_length"`
	CacheSize         int    `yaml:"cache_size"`
}

// IndexConfig holds vector snapshot settings.
type IndexConfig struct {
	// Compression is none, zstd or lz4.
	Compression string `yaml:"compression"`
}

// SearchConfig holds query settings.
type SearchConfig struct {
	DefaultTopK      int     `yaml:"default_top_k"`
	MaxTopK          int     `yaml:"max_top_k"`
	OversampleFactor int     `yaml:"oversample_factor"`
	MinScore         float64 `yaml:"min_score"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	Classify      *bool    `yaml:"classify"`
	Labels        []string `yaml:"labels"`
}

// ClassifyOrDefault returns whether to classify on ingest; defaults to true when unset.
func (c *IngestConfig) ClassifyOrDefault() bool {
	if c.Classify != nil {
		return *c.Classify
	}
	return true
}

// ReconcileConfig holds the index reconciliation sweep settings. Interval 0 disables the background sweep.
type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Workers       int           `yaml:"workers"`
	PageSize      int           `yaml:"page_size"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Extensions []string      `yaml:"extensions"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Load reads and parses the config file at path, loads an optional .env next to it,
// applies environment overrides, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	envFile := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir, configDir)
	cfg.Storage.InboxDir = expandPath(cfg.Storage.InboxDir, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	cfg.Storage.SnapshotPath = expandPath(cfg.Storage.SnapshotPath, configDir)
	cfg.Embedding.VisionModelPath = expandPath(cfg.Embedding.VisionModelPath, configDir)
	cfg.Embedding.TextModelPath = expandPath(cfg.Embedding.TextModelPath, configDir)
	if cfg.Embedding.SharedLibraryPath != "" {
		cfg.Embedding.SharedLibraryPath = expandPath(cfg.Embedding.SharedLibraryPath, configDir)
	}

	return &cfg, nil
}

// Default returns a config with every default applied and environment overrides honoured.
// Used when no config file exists.
func Default() (*Config, error) {
	var cfg Config
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, cfg.Validate()
}

// Validate checks values ApplyDefaults cannot repair.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Index.Compression) {
	case "", "none", "zstd", "lz4":
	default:
		return fmt.Errorf("invalid index.compression %q (supported: none, zstd, lz4)", c.Index.Compression)
	}
	switch c.Embedding.Provider {
	case "onnx", "mock":
	default:
		return fmt.Errorf("invalid embedding.provider %q (supported: onnx, mock)", c.Embedding.Provider)
	}
	if c.Search.DefaultTopK > c.Search.MaxTopK {
		return fmt.Errorf("search.default_top_k (%d) exceeds search.max_top_k (%d)", c.Search.DefaultTopK, c.Search.MaxTopK)
	}
	return nil
}

// applyEnv overrides selected fields from VISIONQUERY_* variables.
func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_PATH", &cfg.Storage.DatabasePath)
	str("UPLOAD_DIR", &cfg.Storage.UploadDir)
	str("SNAPSHOT_PATH", &cfg.Storage.SnapshotPath)
	str("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	str("VISION_MODEL_PATH", &cfg.Embedding.VisionModelPath)
	str("TEXT_MODEL_PATH", &cfg.Embedding.TextModelPath)
	str("ONNXRUNTIME_LIB", &cfg.Embedding.SharedLibraryPath)
	str("HOST", &cfg.Server.Host)

	if v, ok := os.LookupEnv(EnvPrefix + "PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT: %w", EnvPrefix, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := os.LookupEnv(EnvPrefix + "DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEBUG: %w", EnvPrefix, err)
		}
		cfg.Debug = debug
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
