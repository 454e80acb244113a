package config

import "time"

// DefaultConfigPath is where the CLI looks for a config file when none is given.
const DefaultConfigPath = "/usr/local/etc/visionquery/config.yaml"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 16 << 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/visionquery/data/db/visionquery.db"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "/usr/local/var/visionquery/data/uploads"
	}
	if cfg.Storage.InboxDir == "" {
		cfg.Storage.InboxDir = "/usr/local/var/visionquery/data/inbox"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/visionquery/data/indices/bleve"
	}
	if cfg.Storage.SnapshotPath == "" {
		cfg.Storage.SnapshotPath = "/usr/local/var/visionquery/data/indices/images.vqix"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.VisionModelPath == "" {
		cfg.Embedding.VisionModelPath = "/usr/local/var/visionquery/data/models/clip-vit-b32-vision.onnx"
	}
	if cfg.Embedding.TextModelPath == "" {
		cfg.Embedding.TextModelPath = "/usr/local/var/visionquery/data/models/clip-vit-b32-text.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 512
	}
	if cfg.Embedding.ContextLength == 0 {
		cfg.Embedding.ContextLength = 77
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Index.Compression == "" {
		cfg.Index.Compression = "none"
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 5
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = 20
	}
	if cfg.Search.OversampleFactor == 0 {
		cfg.Search.OversampleFactor = 3
	}
	if cfg.Ingest.MaxConcurrent == 0 {
		cfg.Ingest.MaxConcurrent = 2
	}
	if len(cfg.Ingest.Labels) == 0 {
		cfg.Ingest.Labels = []string{"Animal", "Person"}
	}
	if cfg.Reconcile.RatePerSecond == 0 {
		cfg.Reconcile.RatePerSecond = 5
	}
	if cfg.Reconcile.Burst == 0 {
		cfg.Reconcile.Burst = 1
	}
	if cfg.Reconcile.Workers == 0 {
		cfg.Reconcile.Workers = 2
	}
	if cfg.Reconcile.PageSize == 0 {
		cfg.Reconcile.PageSize = 500
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
}
