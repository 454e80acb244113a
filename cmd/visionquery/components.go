package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/visionquery/internal/classify"
	"github.com/hyperjump/visionquery/internal/config"
	"github.com/hyperjump/visionquery/internal/embedding"
	"github.com/hyperjump/visionquery/internal/files"
	"github.com/hyperjump/visionquery/internal/ingest"
	"github.com/hyperjump/visionquery/internal/keyword"
	"github.com/hyperjump/visionquery/internal/search"
	"github.com/hyperjump/visionquery/internal/server"
	"github.com/hyperjump/visionquery/internal/storage"
	"github.com/hyperjump/visionquery/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Config     *config.Config
	Storage    *storage.SQLiteStorage
	Files      *files.LocalStore
	Provider   embedding.Provider
	Index      *vector.FlatIndex
	Keyword    *keyword.BleveIndex
	Classifier *classify.Classifier
	Pipeline   *ingest.Pipeline
	Engine     *search.Engine
	Reconciler *ingest.Reconciler
}

// Close releases every component that holds a file or model handle.
func (c *Components) Close() {
	if c.Keyword != nil {
		_ = c.Keyword.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Provider != nil {
		_ = c.Provider.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// Deps returns the server wiring for these components.
func (c *Components) Deps() server.Deps {
	deps := server.Deps{
		Storage:    c.Storage,
		Files:      c.Files,
		Index:      c.Index,
		Engine:     c.Engine,
		Pipeline:   c.Pipeline,
		Reconciler: c.Reconciler,
		Classifier: c.Classifier,
	}
	if c.Keyword != nil {
		deps.Keyword = c.Keyword
	}
	return deps
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{Config: cfg}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Files, err = files.NewLocalStore(cfg.Storage.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	c.Provider, err = embedding.New(embedding.Options{
		Provider: cfg.Embedding.Provider,
		CLIP: embedding.CLIPOptions{
			VisionModelPath:   cfg.Embedding.VisionModelPath,
			TextModelPath:     cfg.Embedding.TextModelPath,
			SharedLibraryPath: cfg.Embedding.SharedLibraryPath,
			Dimensions:        cfg.Embedding.Dimensions,
			ContextLength:     cfg.Embedding.ContextLength,
		},
		CacheSize: cfg.Embedding.CacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	codec, err := vector.ParseCodec(cfg.Index.Compression)
	if err != nil {
		return nil, err
	}
	c.Index, err = vector.Open(c.Provider.Dimensions(),
		vector.WithSnapshotPath(cfg.Storage.SnapshotPath),
		vector.WithCodec(codec),
		vector.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	logger.Info("vector index initialized",
		zap.Int("size", c.Index.Size()),
		zap.Int("dimensions", c.Index.Dimensions()),
		zap.String("compression", codec.String()))

	c.Keyword, err = keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithKeywordIndex(c.Keyword),
		ingest.WithMaxConcurrent(cfg.Ingest.MaxConcurrent),
	}
	c.Classifier = classify.New(c.Provider, cfg.Ingest.Labels)
	if cfg.Ingest.ClassifyOrDefault() {
		pipelineOpts = append(pipelineOpts, ingest.WithClassifier(c.Classifier))
	}
	c.Pipeline = ingest.NewPipeline(c.Storage, c.Files, c.Provider, c.Index, pipelineOpts...)

	c.Engine = search.NewEngine(c.Storage, c.Provider, c.Index,
		search.WithOversampleFactor(cfg.Search.OversampleFactor),
		search.WithMinScore(cfg.Search.MinScore),
		search.WithLogger(logger))

	c.Reconciler = ingest.NewReconciler(c.Storage, c.Pipeline, c.Index, ingest.ReconcileConfig{
		PageSize:      cfg.Reconcile.PageSize,
		Workers:       cfg.Reconcile.Workers,
		RatePerSecond: cfg.Reconcile.RatePerSecond,
		Burst:         cfg.Reconcile.Burst,
	}, logger)
	return c, nil
}
