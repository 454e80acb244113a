// Package ingest turns stored images into index entries and keeps the index in step
// with the record store.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hyperjump/visionquery/internal/classify"
	"github.com/hyperjump/visionquery/internal/embedding"
	"github.com/hyperjump/visionquery/internal/keyword"
	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/internal/storage"
	"github.com/hyperjump/visionquery/internal/vector"
)

// Index is the subset of the vector index the pipeline mutates.
type Index interface {
	Add(ctx context.Context, imageID int64, vec []float32) error
	Remove(ctx context.Context, imageID int64) (int, error)
	Contains(imageID int64) bool
}

// FileReader loads stored upload bytes.
type FileReader interface {
	Read(path string) ([]byte, error)
}

// Pipeline embeds images and appends them to the vector index. Embedding runs
// before the index lock is taken; at most maxConcurrent encodes run at once.
type Pipeline struct {
	storage    storage.Storage
	files      FileReader
	provider   embedding.Provider
	index      Index
	keyword    keyword.KeywordIndex
	classifier *classify.Classifier
	sem        *semaphore.Weighted
	logger     *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a logger for ingestion events.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithKeywordIndex keeps a keyword index of filenames and labels up to date.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(p *Pipeline) { p.keyword = k }
}

// WithClassifier classifies each newly indexed image and stores the label.
func WithClassifier(c *classify.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithMaxConcurrent bounds concurrent image encodes. Values below 1 mean 1.
func WithMaxConcurrent(n int) Option {
	return func(p *Pipeline) {
		if n < 1 {
			n = 1
		}
		p.sem = semaphore.NewWeighted(int64(n))
	}
}

// NewPipeline creates a pipeline with the given dependencies.
func NewPipeline(store storage.Storage, files FileReader, provider embedding.Provider, index Index, opts ...Option) *Pipeline {
	p := &Pipeline{
		storage:  store,
		files:    files,
		provider: provider,
		index:    index,
		sem:      semaphore.NewWeighted(2),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest embeds data and adds it to the index under imageID, then classifies the image
// and refreshes its keyword entry when configured. An image that is already indexed is
// left as is. A PersistenceError is returned after the rest of the pipeline has run
// because the vector is searchable even though the snapshot is behind.
func (p *Pipeline) Ingest(ctx context.Context, imageID int64, data []byte) error {
	if p.index.Contains(imageID) {
		p.logger.Debug("image already indexed", zap.Int64("image_id", imageID))
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	vec, err := p.provider.EncodeImage(ctx, data)
	p.sem.Release(1)
	if err != nil {
		p.logger.Warn("image embedding failed; image will not be searchable",
			zap.Int64("image_id", imageID), zap.Error(err))
		return fmt.Errorf("failed to embed image %d: %w", imageID, err)
	}

	var persistErr error
	if err := p.index.Add(ctx, imageID, vec); err != nil {
		switch {
		case errors.Is(err, vector.ErrDuplicateID):
			p.logger.Debug("image indexed concurrently", zap.Int64("image_id", imageID))
			return nil
		case vector.IsPersistenceError(err):
			p.logger.Warn("image indexed but snapshot write failed",
				zap.Int64("image_id", imageID), zap.Error(err))
			persistErr = err
		default:
			p.logger.Warn("image indexing failed; image will not be searchable",
				zap.Int64("image_id", imageID), zap.Error(err))
			return fmt.Errorf("failed to index image %d: %w", imageID, err)
		}
	}
	p.logger.Debug("image indexed", zap.Int64("image_id", imageID))

	p.annotate(ctx, imageID, vec)
	return persistErr
}

// annotate classifies and keyword-indexes an image. Failures are logged only.
func (p *Pipeline) annotate(ctx context.Context, imageID int64, vec []float32) {
	if p.classifier == nil && p.keyword == nil {
		return
	}
	img, err := p.storage.GetImage(ctx, imageID)
	if err != nil {
		p.logger.Debug("image record unavailable for annotation", zap.Int64("image_id", imageID), zap.Error(err))
		return
	}
	if p.classifier != nil && img.Classification == "" {
		label, conf, err := p.classifier.Classify(ctx, vec)
		if err != nil {
			p.logger.Warn("classification failed", zap.Int64("image_id", imageID), zap.Error(err))
		} else if err := p.storage.UpdateClassification(ctx, imageID, label, conf); err != nil {
			p.logger.Warn("failed to store classification", zap.Int64("image_id", imageID), zap.Error(err))
		} else {
			img.Classification, img.Confidence = label, conf
		}
	}
	p.IndexKeywords(ctx, img)
}

// IndexKeywords refreshes the keyword entry for img. Failures are logged only.
func (p *Pipeline) IndexKeywords(ctx context.Context, img *models.Image) {
	if p.keyword == nil {
		return
	}
	if err := p.keyword.Index(ctx, img); err != nil {
		p.logger.Warn("keyword indexing failed", zap.Int64("image_id", img.ID), zap.Error(err))
	}
}

// IngestStored reads a stored image's bytes and ingests them.
func (p *Pipeline) IngestStored(ctx context.Context, imageID int64) error {
	img, err := p.storage.GetImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("failed to load image %d: %w", imageID, err)
	}
	data, err := p.files.Read(img.Filepath)
	if err != nil {
		return fmt.Errorf("failed to read image %d: %w", imageID, err)
	}
	return p.Ingest(ctx, imageID, data)
}

// Remove drops an image from the vector and keyword indices. Absent images are a no-op.
func (p *Pipeline) Remove(ctx context.Context, imageID int64) error {
	n, err := p.index.Remove(ctx, imageID)
	if err != nil && !vector.IsPersistenceError(err) {
		return fmt.Errorf("failed to remove image %d from index: %w", imageID, err)
	}
	if err != nil {
		p.logger.Warn("image removed from index but snapshot write failed",
			zap.Int64("image_id", imageID), zap.Error(err))
	}
	if p.keyword != nil {
		if kerr := p.keyword.Delete(ctx, imageID); kerr != nil {
			p.logger.Warn("keyword delete failed", zap.Int64("image_id", imageID), zap.Error(kerr))
		}
	}
	p.logger.Debug("image removed from index", zap.Int64("image_id", imageID), zap.Int("entries", n))
	return err
}
