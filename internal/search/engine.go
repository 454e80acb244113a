// Package search answers natural-language image queries scoped to one user.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/visionquery/internal/embedding"
	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/internal/storage"
	"github.com/hyperjump/visionquery/internal/vector"
)

// DefaultOversampleFactor is how many index candidates are requested per wanted result.
const DefaultOversampleFactor = 3

// Index is the read side of the vector index.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]vector.Result, error)
	Size() int
}

// Engine embeds the query, ranks the global index, and keeps only the caller's live images.
// The index is not partitioned by user, so it is asked for TopK × oversample candidates
// (capped to the index size). When filtering leaves a short page and the index holds
// more candidates, one more pass scans the whole index.
type Engine struct {
	storage    storage.Storage
	provider   embedding.Provider
	index      Index
	oversample int
	minScore   float64
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithOversampleFactor sets the candidate multiplier. Values below 1 mean 1.
func WithOversampleFactor(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.oversample = n
	}
}

// WithMinScore drops results scoring below s unless the query sets its own threshold.
func WithMinScore(s float64) Option {
	return func(e *Engine) { e.minScore = s }
}

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(store storage.Storage, provider embedding.Provider, index Index, opts ...Option) *Engine {
	e := &Engine{
		storage:    store,
		provider:   provider,
		index:      index,
		oversample: DefaultOversampleFactor,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns up to TopK of the requesting user's images ranked by similarity to the query.
// A provider failure is returned to the caller, never turned into an empty result.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := query.Validate(); err != nil {
		return nil, err
	}
	minScore := e.minScore
	if query.MinScore != 0 {
		minScore = query.MinScore
	}

	queryVec, err := e.provider.EncodeText(ctx, query.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	size := e.index.Size()
	k := query.TopK * e.oversample
	if k > size {
		k = size
	}
	hits, err := e.collect(ctx, queryVec, query, k, minScore)
	if err != nil {
		return nil, err
	}
	if len(hits) < query.TopK && k < size {
		e.logger.Debug("short page after ownership filter, scanning full index",
			zap.Int64("user_id", query.UserID), zap.Int("examined", k), zap.Int("index_size", size))
		k = size
		if hits, err = e.collect(ctx, queryVec, query, k, minScore); err != nil {
			return nil, err
		}
	}

	response := &models.SearchResponse{
		Results:  hits,
		Total:    len(hits),
		TopK:     query.TopK,
		Partial:  len(hits) < query.TopK,
		Examined: k,
		Query:    query.Query,
	}
	e.attachImages(ctx, hits)
	e.recordHistory(ctx, query, len(hits))
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// collect ranks k candidates and keeps those the user owns, in rank order, up to TopK.
func (e *Engine) collect(ctx context.Context, queryVec []float32, query *models.SearchQuery, k int, minScore float64) ([]*models.SearchResult, error) {
	candidates, err := e.index.Search(ctx, queryVec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	out := make([]*models.SearchResult, 0, query.TopK)
	for _, c := range candidates {
		if len(out) == query.TopK {
			break
		}
		if minScore != 0 && c.Score < minScore {
			break
		}
		owner, exists, err := e.storage.FindImage(ctx, c.ImageID)
		if err != nil {
			return nil, fmt.Errorf("ownership lookup failed: %w", err)
		}
		if !exists || owner != query.UserID {
			continue
		}
		out = append(out, &models.SearchResult{ImageID: c.ImageID, Score: c.Score, Rank: len(out) + 1})
	}
	return out, nil
}

func (e *Engine) attachImages(ctx context.Context, hits []*models.SearchResult) {
	if len(hits) == 0 {
		return
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ImageID
	}
	images, err := e.storage.GetImages(ctx, ids)
	if err != nil {
		e.logger.Warn("failed to load result images", zap.Error(err))
		return
	}
	for _, h := range hits {
		if img, ok := images[h.ImageID]; ok {
			img.Indexed = true
			h.Image = img
		}
	}
}

func (e *Engine) recordHistory(ctx context.Context, query *models.SearchQuery, count int) {
	err := e.storage.CreateSearchHistory(ctx, &models.SearchHistory{
		UserID:       query.UserID,
		QueryText:    query.Query,
		ResultsCount: count,
	})
	if err != nil {
		e.logger.Warn("failed to record search history", zap.Int64("user_id", query.UserID), zap.Error(err))
	}
}
