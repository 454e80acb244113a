package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperjump/visionquery/internal/storage"
)

// IDSource exposes the set of indexed image ids.
type IDSource interface {
	IDBitmap() *roaring64.Bitmap
}

// ReconcileConfig tunes a sweep.
type ReconcileConfig struct {
	// PageSize is how many live ids are read from the record store per query.
	PageSize int
	// Workers bounds concurrent retries.
	Workers int
	// RatePerSecond and Burst pace retries so a sweep does not starve live uploads.
	RatePerSecond float64
	Burst         int
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Live          int           `json:"live"`
	Indexed       int           `json:"indexed"`
	Missing       int           `json:"missing"`
	Reindexed     int           `json:"reindexed"`
	Failed        int           `json:"failed"`
	Orphans       int           `json:"orphans"`
	OrphansPurged int           `json:"orphans_removed"`
	Duration      time.Duration `json:"duration_ns"`
}

// Reconciler finds live images with no index entry and retries their ingestion, and
// drops index entries whose record is gone.
type Reconciler struct {
	storage  storage.Storage
	pipeline *Pipeline
	ids      IDSource
	cfg      ReconcileConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	running  atomic.Bool
}

// NewReconciler creates a reconciler. Zero config fields get defaults.
func NewReconciler(store storage.Storage, pipeline *Pipeline, ids IDSource, cfg ReconcileConfig, logger *zap.Logger) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		storage:  store,
		pipeline: pipeline,
		ids:      ids,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:   logger,
	}
}

// ErrSweepRunning is returned when a sweep is requested while another is in progress.
var ErrSweepRunning = errors.New("reconcile sweep already running")

// Sweep runs one reconciliation pass. Individual retry failures are counted, not returned;
// only record-store errors and cancellation abort the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrSweepRunning
	}
	defer r.running.Store(false)

	start := time.Now()
	// Take the index view first: anything indexed after this point cannot be mistaken for an orphan.
	indexed := r.ids.IDBitmap()

	live := roaring64.New()
	var after int64
	for {
		page, err := r.storage.ListLiveImageIDs(ctx, after, r.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		for _, id := range page {
			live.Add(uint64(id))
		}
		if len(page) < r.cfg.PageSize {
			break
		}
		after = page[len(page)-1]
	}

	missing := roaring64.AndNot(live, indexed)
	orphans := roaring64.AndNot(indexed, live)
	res := &SweepResult{
		Live:    int(live.GetCardinality()),
		Indexed: int(indexed.GetCardinality()),
		Missing: int(missing.GetCardinality()),
		Orphans: int(orphans.GetCardinality()),
	}

	var reindexed, failed, purged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	it := missing.Iterator()
	for it.HasNext() {
		id := int64(it.Next())
		if err := r.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			if err := r.pipeline.IngestStored(gctx, id); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				r.logger.Warn("reconcile: re-ingest failed", zap.Int64("image_id", id), zap.Error(err))
				return nil
			}
			reindexed.Add(1)
			return nil
		})
	}

	oit := orphans.Iterator()
	for oit.HasNext() {
		id := int64(oit.Next())
		g.Go(func() error {
			// The live scan is not atomic with the index view; re-check before purging.
			if _, exists, err := r.storage.FindImage(gctx, id); err != nil || exists {
				return nil
			}
			if err := r.pipeline.Remove(gctx, id); err != nil {
				r.logger.Warn("reconcile: orphan removal failed", zap.Int64("image_id", id), zap.Error(err))
				return nil
			}
			purged.Add(1)
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	res.Reindexed = int(reindexed.Load())
	res.Failed = int(failed.Load())
	res.OrphansPurged = int(purged.Load())
	res.Duration = time.Since(start)

	r.logger.Info("reconcile sweep finished",
		zap.Int("live", res.Live),
		zap.Int("indexed", res.Indexed),
		zap.Int("missing", res.Missing),
		zap.Int("reindexed", res.Reindexed),
		zap.Int("failed", res.Failed),
		zap.Int("orphans_removed", res.OrphansPurged),
		zap.Duration("duration", res.Duration))
	return res, err
}

// Run sweeps every interval until ctx is done. The first sweep runs immediately.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reconcile sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
