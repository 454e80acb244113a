package vector

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"
)

const (
	// ctxCheckInterval is how many vectors Search scans between context checks.
	ctxCheckInterval = 4096
	// UnitNormTolerance is how far a stored vector's L2 norm may drift from 1.
	UnitNormTolerance = 1e-3
)

// state is an immutable view of the index contents. Position i owns
// vectors[i*dim:(i+1)*dim] and ids[i]. Published states are never written in place:
// Add appends past the end of the previous view and Remove builds fresh slices.
type state struct {
	ids     []int64
	vectors []float32
}

// FlatIndex is an exact inner-product index over unit-norm image embeddings.
//
// Readers load the current state through an atomic pointer and never block.
// Add and Remove hold mu for the in-memory swap and the snapshot write as one unit.
type FlatIndex struct {
	dimensions   int
	snapshotPath string
	codec        Codec
	logger       *zap.Logger

	current atomic.Pointer[state]

	mu        sync.Mutex
	idSet     *roaring64.Bitmap // guarded by mu
	lifecycle State             // guarded by mu
	loadErr   error             // guarded by mu
}

// Option configures a FlatIndex.
type Option func(*FlatIndex)

// WithSnapshotPath enables persistence to path. Without it the index is memory-only.
func WithSnapshotPath(path string) Option {
	return func(f *FlatIndex) { f.snapshotPath = path }
}

// WithCodec sets the snapshot payload compression.
func WithCodec(c Codec) Option {
	return func(f *FlatIndex) { f.codec = c }
}

// WithLogger sets a logger for load/save events.
func WithLogger(l *zap.Logger) Option {
	return func(f *FlatIndex) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFlatIndex creates an empty index with the given dimension. It does not read the snapshot; use Open for that.
func NewFlatIndex(dimensions int, opts ...Option) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, ErrInvalidDimension
	}
	f := &FlatIndex{
		dimensions: dimensions,
		codec:      CodecNone,
		logger:     zap.NewNop(),
		idSet:      roaring64.New(),
		lifecycle:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.current.Store(&state{})
	return f, nil
}

// Open creates an index and loads its snapshot. A missing snapshot yields an empty index.
// A corrupt snapshot is logged and also yields an empty index so startup never fails on it;
// the cause is kept and reported by LoadError.
func Open(dimensions int, opts ...Option) (*FlatIndex, error) {
	f, err := NewFlatIndex(dimensions, opts...)
	if err != nil {
		return nil, err
	}
	f.load()
	return f, nil
}

func (f *FlatIndex) load() {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.lifecycle = StateLoaded }()

	if f.snapshotPath == "" {
		return
	}
	st, err := loadSnapshotFile(f.snapshotPath, f.dimensions)
	if err != nil {
		f.loadErr = err
		f.logger.Warn("index snapshot unreadable, starting with empty index",
			zap.String("path", f.snapshotPath), zap.Error(err))
		return
	}
	if st == nil {
		f.logger.Info("no index snapshot found, starting empty", zap.String("path", f.snapshotPath))
		return
	}
	idSet := roaring64.New()
	for _, id := range st.ids {
		idSet.Add(uint64(id))
	}
	f.idSet = idSet
	f.current.Store(st)
	f.logger.Info("index snapshot loaded",
		zap.String("path", f.snapshotPath),
		zap.Int("vectors", len(st.ids)),
		zap.Int("dimensions", f.dimensions))
}

// Add appends vector under imageID and persists the snapshot. vector must be unit length
// (within UnitNormTolerance) so that scores are cosine similarities.
// A PersistenceError means the vector is indexed and searchable but not yet durable.
func (f *FlatIndex) Add(ctx context.Context, imageID int64, vector []float32) error {
	if len(vector) != f.dimensions {
		return &DimensionMismatchError{Expected: f.dimensions, Actual: len(vector)}
	}
	if !IsUnitNorm(vector, UnitNormTolerance) {
		return &NotNormalizedError{Norm: L2Norm(vector)}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idSet.Contains(uint64(imageID)) {
		return ErrDuplicateID
	}
	old := f.current.Load()
	next := &state{
		ids:     append(old.ids, imageID),
		vectors: append(old.vectors, vector...),
	}
	f.current.Store(next)
	f.idSet.Add(uint64(imageID))
	f.lifecycle = StateMutated
	return f.persistLocked(next)
}

// Remove rebuilds the index without any entry for imageID and persists the result.
// It returns the number of entries dropped; an absent id is a no-op.
func (f *FlatIndex) Remove(ctx context.Context, imageID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.idSet.Contains(uint64(imageID)) {
		return 0, nil
	}
	old := f.current.Load()
	next := &state{
		ids:     make([]int64, 0, len(old.ids)),
		vectors: make([]float32, 0, len(old.vectors)),
	}
	removed := 0
	for i, id := range old.ids {
		if id == imageID {
			removed++
			continue
		}
		next.ids = append(next.ids, id)
		next.vectors = append(next.vectors, old.vectors[i*f.dimensions:(i+1)*f.dimensions]...)
	}
	f.current.Store(next)
	f.idSet.Remove(uint64(imageID))
	f.lifecycle = StateMutated
	return removed, f.persistLocked(next)
}

// persistLocked writes st to the snapshot path. Caller holds mu.
func (f *FlatIndex) persistLocked(st *state) error {
	if f.snapshotPath == "" {
		f.lifecycle = StateLoaded
		return nil
	}
	err := writeFileAtomic(f.snapshotPath, func(w io.Writer) error {
		return writeSnapshot(w, f.dimensions, st, f.codec)
	})
	if err != nil {
		f.logger.Warn("index snapshot write failed; in-memory index is ahead of disk",
			zap.String("path", f.snapshotPath), zap.Int("vectors", len(st.ids)), zap.Error(err))
		return &PersistenceError{Path: f.snapshotPath, Err: err}
	}
	f.lifecycle = StateLoaded
	f.logger.Debug("index snapshot saved", zap.String("path", f.snapshotPath), zap.Int("vectors", len(st.ids)))
	return nil
}

// Save writes the current state to the snapshot path. It is a no-op without a path.
func (f *FlatIndex) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persistLocked(f.current.Load())
}

// Search returns the k stored vectors with the highest inner product against query,
// best first. Equal scores are ordered by insertion position, earliest first.
// An empty index returns an empty slice.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != f.dimensions {
		return nil, &DimensionMismatchError{Expected: f.dimensions, Actual: len(query)}
	}
	st := f.current.Load()
	n := len(st.ids)
	if k <= 0 || n == 0 {
		return []Result{}, nil
	}
	if k > n {
		k = n
	}

	top := newTopK(k)
	for i := 0; i < n; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		top.offer(i, InnerProduct(query, st.vectors[i*f.dimensions:(i+1)*f.dimensions]))
	}

	ranked := top.sorted()
	results := make([]Result, len(ranked))
	for i, c := range ranked {
		results[i] = Result{ImageID: st.ids[c.pos], Score: c.score}
	}
	return results, nil
}

// Contains reports whether imageID is indexed.
func (f *FlatIndex) Contains(imageID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idSet.Contains(uint64(imageID))
}

// IDBitmap returns a copy of the indexed image ID set.
func (f *FlatIndex) IDBitmap() *roaring64.Bitmap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idSet.Clone()
}

// Get returns a copy of the vector stored for imageID.
func (f *FlatIndex) Get(imageID int64) ([]float32, bool) {
	st := f.current.Load()
	for i, id := range st.ids {
		if id == imageID {
			vec := make([]float32, f.dimensions)
			copy(vec, st.vectors[i*f.dimensions:(i+1)*f.dimensions])
			return vec, true
		}
	}
	return nil, false
}

// IDs returns the indexed image IDs in insertion order.
func (f *FlatIndex) IDs() []int64 {
	st := f.current.Load()
	out := make([]int64, len(st.ids))
	copy(out, st.ids)
	return out
}

// Size returns the number of vectors in the index.
func (f *FlatIndex) Size() int {
	return len(f.current.Load().ids)
}

// Dimensions returns the fixed vector dimension.
func (f *FlatIndex) Dimensions() int {
	return f.dimensions
}

// State returns the lifecycle state.
func (f *FlatIndex) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lifecycle
}

// LoadError returns the snapshot error that forced an empty start, if any.
func (f *FlatIndex) LoadError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadErr
}

// SnapshotPath returns the configured snapshot location.
func (f *FlatIndex) SnapshotPath() string {
	return f.snapshotPath
}

// Close is a no-op; every mutation is already persisted.
func (f *FlatIndex) Close() error {
	return nil
}
