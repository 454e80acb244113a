package vector

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func unit(v ...float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func newTestIndex(t *testing.T, dim int, opts ...Option) *FlatIndex {
	t.Helper()
	idx, err := Open(dim, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return idx
}

func TestNewFlatIndex_InvalidDimension(t *testing.T) {
	if _, err := NewFlatIndex(0); !errors.Is(err, ErrInvalidDimension) {
		t.Fatalf("expected ErrInvalidDimension, got %v", err)
	}
}

func TestFlatIndex_SearchRanking(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	query := unit(1, 0, 0)
	// Cosine with query: id 1 -> 0.6, id 2 -> 1.0, id 3 -> 0.0
	if err := idx.Add(ctx, 1, unit(0.6, 0.8, 0)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, 2, unit(1, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, 3, unit(0, 0, 1)); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, query, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []int64{2, 1, 3}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, id := range want {
		if results[i].ImageID != id {
			t.Errorf("rank %d: got id %d, want %d", i, results[i].ImageID, id)
		}
	}
	if math.Abs(results[0].Score-1.0) > 1e-6 {
		t.Errorf("top score = %f, want 1.0", results[0].Score)
	}
	if math.Abs(results[1].Score-0.6) > 1e-6 {
		t.Errorf("second score = %f, want 0.6", results[1].Score)
	}
}

func TestFlatIndex_TiesBrokenByInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	v := unit(1, 1)
	for _, id := range []int64{30, 10, 20} {
		if err := idx.Add(ctx, id, v); err != nil {
			t.Fatal(err)
		}
	}
	results, err := idx.Search(ctx, v, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].ImageID != 30 || results[1].ImageID != 10 {
		t.Fatalf("expected [30 10], got %+v", results)
	}
}

func TestFlatIndex_SearchEmpty(t *testing.T) {
	idx := newTestIndex(t, 4)
	results, err := idx.Search(context.Background(), unit(1, 0, 0, 0), 5)
	if err != nil {
		t.Fatalf("search on empty index should not fail: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", results)
	}
}

func TestFlatIndex_TopKLargerThanSize(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	_ = idx.Add(ctx, 1, unit(1, 0))
	_ = idx.Add(ctx, 2, unit(0, 1))
	_ = idx.Add(ctx, 3, unit(1, 1))

	results, err := idx.Search(ctx, unit(1, 0), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted descending at %d: %f > %f", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestFlatIndex_SearchNonPositiveK(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	_ = idx.Add(ctx, 1, unit(1, 0))
	results, err := idx.Search(ctx, unit(1, 0), 0)
	if err != nil || len(results) != 0 {
		t.Fatalf("expected empty result for k=0, got %v, %v", results, err)
	}
}

func TestFlatIndex_DimensionGuard(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.vqix")
	idx := newTestIndex(t, 3, WithSnapshotPath(path))

	err := idx.Add(ctx, 1, []float32{1, 0})
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Fatalf("expected DimensionMismatchError, got %v", err)
	}
	if dm.Expected != 3 || dm.Actual != 2 {
		t.Errorf("unexpected mismatch fields: %+v", dm)
	}
	if idx.Size() != 0 {
		t.Errorf("index mutated on rejected add: size %d", idx.Size())
	}
	if idx.State() != StateLoaded {
		t.Errorf("state = %s, want %s", idx.State(), StateLoaded)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("rejected add must not write a snapshot, stat err = %v", err)
	}

	if _, err := idx.Search(ctx, []float32{1}, 1); !IsDimensionMismatch(err) {
		t.Errorf("expected dimension mismatch on search, got %v", err)
	}
}

func TestFlatIndex_RejectsNonUnitVectors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.vqix")
	idx := newTestIndex(t, 2, WithSnapshotPath(path))

	tests := []struct {
		name string
		vec  []float32
	}{
		{"scaled", []float32{3, 4}},
		{"zero", []float32{0, 0}},
		{"slightly long", []float32{1.01, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.Add(ctx, 1, tt.vec)
			var nn *NotNormalizedError
			if !errors.As(err, &nn) {
				t.Fatalf("expected NotNormalizedError, got %v", err)
			}
		})
	}
	if idx.Size() != 0 || idx.Contains(1) {
		t.Errorf("rejected adds mutated the index: size %d", idx.Size())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("rejected add must not write a snapshot, stat err = %v", err)
	}

	if err := idx.Add(ctx, 1, []float32{0.6, 0.8}); err != nil {
		t.Fatalf("unit vector rejected: %v", err)
	}
	if err := idx.Add(ctx, 2, []float32{0.9999, 0}); err != nil {
		t.Fatalf("vector within tolerance rejected: %v", err)
	}
}

func TestFlatIndex_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	if err := idx.Add(ctx, 7, unit(1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(ctx, 7, unit(0, 1)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("size = %d, want 1", idx.Size())
	}
}

func TestFlatIndex_Remove(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	_ = idx.Add(ctx, 1, unit(1, 0))
	_ = idx.Add(ctx, 2, unit(1, 0.1))
	_ = idx.Add(ctx, 3, unit(0, 1))

	n, err := idx.Remove(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d entries, want 1", n)
	}
	if idx.Size() != 2 {
		t.Fatalf("size = %d, want 2", idx.Size())
	}
	results, _ := idx.Search(ctx, unit(1, 0.1), 10)
	for _, r := range results {
		if r.ImageID == 2 {
			t.Fatal("removed id returned by search")
		}
	}
	if idx.Contains(2) {
		t.Error("Contains(2) after remove")
	}
	if got := idx.IDs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("IDs() = %v, want [1 3]", got)
	}
	if v, ok := idx.Get(3); !ok || math.Abs(InnerProduct(v, unit(0, 1))-1) > 1e-6 {
		t.Error("vector for id 3 not preserved across rebuild")
	}
}

func TestFlatIndex_RemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.vqix")
	idx := newTestIndex(t, 2, WithSnapshotPath(path))
	_ = idx.Add(ctx, 1, unit(1, 0))
	_ = idx.Add(ctx, 2, unit(0, 1))

	if _, err := idx.Remove(ctx, 1); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	n, err := idx.Remove(ctx, 1)
	if err != nil || n != 0 {
		t.Fatalf("second remove = (%d, %v), want (0, nil)", n, err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("second remove changed the snapshot")
	}
	if idx.Size() != 1 {
		t.Errorf("size = %d, want 1", idx.Size())
	}
}

func TestFlatIndex_SearchSeesConsistentStateDuringRemove(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	_ = idx.Add(ctx, 1, unit(1, 0))
	_ = idx.Add(ctx, 2, unit(0, 1))

	// A search holding the pre-remove state keeps seeing a complete view.
	before := idx.current.Load()
	if _, err := idx.Remove(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if len(before.ids) != 2 || len(before.vectors) != 4 {
		t.Fatalf("old state modified in place: %+v", before)
	}
}

func TestFlatIndex_PersistenceErrorKeepsMutation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, 2, WithSnapshotPath(filepath.Join(blocker, "index.vqix")))

	err := idx.Add(ctx, 1, unit(1, 0))
	if !IsPersistenceError(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !idx.Contains(1) || idx.Size() != 1 {
		t.Error("in-memory add must survive a failed persist")
	}
	if idx.State() != StateMutated {
		t.Errorf("state = %s, want %s", idx.State(), StateMutated)
	}
	results, _ := idx.Search(ctx, unit(1, 0), 1)
	if len(results) != 1 || results[0].ImageID != 1 {
		t.Errorf("expected id 1 searchable, got %v", results)
	}
}

func TestFlatIndex_CancelledContext(t *testing.T) {
	idx := newTestIndex(t, 2)
	_ = idx.Add(context.Background(), 1, unit(1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := idx.Add(ctx, 2, unit(0, 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Add: expected context.Canceled, got %v", err)
	}
	if _, err := idx.Search(ctx, unit(1, 0), 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Search: expected context.Canceled, got %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("size = %d, want 1", idx.Size())
	}
}

func TestFlatIndex_ConcurrentAddAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 4, WithSnapshotPath(filepath.Join(t.TempDir(), "index.vqix")))

	const writers = 4
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := int64(w*perWriter + i + 1)
				if err := idx.Add(ctx, id, unit(float32(w+1), float32(i+1), 1, 0.5)); err != nil {
					t.Errorf("add %d: %v", id, err)
					return
				}
				if _, err := idx.Search(ctx, unit(1, 1, 1, 1), 5); err != nil {
					t.Errorf("search: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				results, err := idx.Search(ctx, unit(0, 1, 0, 0), 10)
				if err != nil {
					t.Errorf("search: %v", err)
					return
				}
				for _, res := range results {
					if res.ImageID <= 0 {
						t.Errorf("torn read: id %d", res.ImageID)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if idx.Size() != writers*perWriter {
		t.Fatalf("size = %d, want %d", idx.Size(), writers*perWriter)
	}

	reloaded := newTestIndex(t, 4, WithSnapshotPath(idx.SnapshotPath()))
	if reloaded.Size() != writers*perWriter {
		t.Errorf("reloaded size = %d, want %d", reloaded.Size(), writers*perWriter)
	}
}

func TestFlatIndex_AddThenSearchFinds(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)
	for i := int64(1); i <= 20; i++ {
		_ = idx.Add(ctx, i, unit(float32(i), 1, 1))
	}
	target := unit(-1, 5, 0)
	if err := idx.Add(ctx, 99, target); err != nil {
		t.Fatal(err)
	}
	results, _ := idx.Search(ctx, target, 1)
	if len(results) != 1 || results[0].ImageID != 99 {
		t.Fatalf("expected 99 on top, got %v", results)
	}
}

func TestFlatIndex_IDBitmapIsCopy(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)
	_ = idx.Add(ctx, 5, unit(1, 0))
	bm := idx.IDBitmap()
	bm.Add(6)
	if idx.Contains(6) {
		t.Error("IDBitmap must return a copy")
	}
	if !bm.Contains(5) {
		t.Error("bitmap missing indexed id")
	}
}
