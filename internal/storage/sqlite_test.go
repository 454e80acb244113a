package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/visionquery/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStorage_Users(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == 0 || u.CreatedAt.IsZero() {
		t.Errorf("user not populated: %+v", u)
	}
	if _, err := store.CreateUser(ctx, "alice"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := store.CreateUser(ctx, "  "); err == nil {
		t.Error("expected error for empty username")
	}

	got, err := store.GetUser(ctx, u.ID)
	if err != nil || got.Username != "alice" {
		t.Errorf("GetUser = %+v, %v", got, err)
	}
	got, err = store.GetUserByName(ctx, "alice")
	if err != nil || got.ID != u.ID {
		t.Errorf("GetUserByName = %+v, %v", got, err)
	}
	if _, err := store.GetUser(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n, _ := store.CountUsers(ctx); n != 1 {
		t.Errorf("CountUsers = %d, want 1", n)
	}
}

func TestSQLiteStorage_Images(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice, _ := store.CreateUser(ctx, "alice")
	bob, _ := store.CreateUser(ctx, "bob")

	img, err := store.CreateImage(ctx, models.ImageInput{
		UserID: alice.ID, Filename: "cat.png", Filepath: "/tmp/cat.png", ContentType: "image/png", SizeBytes: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	other, _ := store.CreateImage(ctx, models.ImageInput{UserID: bob.ID, Filename: "dog.png", Filepath: "/tmp/dog.png"})

	owner, exists, err := store.FindImage(ctx, img.ID)
	if err != nil || !exists || owner != alice.ID {
		t.Errorf("FindImage = (%d, %v, %v)", owner, exists, err)
	}
	if _, exists, _ := store.FindImage(ctx, 12345); exists {
		t.Error("unknown image should not exist")
	}

	got, err := store.GetImage(ctx, img.ID)
	if err != nil || got.Filename != "cat.png" || got.SizeBytes != 10 {
		t.Errorf("GetImage = %+v, %v", got, err)
	}

	if err := store.UpdateClassification(ctx, img.ID, "Animal", 0.93); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetImage(ctx, img.ID)
	if got.Classification != "Animal" || got.Confidence != 0.93 {
		t.Errorf("classification not stored: %+v", got)
	}

	list, err := store.ListImagesByUser(ctx, alice.ID, 0, 10)
	if err != nil || len(list) != 1 || list[0].ID != img.ID {
		t.Errorf("ListImagesByUser = %v, %v", list, err)
	}

	byID, err := store.GetImages(ctx, []int64{img.ID, other.ID, 777})
	if err != nil || len(byID) != 2 {
		t.Errorf("GetImages = %v, %v", byID, err)
	}

	if err := store.SoftDeleteImage(ctx, img.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.SoftDeleteImage(ctx, img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
	if _, exists, _ := store.FindImage(ctx, img.ID); exists {
		t.Error("soft-deleted image must report exists=false")
	}
	if _, err := store.GetImage(ctx, img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetImage after delete: %v", err)
	}
	if n, _ := store.CountImages(ctx); n != 1 {
		t.Errorf("CountImages = %d, want 1", n)
	}
}

func TestSQLiteStorage_ListLiveImageIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	u, _ := store.CreateUser(ctx, "alice")

	var ids []int64
	for i := 0; i < 5; i++ {
		img, err := store.CreateImage(ctx, models.ImageInput{UserID: u.ID, Filename: "x.png", Filepath: "x"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, img.ID)
	}
	_ = store.SoftDeleteImage(ctx, ids[2])

	page, err := store.ListLiveImageIDs(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0] != ids[0] || page[1] != ids[1] {
		t.Errorf("first page = %v", page)
	}
	page, _ = store.ListLiveImageIDs(ctx, page[1], 10)
	if len(page) != 2 || page[0] != ids[3] || page[1] != ids[4] {
		t.Errorf("second page = %v, want [%d %d]", page, ids[3], ids[4])
	}
}

func TestSQLiteStorage_SearchHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	u, _ := store.CreateUser(ctx, "alice")

	for _, q := range []string{"cats", "dogs", "beach"} {
		if err := store.CreateSearchHistory(ctx, &models.SearchHistory{UserID: u.ID, QueryText: q, ResultsCount: 2}); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := store.ListSearchHistory(ctx, u.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(hist))
	}
	if hist[0].QueryText != "beach" {
		t.Errorf("expected newest first, got %s", hist[0].QueryText)
	}
	other, _ := store.ListSearchHistory(ctx, u.ID+1, 10)
	if len(other) != 0 {
		t.Errorf("history leaked across users: %v", other)
	}
}
