package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hyperjump/visionquery/internal/models"
)

// ErrUsernameTaken is returned by CreateUser for an existing username.
var ErrUsernameTaken = errors.New("username already exists")

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		filepath TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		classification TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		uploaded_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_images_user_id ON images(user_id);
	CREATE INDEX IF NOT EXISTS idx_images_live ON images(id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS search_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		query_text TEXT NOT NULL,
		results_count INTEGER NOT NULL,
		searched_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_history_user ON search_history(user_id, searched_at);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateUser inserts a user.
func (s *SQLiteStorage) CreateUser(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	u := &models.User{Username: username, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)`, u.Username, u.CreatedAt)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns a user by ID.
func (s *SQLiteStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = ?`, id))
}

// GetUserByName returns a user by username.
func (s *SQLiteStorage) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE username = ?`, username))
}

func (s *SQLiteStorage) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateImage inserts an image record and returns it with its assigned ID.
func (s *SQLiteStorage) CreateImage(ctx context.Context, in models.ImageInput) (*models.Image, error) {
	img := &models.Image{
		UserID:      in.UserID,
		Filename:    in.Filename,
		Filepath:    in.Filepath,
		ContentType: in.ContentType,
		SizeBytes:   in.SizeBytes,
		UploadedAt:  time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO images (user_id, filename, filepath, content_type, size_bytes, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		img.UserID, img.Filename, img.Filepath, img.ContentType, img.SizeBytes, img.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	if img.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return img, nil
}

const imageColumns = `id, user_id, filename, filepath, content_type, size_bytes,
	classification, confidence, uploaded_at, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImage(row rowScanner) (*models.Image, error) {
	var img models.Image
	var deleted sql.NullTime
	if err := row.Scan(&img.ID, &img.UserID, &img.Filename, &img.Filepath, &img.ContentType,
		&img.SizeBytes, &img.Classification, &img.Confidence, &img.UploadedAt, &deleted); err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		img.DeletedAt = &t
	}
	return &img, nil
}

// GetImage returns a live image by ID.
func (s *SQLiteStorage) GetImage(ctx context.Context, id int64) (*models.Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return img, err
}

// GetImages returns the live images among ids keyed by ID. Missing ids are absent from the map.
func (s *SQLiteStorage) GetImages(ctx context.Context, ids []int64) (map[int64]*models.Image, error) {
	out := make(map[int64]*models.Image, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE deleted_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out[img.ID] = img
	}
	return out, rows.Err()
}

// FindImage returns the owner of a live image. Soft-deleted or unknown ids report exists=false.
func (s *SQLiteStorage) FindImage(ctx context.Context, imageID int64) (int64, bool, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM images WHERE id = ? AND deleted_at IS NULL`, imageID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return userID, true, nil
}

// ListImagesByUser returns a user's live images, newest first.
func (s *SQLiteStorage) ListImagesByUser(ctx context.Context, userID int64, offset, limit int) ([]*models.Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images
		 WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY uploaded_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// ListLiveImageIDs returns up to limit live image IDs greater than afterID in ascending order.
func (s *SQLiteStorage) ListLiveImageIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM images WHERE deleted_at IS NULL AND id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteImage marks an image deleted. Deleting an already-deleted image returns ErrNotFound.
func (s *SQLiteStorage) SoftDeleteImage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateClassification stores the zero-shot label for an image.
func (s *SQLiteStorage) UpdateClassification(ctx context.Context, id int64, label string, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET classification = ?, confidence = ? WHERE id = ? AND deleted_at IS NULL`,
		label, confidence, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSearchHistory records a query.
func (s *SQLiteStorage) CreateSearchHistory(ctx context.Context, h *models.SearchHistory) error {
	if h.SearchedAt.IsZero() {
		h.SearchedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO search_history (user_id, query_text, results_count, searched_at) VALUES (?, ?, ?, ?)`,
		h.UserID, h.QueryText, h.ResultsCount, h.SearchedAt)
	if err != nil {
		return err
	}
	h.ID, err = res.LastInsertId()
	return err
}

// ListSearchHistory returns a user's queries, newest first.
func (s *SQLiteStorage) ListSearchHistory(ctx context.Context, userID int64, limit int) ([]*models.SearchHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, query_text, results_count, searched_at FROM search_history
		 WHERE user_id = ? ORDER BY searched_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SearchHistory
	for rows.Next() {
		var h models.SearchHistory
		if err := rows.Scan(&h.ID, &h.UserID, &h.QueryText, &h.ResultsCount, &h.SearchedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// CountImages returns the number of live images.
func (s *SQLiteStorage) CountImages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE deleted_at IS NULL`).Scan(&count)
	return count, err
}

// CountUsers returns the number of users.
func (s *SQLiteStorage) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
