// Package storage defines the record store for users, images and search history.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/visionquery/internal/models"
)

// ErrNotFound is returned when a requested record does not exist (or is soft-deleted).
var ErrNotFound = errors.New("record not found")

// ImageLookup resolves image ownership. FindImage reports exists=false for soft-deleted images.
type ImageLookup interface {
	FindImage(ctx context.Context, imageID int64) (userID int64, exists bool, err error)
}

// Storage defines user, image and history persistence operations.
type Storage interface {
	ImageLookup

	// User operations
	CreateUser(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByName(ctx context.Context, username string) (*models.User, error)

	// Image operations
	CreateImage(ctx context.Context, in models.ImageInput) (*models.Image, error)
	GetImage(ctx context.Context, id int64) (*models.Image, error)
	GetImages(ctx context.Context, ids []int64) (map[int64]*models.Image, error)
	ListImagesByUser(ctx context.Context, userID int64, offset, limit int) ([]*models.Image, error)
	ListLiveImageIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	SoftDeleteImage(ctx context.Context, id int64) error
	UpdateClassification(ctx context.Context, id int64, label string, confidence float64) error

	// History
	CreateSearchHistory(ctx context.Context, h *models.SearchHistory) error
	ListSearchHistory(ctx context.Context, userID int64, limit int) ([]*models.SearchHistory, error)

	// Stats
	CountImages(ctx context.Context) (int64, error)
	CountUsers(ctx context.Context) (int64, error)

	Close() error
}
