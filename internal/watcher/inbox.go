package watcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/visionquery/internal/files"
	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/internal/storage"
)

var (
	// ErrNotInbox is returned for paths that are not root/<user_id>/<file>.
	ErrNotInbox = errors.New("path is not inside a user inbox folder")
	// ErrNotImage is returned for files whose content is not an image.
	ErrNotImage = errors.New("file is not an image")
)

// Ingester indexes a stored image.
type Ingester interface {
	Ingest(ctx context.Context, imageID int64, data []byte) error
}

// Importer turns inbox files into stored, indexed images.
type Importer struct {
	root     string
	storage  storage.Storage
	files    *files.LocalStore
	ingester Ingester
	maxBytes int64
	logger   *zap.Logger

	// mu serializes imports so a file reported twice is only recorded once.
	mu sync.Mutex
}

// NewImporter creates an importer for the inbox at root. maxBytes <= 0 means no size limit.
func NewImporter(root string, store storage.Storage, fs *files.LocalStore, ingester Ingester, maxBytes int64, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		root:     filepath.Clean(root),
		storage:  store,
		files:    fs,
		ingester: ingester,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Import moves the file at path into the file store under its folder's user, records it,
// and ingests it. The inbox copy is removed once the record exists. Ingestion failures
// are logged only: the image stays stored and the reconciler picks it up later.
func (im *Importer) Import(ctx context.Context, path string) (*models.Image, error) {
	userID, ok := OwnerOf(im.root, path)
	if !ok {
		return nil, ErrNotInbox
	}
	im.mu.Lock()
	defer im.mu.Unlock()

	if _, err := im.storage.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("inbox owner %d: %w", userID, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if im.maxBytes > 0 && info.Size() > im.maxBytes {
		return nil, fmt.Errorf("file %s is %d bytes, limit is %d", filepath.Base(path), info.Size(), im.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrNotImage
	}

	name := filepath.Base(path)
	stored, err := im.files.Save(userID, name, data)
	if err != nil {
		return nil, err
	}
	img, err := im.storage.CreateImage(ctx, models.ImageInput{
		UserID:      userID,
		Filename:    name,
		Filepath:    stored,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	})
	if err != nil {
		_ = im.files.Delete(stored)
		return nil, fmt.Errorf("failed to record inbox image: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		im.logger.Warn("failed to remove imported inbox file", zap.String("path", path), zap.Error(err))
	}
	im.logger.Info("inbox image imported",
		zap.Int64("image_id", img.ID), zap.Int64("user_id", userID), zap.String("filename", name))

	if err := im.ingester.Ingest(ctx, img.ID, data); err != nil {
		im.logger.Warn("inbox image stored but not indexed", zap.Int64("image_id", img.ID), zap.Error(err))
	}
	return img, nil
}

// Handle is a Watcher callback that imports path and logs the outcome.
func (im *Importer) Handle(ctx context.Context) func(path string) {
	return func(path string) {
		if _, err := im.Import(ctx, path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			im.logger.Warn("inbox import failed", zap.String("path", path), zap.Error(err))
		}
	}
}
