package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/visionquery/internal/embedding"
	"github.com/hyperjump/visionquery/internal/ingest"
	"github.com/hyperjump/visionquery/internal/keyword"
	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/internal/storage"
	"go.uber.org/zap"
)

// UserHeader carries the authenticated caller's user ID.
const UserHeader = "X-User-ID"

const (
	defaultListLimit    = 50
	maxListLimit        = 200
	defaultHistoryLimit = 50
)

type ctxKey int

const userIDKey ctxKey = iota

func userID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// requireUser resolves the caller from UserHeader and rejects unknown users with 401.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			s.respondError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.respondError(w, http.StatusUnauthorized, "invalid "+UserHeader+" header")
			return
		}
		if _, err := s.deps.Storage.GetUser(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.respondError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			s.logger.Error("user lookup failed", zap.Int64("user_id", id), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

type createUserRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		s.respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	user, err := s.deps.Storage.CreateUser(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrUsernameTaken) {
			s.respondError(w, http.StatusConflict, "username already exists")
			return
		}
		s.logger.Error("create user failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, user)
}

// handleUpload stores the image and its record, then ingests it. Ingestion failures leave
// the upload in place; the response reports indexed=false and the reconciler retries later.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)
	maxBytes := s.config.Server.MaxUploadBytes

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "file is empty")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		s.respondError(w, http.StatusBadRequest, "file must be an image")
		return
	}

	path, err := s.deps.Files.Save(uid, header.Filename, data)
	if err != nil {
		s.logger.Error("saving upload failed", zap.Int64("user_id", uid), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	img, err := s.deps.Storage.CreateImage(ctx, models.ImageInput{
		UserID:      uid,
		Filename:    header.Filename,
		Filepath:    path,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	})
	if err != nil {
		_ = s.deps.Files.Delete(path)
		s.logger.Error("creating image record failed", zap.Int64("user_id", uid), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("image uploaded", zap.Int64("image_id", img.ID), zap.Int64("user_id", uid),
		zap.String("filename", img.Filename), zap.Int64("size_bytes", img.SizeBytes))

	if err := s.deps.Pipeline.Ingest(ctx, img.ID, data); err != nil {
		s.logger.Warn("upload stored but not indexed", zap.Int64("image_id", img.ID), zap.Error(err))
	}
	if fresh, err := s.deps.Storage.GetImage(ctx, img.ID); err == nil {
		img = fresh
	}
	img.Indexed = s.deps.Index.Contains(img.ID)
	s.respondJSON(w, http.StatusCreated, img)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		s.respondError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		s.respondError(w, http.StatusBadRequest, "offset must be non-negative")
		return
	}

	var images []*models.Image
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" && s.deps.Keyword != nil {
		images, err = s.keywordImages(ctx, uid, q, offset, limit)
	} else {
		images, err = s.deps.Storage.ListImagesByUser(ctx, uid, offset, limit)
	}
	if err != nil {
		s.logger.Error("list images failed", zap.Int64("user_id", uid), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, img := range images {
		img.Indexed = s.deps.Index.Contains(img.ID)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"images": images,
		"total":  len(images),
	})
}

// keywordImages returns one page of the caller's images matching q by filename or label, best first.
func (s *Server) keywordImages(ctx context.Context, uid int64, q string, offset, limit int) ([]*models.Image, error) {
	hits, err := s.deps.Keyword.Search(ctx, uid, q, limit, &keyword.SearchOptions{FuzzyEnabled: true, Offset: offset})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ImageID
	}
	byID, err := s.deps.Storage.GetImages(ctx, ids)
	if err != nil {
		return nil, err
	}
	images := make([]*models.Image, 0, len(hits))
	for _, id := range ids {
		if img, ok := byID[id]; ok && img.UserID == uid {
			images = append(images, img)
		}
	}
	return images, nil
}

// ownedImage loads an image the caller owns. Other users' and deleted images are reported as not found.
func (s *Server) ownedImage(w http.ResponseWriter, r *http.Request, id int64) (*models.Image, bool) {
	img, err := s.deps.Storage.GetImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "image not found")
			return nil, false
		}
		s.logger.Error("get image failed", zap.Int64("image_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if img.UserID != userID(r.Context()) {
		s.respondError(w, http.StatusNotFound, "image not found")
		return nil, false
	}
	return img, true
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid image id")
		return
	}
	img, ok := s.ownedImage(w, r, id)
	if !ok {
		return
	}
	img.Indexed = s.deps.Index.Contains(img.ID)
	s.respondJSON(w, http.StatusOK, img)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid image id")
		return
	}
	img, ok := s.ownedImage(w, r, id)
	if !ok {
		return
	}
	s.logger.Debug("delete image request", zap.Int64("image_id", id))
	if err := s.deps.Storage.SoftDeleteImage(ctx, id); err != nil {
		s.logger.Error("soft delete failed", zap.Int64("image_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The record is gone for search purposes already; index and file cleanup are best effort.
	if err := s.deps.Pipeline.Remove(ctx, id); err != nil {
		s.logger.Warn("index removal incomplete", zap.Int64("image_id", id), zap.Error(err))
	}
	if err := s.deps.Files.Delete(img.Filepath); err != nil {
		s.logger.Warn("deleting image file failed", zap.Int64("image_id", id), zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := models.SearchQuery{
		Query:  r.URL.Query().Get("q"),
		UserID: userID(r.Context()),
	}
	topK, err := intParam(r, "top_k", s.config.Search.DefaultTopK)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "top_k must be an integer")
		return
	}
	query.TopK = topK
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if query.MinScore, err = strconv.ParseFloat(raw, 64); err != nil {
			s.respondError(w, http.StatusBadRequest, "min_score must be a number")
			return
		}
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if maxTopK := s.config.Search.MaxTopK; maxTopK > 0 && query.TopK > maxTopK {
		s.respondError(w, http.StatusBadRequest, "top_k must be between 1 and "+strconv.Itoa(maxTopK))
		return
	}

	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("top_k", query.TopK),
		zap.Int64("user_id", query.UserID))
	response, err := s.deps.Engine.Search(r.Context(), &query)
	if err != nil {
		status := embeddingStatus(err)
		s.logger.Error("search failed", zap.Int("status", status), zap.Error(err))
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if target != userID(ctx) {
		s.respondError(w, http.StatusForbidden, "cannot read another user's history")
		return
	}
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		s.respondError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	history, err := s.deps.Storage.ListSearchHistory(ctx, target, limit)
	if err != nil {
		s.logger.Error("list history failed", zap.Int64("user_id", target), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"history": history, "total": len(history)})
}

// handleClassify returns the stored label, or computes one from the indexed vector
// (re-embedding the stored file when the image is not indexed) and stores it.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.URL.Query().Get("image_id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "image_id is required")
		return
	}
	img, ok := s.ownedImage(w, r, id)
	if !ok {
		return
	}
	if img.Classification != "" {
		s.respondJSON(w, http.StatusOK, models.Classification{ImageID: id, Label: img.Classification, Confidence: img.Confidence})
		return
	}
	if s.deps.Classifier == nil {
		s.respondError(w, http.StatusNotImplemented, "classification not enabled")
		return
	}

	var label string
	var confidence float64
	if vec, ok := s.deps.Index.Get(id); ok {
		label, confidence, err = s.deps.Classifier.Classify(ctx, vec)
	} else {
		var data []byte
		if data, err = s.deps.Files.Read(img.Filepath); err == nil {
			label, confidence, err = s.deps.Classifier.ClassifyImage(ctx, data)
		}
	}
	if err != nil {
		status := embeddingStatus(err)
		s.logger.Error("classification failed", zap.Int64("image_id", id), zap.Int("status", status), zap.Error(err))
		s.respondError(w, status, err.Error())
		return
	}
	if err := s.deps.Storage.UpdateClassification(ctx, id, label, confidence); err != nil {
		s.logger.Warn("failed to store classification", zap.Int64("image_id", id), zap.Error(err))
	} else {
		img.Classification, img.Confidence = label, confidence
		if s.deps.Pipeline != nil {
			s.deps.Pipeline.IndexKeywords(ctx, img)
		}
	}
	s.respondJSON(w, http.StatusOK, models.Classification{ImageID: id, Label: label, Confidence: confidence})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		s.respondError(w, http.StatusNotImplemented, "reconciliation not enabled")
		return
	}
	result, err := s.deps.Reconciler.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, ingest.ErrSweepRunning) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("reconcile failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// Status reports record counts, index state, selected configuration and disk usage.
func (s *Server) Status(ctx context.Context) (map[string]interface{}, error) {
	imageCount, err := s.deps.Storage.CountImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("count images: %w", err)
	}
	userCount, err := s.deps.Storage.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	indexInfo := map[string]interface{}{
		"size":       s.deps.Index.Size(),
		"dimensions": s.deps.Index.Dimensions(),
		"state":      s.deps.Index.State(),
	}
	if loadErr := s.deps.Index.LoadError(); loadErr != nil {
		indexInfo["load_error"] = loadErr.Error()
	}
	resp := map[string]interface{}{
		"images": imageCount,
		"users":  userCount,
		"index":  indexInfo,
	}
	if s.deps.Keyword != nil {
		if n, err := s.deps.Keyword.DocCount(); err == nil {
			resp["keyword_documents"] = n
		}
	}

	cfg := s.config
	resp["config"] = map[string]interface{}{
		"embedding_provider":   cfg.Embedding.Provider,
		"embedding_dimensions": cfg.Embedding.Dimensions,
		"index_compression":    cfg.Index.Compression,
		"oversample_factor":    cfg.Search.OversampleFactor,
		"max_top_k":            cfg.Search.MaxTopK,
		"database_path":        cfg.Storage.DatabasePath,
		"snapshot_path":        cfg.Storage.SnapshotPath,
		"upload_dir":           cfg.Storage.UploadDir,
	}
	usage, err := storage.MeasureDiskUsage(storage.DiskPaths{
		Database: cfg.Storage.DatabasePath,
		Snapshot: cfg.Storage.SnapshotPath,
		Uploads:  cfg.Storage.UploadDir,
		Keyword:  cfg.Storage.KeywordIndexPath,
	})
	if err != nil {
		s.logger.Warn("disk usage unavailable", zap.Error(err))
	} else {
		resp["disk_usage_bytes"] = usage.Total()
		resp["disk_usage"] = usage.Map()
	}
	return resp, nil
}

// embeddingStatus maps provider failures to HTTP status codes.
func embeddingStatus(err error) int {
	switch {
	case embedding.IsModelUnavailable(err):
		return http.StatusServiceUnavailable
	case embedding.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
