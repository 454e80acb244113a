// Package server provides the HTTP API for VisionQuery.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/visionquery/internal/classify"
	"github.com/hyperjump/visionquery/internal/config"
	"github.com/hyperjump/visionquery/internal/files"
	"github.com/hyperjump/visionquery/internal/ingest"
	"github.com/hyperjump/visionquery/internal/keyword"
	"github.com/hyperjump/visionquery/internal/search"
	"github.com/hyperjump/visionquery/internal/storage"
	"github.com/hyperjump/visionquery/internal/vector"
	"go.uber.org/zap"
)

// VectorIndex is the read side of the image index the API reports on.
type VectorIndex interface {
	Contains(imageID int64) bool
	Get(imageID int64) ([]float32, bool)
	Size() int
	Dimensions() int
	State() vector.State
	LoadError() error
}

// Deps are the collaborators a Server routes requests to.
// Keyword, Classifier and Reconciler are optional.
type Deps struct {
	Storage    storage.Storage
	Files      *files.LocalStore
	Index      VectorIndex
	Engine     *search.Engine
	Pipeline   *ingest.Pipeline
	Keyword    keyword.KeywordIndex
	Classifier *classify.Classifier
	Reconciler *ingest.Reconciler
}

// Server is the HTTP server for the VisionQuery API.
type Server struct {
	deps   Deps
	config *config.Config
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5, "application/json"))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Get("/status", s.handleStatus)
		r.Post("/admin/reconcile", s.handleReconcile)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/upload", s.handleUpload)
			r.Get("/images", s.handleListImages)
			r.Get("/images/{id}", s.handleGetImage)
			r.Delete("/images/{id}", s.handleDeleteImage)
			r.Get("/search", s.handleSearch)
			r.Get("/history/{user_id}", s.handleHistory)
			r.Get("/classify", s.handleClassify)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
