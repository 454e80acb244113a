package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/visionquery/internal/classify"
	"github.com/hyperjump/visionquery/internal/config"
	"github.com/hyperjump/visionquery/internal/embedding"
	"github.com/hyperjump/visionquery/internal/files"
	"github.com/hyperjump/visionquery/internal/ingest"
	"github.com/hyperjump/visionquery/internal/keyword"
	"github.com/hyperjump/visionquery/internal/models"
	"github.com/hyperjump/visionquery/internal/search"
	"github.com/hyperjump/visionquery/internal/storage"
	"github.com/hyperjump/visionquery/internal/vector"
	"go.uber.org/zap"
)

const testDim = 16

type testServer struct {
	handler  http.Handler
	store    *storage.SQLiteStorage
	files    *files.LocalStore
	index    *vector.FlatIndex
	pipeline *ingest.Pipeline
	alice    int64
	bob      int64
}

func newTestServer(t *testing.T, provider embedding.Provider) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "vq.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	fs, err := files.NewLocalStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := vector.Open(testDim, vector.WithSnapshotPath(filepath.Join(dir, "images.vqix")))
	if err != nil {
		t.Fatal(err)
	}
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	if provider == nil {
		provider = embedding.NewMockProvider(testDim)
	}
	logger := zap.NewNop()
	classifier := classify.New(provider, classify.DefaultLabels)
	pipeline := ingest.NewPipeline(store, fs, provider, idx,
		ingest.WithLogger(logger), ingest.WithKeywordIndex(kw), ingest.WithClassifier(classifier))
	engine := search.NewEngine(store, provider, idx, search.WithLogger(logger))
	reconciler := ingest.NewReconciler(store, pipeline, idx,
		ingest.ReconcileConfig{RatePerSecond: 1000, Burst: 10}, logger)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimensions = testDim
	cfg.Storage.DatabasePath = filepath.Join(dir, "vq.db")
	cfg.Storage.UploadDir = fs.Root()
	cfg.Storage.SnapshotPath = idx.SnapshotPath()
	cfg.Storage.KeywordIndexPath = ""

	srv := NewServer(Deps{
		Storage:    store,
		Files:      fs,
		Index:      idx,
		Engine:     engine,
		Pipeline:   pipeline,
		Keyword:    kw,
		Classifier: classifier,
		Reconciler: reconciler,
	}, cfg, logger)

	ctx := context.Background()
	alice, err := store.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := store.CreateUser(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{handler: srv.Handler(), store: store, files: fs, index: idx, pipeline: pipeline,
		alice: alice.ID, bob: bob.ID}
}

func (ts *testServer) do(t *testing.T, method, target string, user int64, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, body)
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	if user != 0 {
		r.Header.Set(UserHeader, fmt.Sprint(user))
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// multipartBody builds a form with one "file" part. An empty contentType lets the writer default it.
func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, user int64, filename string, data []byte) *models.Image {
	t.Helper()
	body, ct := multipartBody(t, filename, "", data)
	w := ts.do(t, http.MethodPost, "/api/v1/upload", user, body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status: got %d, body: %s", w.Code, w.Body.String())
	}
	var img models.Image
	if err := json.NewDecoder(w.Body).Decode(&img); err != nil {
		t.Fatal(err)
	}
	return &img
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/health", 0, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestRequireUser(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not a number", "alice"},
		{"unknown user", "9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/search?q=cat", nil)
			if tt.header != "" {
				r.Header.Set(UserHeader, tt.header)
			}
			w := httptest.NewRecorder()
			ts.handler.ServeHTTP(w, r)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status: got %d, want 401", w.Code)
			}
		})
	}
}

func TestHandleCreateUser(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/v1/users", 0, bytes.NewBufferString(`{"username":"carol"}`), "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var u models.User
	if err := json.NewDecoder(w.Body).Decode(&u); err != nil {
		t.Fatal(err)
	}
	if u.ID == 0 || u.Username != "carol" {
		t.Errorf("user: got %+v", u)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/users", 0, bytes.NewBufferString(`{"username":"carol"}`), "application/json")
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status: got %d, want 409", w.Code)
	}
	w = ts.do(t, http.MethodPost, "/api/v1/users", 0, bytes.NewBufferString(`{"username":"  "}`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank status: got %d, want 400", w.Code)
	}
}

func TestHandleUpload_IndexesAndClassifies(t *testing.T) {
	ts := newTestServer(t, nil)
	img := ts.upload(t, ts.alice, "cat.png", pngBytes(t, color.RGBA{R: 200, A: 255}))
	if img.ID == 0 || img.UserID != ts.alice {
		t.Fatalf("image: got %+v", img)
	}
	if !img.Indexed {
		t.Error("uploaded image should be indexed")
	}
	if img.Classification != "Animal" && img.Classification != "Person" {
		t.Errorf("classification: got %q", img.Classification)
	}
	if img.ContentType != "image/png" {
		t.Errorf("content type: got %q", img.ContentType)
	}
	if !ts.index.Contains(img.ID) {
		t.Error("index should contain the uploaded image")
	}
}

func TestHandleUpload_RejectsNonImage(t *testing.T) {
	ts := newTestServer(t, nil)
	body, ct := multipartBody(t, "notes.txt", "", []byte("just some text"))
	w := ts.do(t, http.MethodPost, "/api/v1/upload", ts.alice, body, ct)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
	n, err := ts.store.CountImages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("no record should be created, got %d", n)
	}
}

func TestHandleUpload_UndecodableImageStillStored(t *testing.T) {
	ts := newTestServer(t, nil)
	body, ct := multipartBody(t, "broken.png", "image/png", []byte("not really a png"))
	w := ts.do(t, http.MethodPost, "/api/v1/upload", ts.alice, body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var img models.Image
	if err := json.NewDecoder(w.Body).Decode(&img); err != nil {
		t.Fatal(err)
	}
	if img.Indexed {
		t.Error("undecodable image must not be indexed")
	}
	if _, err := ts.store.GetImage(context.Background(), img.ID); err != nil {
		t.Errorf("record should remain retrievable: %v", err)
	}
}

func TestHandleGetImage_OwnerOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	img := ts.upload(t, ts.alice, "a.png", pngBytes(t, color.RGBA{G: 10, A: 255}))

	w := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/images/%d", img.ID), ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("owner status: got %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/images/%d", img.ID), ts.bob, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("other user status: got %d, want 404", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/v1/images/abc", ts.alice, nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id status: got %d, want 400", w.Code)
	}
}

func TestHandleListImages(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upload(t, ts.alice, "beach-sunset.png", pngBytes(t, color.RGBA{R: 1, A: 255}))
	ts.upload(t, ts.alice, "mountain.png", pngBytes(t, color.RGBA{R: 2, A: 255}))
	ts.upload(t, ts.bob, "beach-party.png", pngBytes(t, color.RGBA{R: 3, A: 255}))

	var out struct {
		Images []*models.Image `json:"images"`
		Total  int             `json:"total"`
	}
	w := ts.do(t, http.MethodGet, "/api/v1/images", ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 2 {
		t.Errorf("alice images: got %d, want 2", out.Total)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/images?q=beach", ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("keyword status: got %d", w.Code)
	}
	out.Images = nil
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Images) != 1 || out.Images[0].Filename != "beach-sunset.png" {
		t.Errorf("keyword results: got %+v", out.Images)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/images?q=beach&offset=1", ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("keyword offset status: got %d", w.Code)
	}
	out.Images = nil
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Images) != 0 {
		t.Errorf("keyword results past offset: got %+v", out.Images)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/images?limit=0", ts.alice, nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status: got %d, want 400", w.Code)
	}
}

func TestHandleSearch_OwnerFiltered(t *testing.T) {
	ts := newTestServer(t, nil)
	mine := map[int64]bool{}
	for i := 0; i < 3; i++ {
		img := ts.upload(t, ts.alice, fmt.Sprintf("a%d.png", i), pngBytes(t, color.RGBA{R: uint8(i + 1), A: 255}))
		mine[img.ID] = true
	}
	for i := 0; i < 3; i++ {
		ts.upload(t, ts.bob, fmt.Sprintf("b%d.png", i), pngBytes(t, color.RGBA{B: uint8(i + 1), A: 255}))
	}

	w := ts.do(t, http.MethodGet, "/api/v1/search?q=a+red+square&top_k=5", ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 {
		t.Errorf("total: got %d, want 3", resp.Total)
	}
	if !resp.Partial {
		t.Error("fewer than top_k results should be flagged partial")
	}
	for i, r := range resp.Results {
		if !mine[r.ImageID] {
			t.Errorf("result %d: image %d is not owned by the caller", i, r.ImageID)
		}
		if i > 0 && r.Score > resp.Results[i-1].Score {
			t.Errorf("results not sorted by score at %d", i)
		}
	}
}

func TestHandleSearch_BadParams(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, target := range []string{
		"/api/v1/search?q=",
		"/api/v1/search?q=cat&top_k=21",
		"/api/v1/search?q=cat&top_k=0x",
		"/api/v1/search?q=cat&top_k=-1",
		"/api/v1/search?q=cat&min_score=high",
	} {
		w := ts.do(t, http.MethodGet, target, ts.alice, nil, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", target, w.Code)
		}
	}
}

func TestHandleSearch_ModelUnavailable(t *testing.T) {
	provider := embedding.NewStaticProvider(testDim)
	provider.SetError(errors.New("model not loaded"))
	ts := newTestServer(t, provider)
	w := ts.do(t, http.MethodGet, "/api/v1/search?q=cat", ts.alice, nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
}

func TestHandleDeleteImage(t *testing.T) {
	ts := newTestServer(t, nil)
	img := ts.upload(t, ts.alice, "gone.png", pngBytes(t, color.RGBA{R: 9, A: 255}))
	stored, err := ts.store.GetImage(context.Background(), img.ID)
	if err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/images/%d", img.ID), ts.bob, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("other user delete: got %d, want 404", w.Code)
	}
	w = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/images/%d", img.ID), ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status: got %d, body: %s", w.Code, w.Body.String())
	}
	if ts.index.Contains(img.ID) {
		t.Error("deleted image should be removed from the index")
	}
	if _, err := os.Stat(stored.Filepath); !os.IsNotExist(err) {
		t.Errorf("file should be deleted, stat err: %v", err)
	}
	w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/images/%d", img.ID), ts.alice, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", w.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upload(t, ts.alice, "a.png", pngBytes(t, color.RGBA{R: 5, A: 255}))
	w := ts.do(t, http.MethodGet, "/api/v1/search?q=dog", ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("search status: got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/history/%d", ts.alice), ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status: got %d", w.Code)
	}
	var out struct {
		History []*models.SearchHistory `json:"history"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.History) != 1 || out.History[0].QueryText != "dog" || out.History[0].ResultsCount != 1 {
		t.Errorf("history: got %+v", out.History)
	}

	w = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/history/%d", ts.alice), ts.bob, nil, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("other user history: got %d, want 403", w.Code)
	}
}

func TestHandleClassify(t *testing.T) {
	ts := newTestServer(t, nil)
	img := ts.upload(t, ts.alice, "pet.png", pngBytes(t, color.RGBA{G: 40, A: 255}))

	w := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/classify?image_id=%d", img.ID), ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var c models.Classification
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.ImageID != img.ID || c.Label != img.Classification {
		t.Errorf("classification: got %+v, want label %q", c, img.Classification)
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		t.Errorf("confidence out of range: %f", c.Confidence)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/classify", ts.alice, nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing image_id: got %d, want 400", w.Code)
	}
}

func TestHandleClassify_ComputesForUnclassifiedImage(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	data := pngBytes(t, color.RGBA{B: 77, A: 255})
	path, err := ts.files.Save(ts.alice, "late.png", data)
	if err != nil {
		t.Fatal(err)
	}
	img, err := ts.store.CreateImage(ctx, models.ImageInput{UserID: ts.alice, Filename: "late.png", Filepath: path,
		ContentType: "image/png", SizeBytes: int64(len(data))})
	if err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/classify?image_id=%d", img.ID), ts.alice, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	stored, err := ts.store.GetImage(ctx, img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Classification == "" {
		t.Error("classification should be persisted")
	}
}

func TestHandleReconcile(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	data := pngBytes(t, color.RGBA{R: 33, A: 255})
	path, err := ts.files.Save(ts.alice, "missed.png", data)
	if err != nil {
		t.Fatal(err)
	}
	img, err := ts.store.CreateImage(ctx, models.ImageInput{UserID: ts.alice, Filename: "missed.png", Filepath: path,
		ContentType: "image/png", SizeBytes: int64(len(data))})
	if err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodPost, "/api/v1/admin/reconcile", 0, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var res ingest.SweepResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Missing != 1 || res.Reindexed != 1 {
		t.Errorf("sweep: got %+v", res)
	}
	if !ts.index.Contains(img.ID) {
		t.Error("reconcile should index the missing image")
	}
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.upload(t, ts.alice, "a.png", pngBytes(t, color.RGBA{R: 1, G: 1, A: 255}))

	w := ts.do(t, http.MethodGet, "/api/v1/status", 0, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Images int64 `json:"images"`
		Users  int64 `json:"users"`
		Index  struct {
			Size       int    `json:"size"`
			Dimensions int    `json:"dimensions"`
			State      string `json:"state"`
		} `json:"index"`
		DiskUsageBytes int64            `json:"disk_usage_bytes"`
		DiskUsage      map[string]int64 `json:"disk_usage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Images != 1 || out.Users != 2 {
		t.Errorf("counts: images=%d users=%d", out.Images, out.Users)
	}
	if out.Index.Size != 1 || out.Index.Dimensions != testDim {
		t.Errorf("index: got %+v", out.Index)
	}
	if !strings.EqualFold(out.Index.State, string(vector.StateLoaded)) {
		t.Errorf("index state: got %s", out.Index.State)
	}
	if out.DiskUsageBytes <= 0 {
		t.Errorf("disk usage should be positive, got %d", out.DiskUsageBytes)
	}
	for _, component := range []string{"database", "snapshot", "uploads"} {
		if out.DiskUsage[component] <= 0 {
			t.Errorf("disk usage for %s should be positive, got %v", component, out.DiskUsage)
		}
	}
	if out.DiskUsage["keyword"] != 0 {
		t.Errorf("in-memory keyword index should use no disk, got %d", out.DiskUsage["keyword"])
	}
	if got := out.DiskUsage["database"] + out.DiskUsage["snapshot"] + out.DiskUsage["uploads"]; got != out.DiskUsageBytes {
		t.Errorf("components sum to %d, total %d", got, out.DiskUsageBytes)
	}
}
