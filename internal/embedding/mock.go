package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/hyperjump/visionquery/pkg/utils"
)

// MockProvider is a deterministic provider for tests and model-less runs. Vectors are
// derived from a content hash so equal inputs always encode to the same unit vector.
// Image and text vectors share no meaning beyond identity.
type MockProvider struct {
	dimensions int
}

// NewMockProvider returns a provider of the given dimension (512 when non-positive).
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockProvider{dimensions: dimensions}
}

// EncodeImage hashes the raw bytes. The bytes must decode as an image.
func (p *MockProvider) EncodeImage(ctx context.Context, data []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, invalidInput("encode image", ErrEmptyInput)
	}
	if _, err := DecodeImage(data); err != nil {
		return nil, invalidInput("encode image", err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte("image:"))
	_, _ = h.Write(data)
	return p.vector(h.Sum64()), nil
}

// EncodeText hashes the trimmed, lower-cased text.
func (p *MockProvider) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil, invalidInput("encode text", ErrEmptyInput)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte("text:"))
	_, _ = h.Write([]byte(text))
	return p.vector(h.Sum64()), nil
}

func (p *MockProvider) vector(seed uint64) []float32 {
	emb := make([]float32, p.dimensions)
	h := float64(seed%1000003) + 1
	for i := range emb {
		emb[i] = float32(math.Sin(h*float64(i+1))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb
}

// Dimensions returns the embedding dimension.
func (p *MockProvider) Dimensions() int { return p.dimensions }

// Close is a no-op.
func (p *MockProvider) Close() error { return nil }

// StaticProvider returns preset vectors keyed by query text or by image bytes.
// Unknown inputs fail with KindInvalidInput. Useful for exact ranking scenarios.
type StaticProvider struct {
	dimensions int

	mu     sync.RWMutex
	texts  map[string][]float32
	images map[string][]float32
	err    error
}

// NewStaticProvider returns an empty StaticProvider.
func NewStaticProvider(dimensions int) *StaticProvider {
	return &StaticProvider{
		dimensions: dimensions,
		texts:      make(map[string][]float32),
		images:     make(map[string][]float32),
	}
}

// SetText registers the vector returned for text. The vector is normalized on the way in.
func (p *StaticProvider) SetText(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts[text] = normalizedCopy(vec)
}

// SetImage registers the vector returned for data.
func (p *StaticProvider) SetImage(data []byte, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.images[string(data)] = normalizedCopy(vec)
}

// SetError makes every call fail as model-unavailable with err. Nil clears it.
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// EncodeImage returns the registered vector for data.
func (p *StaticProvider) EncodeImage(ctx context.Context, data []byte) ([]float32, error) {
	return p.lookup(ctx, "encode image", p.images, string(data))
}

// EncodeText returns the registered vector for text.
func (p *StaticProvider) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return p.lookup(ctx, "encode text", p.texts, text)
}

func (p *StaticProvider) lookup(ctx context.Context, op string, m map[string][]float32, key string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, modelUnavailable(op, p.err)
	}
	if key == "" {
		return nil, invalidInput(op, ErrEmptyInput)
	}
	v, ok := m[key]
	if !ok {
		return nil, invalidInput(op, errUnknownInput)
	}
	return normalizedCopy(v), nil
}

// Dimensions returns the embedding dimension.
func (p *StaticProvider) Dimensions() int { return p.dimensions }

// Close is a no-op.
func (p *StaticProvider) Close() error { return nil }

func normalizedCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	utils.NormalizeL2(out)
	return out
}
