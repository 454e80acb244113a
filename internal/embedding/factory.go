package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider names accepted by New.
const (
	ProviderONNX = "onnx"
	ProviderMock = "mock"
)

// Options selects and configures a provider.
type Options struct {
	Provider  string
	CLIP      CLIPOptions
	CacheSize int
}

// New builds the configured provider wrapped in a text cache. When the ONNX provider
// cannot be loaded, New still succeeds so uploads keep working, but every encode fails
// with KindModelUnavailable until the service is restarted with working models.
// Mock embeddings are only returned for an explicit "mock" provider.
func New(opts Options, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var p Provider
	switch opts.Provider {
	case ProviderONNX, "":
		clip, err := NewCLIPProvider(opts.CLIP)
		if err != nil {
			logger.Error("CLIP provider unavailable; uploads will not be indexed and searches will fail",
				zap.String("vision_model", opts.CLIP.VisionModelPath),
				zap.String("text_model", opts.CLIP.TextModelPath),
				zap.Error(err))
			p = &unavailableProvider{dimensions: opts.CLIP.Dimensions, cause: err}
		} else {
			logCLIPLoaded(logger, clip.Dimensions(), opts.CLIP.TextModelPath)
			p = clip
		}
	case ProviderMock:
		p = NewMockProvider(opts.CLIP.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: onnx, mock)", opts.Provider)
	}
	if opts.CacheSize > 0 {
		return NewCachedProvider(p, opts.CacheSize), nil
	}
	return p, nil
}

// logCLIPLoaded reports a loaded CLIP provider and warns that text queries are tokenized
// with SimpleTokenizer rather than CLIP's BPE vocabulary.
func logCLIPLoaded(logger *zap.Logger, dimensions int, textModel string) {
	logger.Info("CLIP provider loaded", zap.Int("dimensions", dimensions))
	logger.Warn("text queries use hashed word ids, not CLIP BPE ids; text-to-image rankings "+
		"are only meaningful with a text model exported for this tokenizer",
		zap.String("text_model", textModel))
}

// unavailableProvider stands in for a model that failed to load.
type unavailableProvider struct {
	dimensions int
	cause      error
}

func (p *unavailableProvider) EncodeImage(context.Context, []byte) ([]float32, error) {
	return nil, modelUnavailable("encode image", p.cause)
}

func (p *unavailableProvider) EncodeText(context.Context, string) ([]float32, error) {
	return nil, modelUnavailable("encode text", p.cause)
}

func (p *unavailableProvider) Dimensions() int { return p.dimensions }

func (p *unavailableProvider) Close() error { return nil }
