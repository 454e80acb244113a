//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// CLIPProvider stub type when built without CGO (see onnx.go for the real implementation).
type CLIPProvider struct{}

// CLIPOptions locates the exported models.
type CLIPOptions struct {
	VisionModelPath   string
	TextModelPath     string
	SharedLibraryPath string
	Dimensions        int
	ContextLength     int
}

var errNoCGO = errors.New("CLIP provider requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewCLIPProvider returns an error when built without CGO (ONNX not available).
func NewCLIPProvider(_ CLIPOptions) (*CLIPProvider, error) {
	return nil, errNoCGO
}

// EncodeImage always fails.
func (p *CLIPProvider) EncodeImage(context.Context, []byte) ([]float32, error) {
	return nil, modelUnavailable("encode image", errNoCGO)
}

// EncodeText always fails.
func (p *CLIPProvider) EncodeText(context.Context, string) ([]float32, error) {
	return nil, modelUnavailable("encode text", errNoCGO)
}

// Dimensions returns 0.
func (p *CLIPProvider) Dimensions() int { return 0 }

// Close is a no-op.
func (p *CLIPProvider) Close() error { return nil }
