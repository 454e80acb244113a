// Package embedding turns images and text into unit-norm vectors in a shared space.
package embedding

import "context"

// Provider maps image bytes or text to an L2-normalized vector of fixed dimension.
// Implementations must be safe for concurrent use.
type Provider interface {
	EncodeImage(ctx context.Context, data []byte) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
}
