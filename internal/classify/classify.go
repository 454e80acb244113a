// Package classify assigns zero-shot labels to image embeddings by comparing them
// against text embeddings of label prompts.
package classify

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hyperjump/visionquery/internal/embedding"
	"github.com/hyperjump/visionquery/internal/vector"
)

// DefaultLabels are used when none are configured.
var DefaultLabels = []string{"Animal", "Person"}

// logitScale matches CLIP's learned temperature.
const logitScale = 100.0

// Classifier scores image vectors against label prompts.
type Classifier struct {
	provider embedding.Provider
	labels   []string

	mu      sync.Mutex
	prompts [][]float32
}

// New returns a classifier over labels. Prompt embeddings are computed on first use.
func New(provider embedding.Provider, labels []string) *Classifier {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	return &Classifier{provider: provider, labels: append([]string(nil), labels...)}
}

// Labels returns the configured labels.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Prompt returns the text used to embed label.
func Prompt(label string) string {
	return "a photo of a " + label
}

func (c *Classifier) promptVectors(ctx context.Context) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompts != nil {
		return c.prompts, nil
	}
	prompts := make([][]float32, len(c.labels))
	for i, label := range c.labels {
		v, err := c.provider.EncodeText(ctx, Prompt(label))
		if err != nil {
			return nil, fmt.Errorf("embed label %q: %w", label, err)
		}
		prompts[i] = v
	}
	c.prompts = prompts
	return prompts, nil
}

// Classify returns the most likely label for an image vector and its softmax probability.
func (c *Classifier) Classify(ctx context.Context, imageVec []float32) (string, float64, error) {
	if len(imageVec) != c.provider.Dimensions() {
		return "", 0, &vector.DimensionMismatchError{Expected: c.provider.Dimensions(), Actual: len(imageVec)}
	}
	prompts, err := c.promptVectors(ctx)
	if err != nil {
		return "", 0, err
	}
	probs := Softmax(logits(imageVec, prompts))
	best := 0
	for i := range probs {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return c.labels[best], probs[best], nil
}

// ClassifyImage embeds raw image bytes and classifies them.
func (c *Classifier) ClassifyImage(ctx context.Context, data []byte) (string, float64, error) {
	vec, err := c.provider.EncodeImage(ctx, data)
	if err != nil {
		return "", 0, err
	}
	return c.Classify(ctx, vec)
}

func logits(imageVec []float32, prompts [][]float32) []float64 {
	out := make([]float64, len(prompts))
	for i, p := range prompts {
		out[i] = logitScale * vector.InnerProduct(imageVec, p)
	}
	return out
}

// Softmax returns the normalized exponentials of x.
func Softmax(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
