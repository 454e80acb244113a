// Package vector provides the exact (flat) image embedding index and its on-disk snapshot.
package vector

import "context"

// VectorIndex defines vector storage and similarity search keyed by image ID.
type VectorIndex interface {
	Add(ctx context.Context, imageID int64, vector []float32) error
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Remove(ctx context.Context, imageID int64) (int, error)
	Contains(imageID int64) bool
	Size() int
	Dimensions() int
}

// Result is a single vector search hit.
type Result struct {
	ImageID int64   `json:"image_id"`
	Score   float64 `json:"score"` // inner product; equals cosine similarity for unit vectors
}

// State is the lifecycle state of an index.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoaded        State = "loaded"
	StateMutated       State = "mutated"
)
