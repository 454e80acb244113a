// Package keyword provides filename and label lookup over a user's images.
package keyword

import (
	"context"

	"github.com/hyperjump/visionquery/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// FilenameBoost multiplies the score contribution from filename matches. Use 1.0 for no boost.
	FilenameBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default is 1.
	Fuzziness int
	// Offset skips that many ranked hits before limit applies.
	Offset int
}

// KeywordIndex defines keyword lookup operations over image metadata.
type KeywordIndex interface {
	Index(ctx context.Context, img *models.Image) error
	Search(ctx context.Context, userID int64, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, imageID int64) error
	Close() error
	// DocCount returns the total number of images in the index.
	DocCount() (uint64, error)
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ImageID int64
	Score   float64
}
