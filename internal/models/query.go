package models

import (
	"fmt"
	"strings"
)

// Search result count bounds.
const (
	DefaultTopK = 5
	MaxTopK     = 20
)

// SearchQuery is a natural-language image search scoped to one user.
type SearchQuery struct {
	Query    string  `json:"query"`
	TopK     int     `json:"top_k,omitempty"`
	UserID   int64   `json:"user_id"`
	MinScore float64 `json:"min_score,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
// Returns an error if the query is empty, the user is missing, or top_k is out of range;
// a zero top_k becomes DefaultTopK.
func (q *SearchQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.UserID <= 0 {
		return fmt.Errorf("user id is required")
	}
	if q.TopK == 0 {
		q.TopK = DefaultTopK
	}
	if q.TopK < 1 || q.TopK > MaxTopK {
		return fmt.Errorf("top_k must be between 1 and %d, got %d", MaxTopK, q.TopK)
	}
	return nil
}
