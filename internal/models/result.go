package models

// SearchResult is a single ranked hit owned by the requesting user.
type SearchResult struct {
	ImageID int64   `json:"image_id"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
	Image   *Image  `json:"image,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results []*SearchResult `json:"results"`
	Total   int             `json:"total"`
	TopK    int             `json:"top_k"`
	// Partial is set when fewer than TopK visible results exist. It is not an error.
	Partial bool `json:"partial"`
	// Examined is the number of index candidates scored before ownership filtering.
	Examined  int    `json:"examined"`
	QueryTime int64  `json:"query_time_ms"`
	Query     string `json:"query"`
}
