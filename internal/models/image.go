// Package models defines core data structures for users, images, searches, and results.
package models

import "time"

// User owns uploaded images.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Image is a stored upload. Classification is empty until the image has been classified.
type Image struct {
	ID             int64      `json:"id" db:"id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	Filename       string     `json:"filename" db:"filename"`
	Filepath       string     `json:"-" db:"filepath"`
	ContentType    string     `json:"content_type" db:"content_type"`
	SizeBytes      int64      `json:"size_bytes" db:"size_bytes"`
	Classification string     `json:"classification,omitempty" db:"classification"`
	Confidence     float64    `json:"confidence,omitempty" db:"confidence"`
	UploadedAt     time.Time  `json:"uploaded_at" db:"uploaded_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Indexed        bool       `json:"indexed" db:"-"`
}

// ImageInput is the input for creating an image record.
type ImageInput struct {
	UserID      int64
	Filename    string
	Filepath    string
	ContentType string
	SizeBytes   int64
}

// SearchHistory records one executed query.
type SearchHistory struct {
	ID           int64     `json:"id" db:"id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	QueryText    string    `json:"query_text" db:"query_text"`
	ResultsCount int       `json:"results_count" db:"results_count"`
	SearchedAt   time.Time `json:"searched_at" db:"searched_at"`
}

// Classification is a zero-shot label for an image.
type Classification struct {
	ImageID    int64   `json:"image_id"`
	Label      string  `json:"classification"`
	Confidence float64 `json:"confidence"`
}
