package embedding

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned for empty image bytes or blank query text.
var ErrEmptyInput = errors.New("empty input")

var errUnknownInput = errors.New("no vector registered for input")

// Kind separates caller mistakes from provider faults.
type Kind int

const (
	// KindInvalidInput means the input could not be encoded (undecodable image, empty text). Not retryable.
	KindInvalidInput Kind = iota + 1
	// KindModelUnavailable means the model failed or is not loaded. Retryable.
	KindModelUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindModelUnavailable:
		return "model unavailable"
	default:
		return "unknown"
	}
}

// EmbeddingError is returned by every Provider failure.
type EmbeddingError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func invalidInput(op string, err error) error {
	return &EmbeddingError{Op: op, Kind: KindInvalidInput, Err: err}
}

func modelUnavailable(op string, err error) error {
	return &EmbeddingError{Op: op, Kind: KindModelUnavailable, Err: err}
}

// IsInvalidInput reports whether err is an EmbeddingError caused by bad input.
func IsInvalidInput(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee) && ee.Kind == KindInvalidInput
}

// IsModelUnavailable reports whether err is an EmbeddingError caused by the model.
func IsModelUnavailable(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee) && ee.Kind == KindModelUnavailable
}
