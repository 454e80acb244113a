package embedding

import (
	"strings"
	"unicode"
)

// CLIP text tower special tokens.
const (
	startOfText = 49406
	endOfText   = 49407
	// ContextLength is the fixed CLIP text sequence length.
	ContextLength = 77
	vocabBase     = 256
	vocabSpan     = startOfText - vocabBase
)

// Tokenizer produces the CLIP text tower inputs.
type Tokenizer interface {
	Tokenize(text string, contextLength int) (inputIDs, attentionMask []int64)
}

// SimpleTokenizer lowercases, splits on non-alphanumerics and maps each word to a
// hashed id inside the BPE vocabulary range, framed by start and end tokens.
// It is not the CLIP BPE merge table; swap in a real BPE Tokenizer for exported models
// that need exact token ids.
type SimpleTokenizer struct{}

// Tokenize returns padded input ids and the matching attention mask of length contextLength.
// Text longer than the context is truncated and still ends with the end token.
func (t *SimpleTokenizer) Tokenize(text string, contextLength int) (inputIDs, attentionMask []int64) {
	if contextLength < 2 {
		contextLength = ContextLength
	}
	inputIDs = make([]int64, contextLength)
	attentionMask = make([]int64, contextLength)

	inputIDs[0] = startOfText
	attentionMask[0] = 1
	pos := 1
	for _, word := range SplitWords(strings.ToLower(text)) {
		if pos >= contextLength-1 {
			break
		}
		inputIDs[pos] = int64(vocabBase + HashString(word)%vocabSpan)
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos] = endOfText
	attentionMask[pos] = 1
	return inputIDs, attentionMask
}

// SplitWords splits text on anything that is not a letter or digit and returns non-empty words.
func SplitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// HashString returns a deterministic non-negative hash for use as a token id.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	if h < 0 {
		h = 0
	}
	return h
}
