package rag

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder maps text to a fixed-size vector by feature hashing its
// lowercase word tokens. It needs no network and is deterministic, so it
// serves offline deployments and tests. Texts sharing words land close
// together; paraphrases without shared words do not.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates an embedder producing vectors of the given size
func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimensions)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		// punctuation only: hash the raw text so the vector is never zero
		tokens = []string{strings.TrimSpace(text)}
	}

	for _, tok := range tokens {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(tok))
		sum := hasher.Sum64()
		idx := sum % uint64(h.dimensions)
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	if allZero(vec) {
		// signed collisions cancelled out
		vec[0] = 1
	}

	return NormalizeVector(vec), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func allZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
