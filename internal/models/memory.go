package models

import (
	"time"
)

// Speaker identifies who produced a piece of conversation text.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// MemoryRecord is one utterance stored in the semantic memory.
// Records are created once and never mutated or deleted.
type MemoryRecord struct {
	ID        uint64    `json:"id"`
	Text      string    `json:"text"`
	Speaker   Speaker   `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Embedding []float32 `json:"-"`
}

// ScoredRecord pairs a record with its similarity to a query.
// Similarity is 1 - cosine distance and lies in [-1, 1].
type ScoredRecord struct {
	Record     MemoryRecord `json:"record"`
	Similarity float64      `json:"similarity"`
}
