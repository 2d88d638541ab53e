package interfaces

import (
	"context"

	"github.com/pm-ju/anya-web-extension/internal/models"
)

// Embedder maps text to a fixed-dimension vector
type Embedder interface {
	// Embed returns the embedding of text. Implementations may be slow.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the length of every vector Embed produces
	Dimensions() int
}

// MemoryStore is the semantic memory the turn pipeline reads and writes
type MemoryStore interface {
	// Insert embeds text and stores it under the next id
	Insert(ctx context.Context, text string, speaker models.Speaker, sessionID string) (uint64, error)

	// Query returns up to topK records ordered by descending similarity
	Query(ctx context.Context, text string, topK int) ([]models.ScoredRecord, error)

	// Save persists index and metadata together
	Save() error

	// Count returns the number of stored records
	Count() int
}
