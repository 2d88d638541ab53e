package rag

import (
	"context"
	"strings"

	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/models"
)

const memoryContextHeader = "Previous relevant conversations:"

// RetrievalOutcome tells a caller why a retrieval produced what it did
type RetrievalOutcome int

const (
	// RetrievalNone means the query ran and nothing cleared the threshold
	RetrievalNone RetrievalOutcome = iota
	RetrievalFound
	// RetrievalFailed means the store could not be queried; Err is set
	RetrievalFailed
)

func (o RetrievalOutcome) String() string {
	switch o {
	case RetrievalNone:
		return "none"
	case RetrievalFound:
		return "found"
	case RetrievalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Retrieval is the result of looking up memories for one utterance
type Retrieval struct {
	Outcome    RetrievalOutcome
	Memories   []models.ScoredRecord
	Candidates int
	Err        error
}

// Context renders the memories as a prompt block, empty when there are none
func (r Retrieval) Context() string {
	return FormatMemoryContext(r.Memories)
}

// Retriever queries the memory store and keeps only relevant results
type Retriever struct {
	store       interfaces.MemoryStore
	topK        int
	maxMemories int
	threshold   float64
}

func NewRetriever(store interfaces.MemoryStore, topK, maxMemories int, threshold float64) *Retriever {
	return &Retriever{
		store:       store,
		topK:        topK,
		maxMemories: maxMemories,
		threshold:   threshold,
	}
}

// Retrieve never returns an error; failures are reported through the outcome
func (r *Retriever) Retrieve(ctx context.Context, query string) Retrieval {
	results, err := r.store.Query(ctx, query, r.topK)
	if err != nil {
		return Retrieval{Outcome: RetrievalFailed, Err: err}
	}

	relevant := FilterRelevant(results, r.threshold, r.maxMemories)
	if len(relevant) == 0 {
		return Retrieval{Outcome: RetrievalNone, Candidates: len(results)}
	}

	return Retrieval{
		Outcome:    RetrievalFound,
		Memories:   relevant,
		Candidates: len(results),
	}
}

// FilterRelevant keeps results strictly above threshold, at most max of them.
// Input order is preserved.
func FilterRelevant(results []models.ScoredRecord, threshold float64, max int) []models.ScoredRecord {
	relevant := make([]models.ScoredRecord, 0, len(results))
	for _, r := range results {
		if max > 0 && len(relevant) >= max {
			break
		}
		if r.Similarity > threshold {
			relevant = append(relevant, r)
		}
	}
	return relevant
}

// FormatMemoryContext renders memories as
//
//	Previous relevant conversations:
//	user: ...
//	assistant: ...
func FormatMemoryContext(memories []models.ScoredRecord) string {
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(memoryContextHeader)
	for _, m := range memories {
		b.WriteString("\n")
		b.WriteString(string(m.Record.Speaker))
		b.WriteString(": ")
		b.WriteString(m.Record.Text)
	}
	return b.String()
}
