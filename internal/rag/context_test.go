package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-ju/anya-web-extension/internal/models"
)

// conceptEmbedder maps words onto a handful of shared concept axes so that
// paraphrases land close together without a real model.
type conceptEmbedder struct {
	dims     int
	concepts map[string]int
}

func newConceptEmbedder(dims int) *conceptEmbedder {
	return &conceptEmbedder{
		dims: dims,
		concepts: map[string]int{
			"hiking": 0, "mountains": 0, "outdoor": 0, "activities": 0, "trail": 0, "camping": 0,
			"love": 1, "enjoy": 1, "like": 1, "favorite": 1,
			"pizza": 2, "food": 2, "eat": 2, "pasta": 2,
			"work": 3, "job": 3, "office": 3, "deadline": 3,
		},
	}
}

func (c *conceptEmbedder) Dimensions() int { return c.dims }

func (c *conceptEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, c.dims)
	for _, tok := range tokenize(text) {
		if idx, ok := c.concepts[tok]; ok {
			vec[idx]++
		}
	}
	vec[c.dims-1] = 0.1
	return NormalizeVector(vec), nil
}

type failingStore struct{}

func (failingStore) Insert(context.Context, string, models.Speaker, string) (uint64, error) {
	return 0, errors.New("down")
}

func (failingStore) Query(context.Context, string, int) ([]models.ScoredRecord, error) {
	return nil, errors.New("down")
}

func (failingStore) Save() error { return nil }
func (failingStore) Count() int  { return 0 }

func scored(id uint64, speaker models.Speaker, text string, sim float64) models.ScoredRecord {
	return models.ScoredRecord{
		Record:     models.MemoryRecord{ID: id, Speaker: speaker, Text: text},
		Similarity: sim,
	}
}

func TestFilterRelevant(t *testing.T) {
	results := []models.ScoredRecord{
		scored(1, models.SpeakerUser, "a", 0.9),
		scored(2, models.SpeakerAssistant, "b", 0.8),
		scored(3, models.SpeakerUser, "c", 0.3),
		scored(4, models.SpeakerUser, "d", 0.31),
		scored(5, models.SpeakerUser, "e", 0.5),
	}

	t.Run("threshold is exclusive", func(t *testing.T) {
		got := FilterRelevant(results, 0.3, 10)
		require.Len(t, got, 4)
		for _, r := range got {
			assert.Greater(t, r.Similarity, 0.3)
		}
	})

	t.Run("keeps at most max in order", func(t *testing.T) {
		got := FilterRelevant(results, 0.3, 3)
		require.Len(t, got, 3)
		assert.Equal(t, uint64(1), got[0].Record.ID)
		assert.Equal(t, uint64(2), got[1].Record.ID)
		assert.Equal(t, uint64(4), got[2].Record.ID)
	})

	t.Run("nothing relevant", func(t *testing.T) {
		assert.Empty(t, FilterRelevant(results, 0.95, 3))
	})
}

func TestFormatMemoryContext(t *testing.T) {
	assert.Equal(t, "", FormatMemoryContext(nil))

	got := FormatMemoryContext([]models.ScoredRecord{
		scored(1, models.SpeakerUser, "I love hiking", 0.9),
		scored(2, models.SpeakerAssistant, "Hiking sounds fun!", 0.7),
	})
	assert.Equal(t, "Previous relevant conversations:\nuser: I love hiking\nassistant: Hiking sounds fun!", got)
}

func TestRetriever_Failure(t *testing.T) {
	r := NewRetriever(failingStore{}, 5, 3, 0.3)

	got := r.Retrieve(context.Background(), "hello")
	assert.Equal(t, RetrievalFailed, got.Outcome)
	assert.Error(t, got.Err)
	assert.Empty(t, got.Context())
}

func TestRetriever_None(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), newConceptEmbedder(testDims))
	insert(t, store, "the office deadline moved", models.SpeakerUser)

	got := NewRetriever(store, 5, 3, 0.3).Retrieve(context.Background(), "what should I eat for pizza night")
	assert.Equal(t, RetrievalNone, got.Outcome)
	assert.Equal(t, 1, got.Candidates)
	assert.Empty(t, got.Context())
}

func TestRetriever_HikingAcrossSessions(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	embedder := newConceptEmbedder(testDims)

	store, err := OpenMemoryStore(context.Background(), cfg, embedder)
	require.NoError(t, err)

	_, err = store.Insert(context.Background(), "I love hiking in the mountains", models.SpeakerUser, "anya_a_1")
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), "That sounds wonderful, mountains are so pretty!", models.SpeakerAssistant, "anya_a_1")
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), "my job has a deadline on Friday", models.SpeakerUser, "anya_a_1")
	require.NoError(t, err)
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	reopened := openTestStore(t, cfg, embedder)
	got := NewRetriever(reopened, 5, 3, 0.3).Retrieve(context.Background(), "What outdoor activities do I enjoy?")

	require.Equal(t, RetrievalFound, got.Outcome)
	assert.Equal(t, "I love hiking in the mountains", got.Memories[0].Record.Text)
	assert.Contains(t, got.Context(), "user: I love hiking in the mountains")
	assert.NotContains(t, got.Context(), "deadline")
}

func TestRetrievalOutcome_String(t *testing.T) {
	assert.Equal(t, "none", RetrievalNone.String())
	assert.Equal(t, "found", RetrievalFound.String())
	assert.Equal(t, "failed", RetrievalFailed.String())
	assert.Equal(t, "unknown", RetrievalOutcome(42).String())
}
