package rag

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/models"
)

const testDims = 256

func testMemoryConfig(dir string) config.MemoryConfig {
	return config.MemoryConfig{
		Dir:          dir,
		IndexFile:    "conversation_index.bin",
		MetadataFile: "conversation_metadata.json",
		Dimensions:   testDims,
		MaxElements:  1000,
	}
}

func openTestStore(t *testing.T, cfg config.MemoryConfig, embedder interfaces.Embedder) *MemoryStore {
	t.Helper()
	store, err := OpenMemoryStore(context.Background(), cfg, embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insert(t *testing.T, store *MemoryStore, text string, speaker models.Speaker) uint64 {
	t.Helper()
	id, err := store.Insert(context.Background(), text, speaker, "session-1")
	require.NoError(t, err)
	return id
}

func TestMemoryStore_EmptyStore(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))

	assert.Equal(t, 0, store.Count())

	results, err := store.Query(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryStore_QueryNonPositiveTopK(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))
	insert(t, store, "hello there", models.SpeakerUser)

	for _, k := range []int{0, -3} {
		results, err := store.Query(context.Background(), "hello there", k)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestMemoryStore_QueryReturnsFewerThanTopK(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))
	insert(t, store, "the cat sat on the mat", models.SpeakerUser)
	insert(t, store, "dogs chase cats", models.SpeakerAssistant)

	results, err := store.Query(context.Background(), "cat", 5)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryStore_QueryHugeTopK(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))
	insert(t, store, "I love hiking", models.SpeakerUser)

	for _, k := range []int{9, 100, math.MaxInt - 4, math.MaxInt} {
		results, err := store.Query(context.Background(), "hiking", k)
		require.NoError(t, err, "k=%d", k)
		assert.Len(t, results, 1, "k=%d", k)
	}
}

func TestSortScored_ExactSimilarityThenID(t *testing.T) {
	const eps = tieEpsilon / 4
	scored := []models.ScoredRecord{
		{Record: models.MemoryRecord{ID: 1}, Similarity: 0.5},
		{Record: models.MemoryRecord{ID: 2}, Similarity: 0.5 + eps},
		{Record: models.MemoryRecord{ID: 3}, Similarity: 0.5 + 2*eps},
		{Record: models.MemoryRecord{ID: 0}, Similarity: 0.5},
		{Record: models.MemoryRecord{ID: 4}, Similarity: 0.9},
	}
	sortScored(scored)

	ids := make([]uint64, 0, len(scored))
	for _, r := range scored {
		ids = append(ids, r.Record.ID)
	}
	assert.Equal(t, []uint64{4, 3, 2, 0, 1}, ids)

	// near ties at the cut are still kept together
	assert.Equal(t, 5, cutWithTies(scored, 2))
	assert.Equal(t, 1, cutWithTies(scored, 1))
}

func TestMemoryStore_QueryOrderedBySimilarity(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))
	texts := []string{
		"pizza is my favorite food",
		"I went hiking last weekend",
		"the weather is sunny today",
		"my favorite food is pizza with mushrooms",
		"python is a programming language",
	}
	for _, text := range texts {
		insert(t, store, text, models.SpeakerUser)
	}

	results, err := store.Query(context.Background(), "favorite food pizza", 5)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
	for _, r := range results {
		assert.LessOrEqual(t, r.Similarity, 1.0)
		assert.GreaterOrEqual(t, r.Similarity, -1.0)
		assert.Nil(t, r.Record.Embedding)
	}
	assert.Contains(t, results[0].Record.Text, "pizza")
}

func TestMemoryStore_IdenticalTextNeverSplit(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))
	insert(t, store, "remember the blue door", models.SpeakerUser)
	insert(t, store, "something unrelated entirely", models.SpeakerAssistant)
	insert(t, store, "remember the blue door", models.SpeakerAssistant)

	results, err := store.Query(context.Background(), "remember the blue door", 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "remember the blue door", results[0].Record.Text)
	assert.Equal(t, "remember the blue door", results[1].Record.Text)
	assert.Less(t, results[0].Record.ID, results[1].Record.ID)
}

func TestMemoryStore_InsertRejectsEmptyText(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))

	_, err := store.Insert(context.Background(), "   ", models.SpeakerUser, "s")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Equal(t, 0, store.Count())
}

func TestMemoryStore_InsertRejectsUnknownSpeaker(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))

	_, err := store.Insert(context.Background(), "hi", models.Speaker("narrator"), "s")
	assert.Error(t, err)
}

func TestMemoryStore_CapacityExceeded(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	cfg.MaxElements = 2
	store := openTestStore(t, cfg, NewHashEmbedder(testDims))

	insert(t, store, "one", models.SpeakerUser)
	insert(t, store, "two", models.SpeakerAssistant)

	_, err := store.Insert(context.Background(), "three", models.SpeakerUser, "s")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, store.Count())
}

func TestMemoryStore_DimensionMismatch(t *testing.T) {
	_, err := OpenMemoryStore(context.Background(), testMemoryConfig(t.TempDir()), NewHashEmbedder(32))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemoryStore_DirectoryLocked(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	openTestStore(t, cfg, NewHashEmbedder(testDims))

	_, err := OpenMemoryStore(context.Background(), cfg, NewHashEmbedder(testDims))
	assert.ErrorIs(t, err, ErrStoreLocked)
}

func TestMemoryStore_IDsMonotonicAcrossRestart(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())

	store, err := OpenMemoryStore(context.Background(), cfg, NewHashEmbedder(testDims))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), insert(t, store, "first", models.SpeakerUser))
	assert.Equal(t, uint64(1), insert(t, store, "second", models.SpeakerAssistant))
	assert.Equal(t, uint64(2), insert(t, store, "third", models.SpeakerUser))
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	reopened := openTestStore(t, cfg, NewHashEmbedder(testDims))
	assert.Equal(t, 3, reopened.Count())
	assert.Equal(t, uint64(3), insert(t, reopened, "fourth", models.SpeakerAssistant))
}

func TestMemoryStore_RoundTripPreservesTopResult(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	texts := []string{
		"my sister lives in Lisbon",
		"I am learning to play the cello",
		"the project deadline is next Friday",
		"I adopted a grey cat named Pixel",
	}

	store, err := OpenMemoryStore(context.Background(), cfg, NewHashEmbedder(testDims))
	require.NoError(t, err)
	for _, text := range texts {
		insert(t, store, text, models.SpeakerUser)
	}

	before, err := store.Query(context.Background(), "what is my cat called", 1)
	require.NoError(t, err)
	require.NotEmpty(t, before)
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	reopened := openTestStore(t, cfg, NewHashEmbedder(testDims))
	after, err := reopened.Query(context.Background(), "what is my cat called", 1)
	require.NoError(t, err)
	require.NotEmpty(t, after)

	assert.Equal(t, before[0].Record.ID, after[0].Record.ID)
	assert.Equal(t, before[0].Record.Text, after[0].Record.Text)
	assert.Equal(t, before[0].Record.Speaker, after[0].Record.Speaker)
	assert.InDelta(t, before[0].Similarity, after[0].Similarity, 1e-5)
}

func TestMemoryStore_MissingFilesStartEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not", "yet", "created")
	store := openTestStore(t, testMemoryConfig(dir), NewHashEmbedder(testDims))
	assert.Equal(t, 0, store.Count())
}

func TestMemoryStore_UncommittedIndexIsDiscarded(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	require.NoError(t, writeIndexFile(filepath.Join(cfg.Dir, cfg.IndexFile), testDims, []*models.MemoryRecord{
		{ID: 0, Embedding: make([]float32, testDims)},
	}))

	store := openTestStore(t, cfg, NewHashEmbedder(testDims))
	assert.Equal(t, 0, store.Count())
}

func TestMemoryStore_MissingIndexIsCorrupt(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())

	store, err := OpenMemoryStore(context.Background(), cfg, NewHashEmbedder(testDims))
	require.NoError(t, err)
	insert(t, store, "hello", models.SpeakerUser)
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	require.NoError(t, os.Remove(filepath.Join(cfg.Dir, cfg.IndexFile)))

	_, err = OpenMemoryStore(context.Background(), cfg, NewHashEmbedder(testDims))
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestMemoryStore_OrphanVectorsDroppedButIDsNotReused(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	metaPath := filepath.Join(cfg.Dir, cfg.MetadataFile)

	store, err := OpenMemoryStore(context.Background(), cfg, NewHashEmbedder(testDims))
	require.NoError(t, err)
	insert(t, store, "alpha", models.SpeakerUser)
	insert(t, store, "beta", models.SpeakerAssistant)
	require.NoError(t, store.Save())

	committed, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	insert(t, store, "gamma", models.SpeakerUser)
	insert(t, store, "delta", models.SpeakerAssistant)
	require.NoError(t, store.Save())
	require.NoError(t, store.Close())

	// simulate a crash after the index rename but before the metadata rename
	require.NoError(t, os.WriteFile(metaPath, committed, 0o644))

	reopened := openTestStore(t, cfg, NewHashEmbedder(testDims))
	assert.Equal(t, 2, reopened.Count())
	assert.Equal(t, uint64(4), insert(t, reopened, "epsilon", models.SpeakerUser))
}

func TestMemoryStore_SaveLeavesNoTempFiles(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	store := openTestStore(t, cfg, NewHashEmbedder(testDims))
	insert(t, store, "hello", models.SpeakerUser)
	require.NoError(t, store.Save())

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{cfg.IndexFile, cfg.MetadataFile, lockFileName}, names)
}

func TestMemoryStore_Stats(t *testing.T) {
	cfg := testMemoryConfig(t.TempDir())
	store := openTestStore(t, cfg, NewHashEmbedder(testDims))

	stats := store.Stats()
	assert.Equal(t, 0, stats.TotalConversations)
	assert.Equal(t, 0.0, stats.MemorySizeMB)

	insert(t, store, "hello", models.SpeakerUser)
	require.NoError(t, store.Save())

	stats = store.Stats()
	assert.Equal(t, 1, stats.TotalConversations)
	assert.Equal(t, testDims, stats.Dimensions)
	assert.Equal(t, cfg.MaxElements, stats.Capacity)
}

func TestMemoryStore_ConcurrentInsertAndQuery(t *testing.T) {
	store := openTestStore(t, testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))

	const writers = 20
	ids := make(chan uint64, writers)
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.Insert(context.Background(), "note number "+string(rune('a'+i)), models.SpeakerUser, "s")
			assert.NoError(t, err)
			ids <- id
		}(i)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Query(context.Background(), "note", 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.Less(t, id, uint64(writers))
		seen[id] = true
	}
	assert.Len(t, seen, writers)
	assert.Equal(t, writers, store.Count())
}

func TestMemoryStore_ClosedStore(t *testing.T) {
	store, err := OpenMemoryStore(context.Background(), testMemoryConfig(t.TempDir()), NewHashEmbedder(testDims))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Insert(context.Background(), "late", models.SpeakerUser, "s")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Save(), ErrStoreClosed)
}
