package rag

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/m-mizutani/goerr/v2"
	"github.com/philippgille/chromem-go"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/models"
)

const (
	collectionName = "conversations"
	lockFileName   = "memory.lock"

	// results within this distance of each other are treated as ties
	tieEpsilon = 1e-6
)

var (
	ErrCapacityExceeded  = goerr.New("memory store capacity exceeded")
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
	ErrEmptyText         = goerr.New("text is empty")
	ErrStoreLocked       = goerr.New("memory directory is locked by another process")
	ErrStoreClosed       = goerr.New("memory store is closed")
	ErrCorruptState      = goerr.New("memory metadata references vectors missing from the index file")
)

// MemoryStore is the process-wide semantic memory. Vectors live in a chromem
// collection; record metadata lives alongside in a map keyed by id. Insert and
// Save hold the write lock, Query holds the read lock, and embedding always
// happens before either lock is taken.
type MemoryStore struct {
	mu         sync.RWMutex
	saveMu     sync.Mutex
	db         *chromem.DB
	collection *chromem.Collection
	records    map[uint64]*models.MemoryRecord
	nextID     uint64
	closed     bool

	embedder     interfaces.Embedder
	dimensions   int
	capacity     int
	indexPath    string
	metadataPath string
	lock         *flock.Flock
	logger       *slog.Logger
	now          func() time.Time
}

// MemoryStats summarizes the store for the status endpoints
type MemoryStats struct {
	TotalConversations int     `json:"total_conversations"`
	MemorySizeMB       float64 `json:"memory_size_mb"`
	Capacity           int     `json:"capacity"`
	Dimensions         int     `json:"dimensions"`
}

// OpenMemoryStore locks the memory directory and restores any persisted state.
// Missing files yield an empty store.
func OpenMemoryStore(ctx context.Context, cfg config.MemoryConfig, embedder interfaces.Embedder) (*MemoryStore, error) {
	if embedder.Dimensions() != cfg.Dimensions {
		return nil, goerr.Wrap(ErrDimensionMismatch, "embedder does not match configured dimensions",
			goerr.V("embedder", embedder.Dimensions()), goerr.V("config", cfg.Dimensions))
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create memory directory", goerr.V("dir", cfg.Dir))
	}

	lock := flock.New(filepath.Join(cfg.Dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to lock memory directory", goerr.V("dir", cfg.Dir))
	}
	if !locked {
		return nil, goerr.Wrap(ErrStoreLocked, "cannot open memory store", goerr.V("dir", cfg.Dir))
	}

	s := &MemoryStore{
		records:      make(map[uint64]*models.MemoryRecord),
		embedder:     embedder,
		dimensions:   cfg.Dimensions,
		capacity:     cfg.MaxElements,
		indexPath:    filepath.Join(cfg.Dir, cfg.IndexFile),
		metadataPath: filepath.Join(cfg.Dir, cfg.MetadataFile),
		lock:         lock,
		logger:       logging.Component("memory"),
		now:          time.Now,
	}

	if err := s.load(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return s, nil
}

// Insert embeds text and stores it under the next id. The record is
// queryable as soon as Insert returns.
func (s *MemoryStore) Insert(ctx context.Context, text string, speaker models.Speaker, sessionID string) (uint64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyText
	}
	if !speaker.Valid() {
		return 0, goerr.New("unknown speaker", goerr.V("speaker", speaker))
	}

	vector, err := s.embed(ctx, text)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if len(s.records) >= s.capacity {
		return 0, goerr.Wrap(ErrCapacityExceeded, "cannot insert record",
			goerr.V("capacity", s.capacity), goerr.V("speaker", speaker))
	}

	rec := &models.MemoryRecord{
		ID:        s.nextID,
		Text:      text,
		Speaker:   speaker,
		Timestamp: s.now().UTC(),
		SessionID: sessionID,
		Embedding: vector,
	}

	// the document must land even if the caller gives up now
	if err := s.collection.AddDocument(context.WithoutCancel(ctx), toDocument(rec)); err != nil {
		return 0, goerr.Wrap(err, "failed to add vector to index", goerr.V("id", rec.ID))
	}

	s.records[rec.ID] = rec
	s.nextID++

	return rec.ID, nil
}

// Query returns up to topK records most similar to text, ordered by
// descending similarity. Records whose similarity exactly ties with the
// last returned one are included too, so duplicates never split across the
// cut.
func (s *MemoryStore) Query(ctx context.Context, text string, topK int) ([]models.ScoredRecord, error) {
	if topK <= 0 || strings.TrimSpace(text) == "" || s.Count() == 0 {
		return []models.ScoredRecord{}, nil
	}

	vector, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	count := len(s.records)
	if count == 0 {
		return []models.ScoredRecord{}, nil
	}

	fetch := count
	if topK < count-8 {
		fetch = topK + 8
	}
	for {
		results, err := s.collection.QueryEmbedding(ctx, vector, fetch, nil, nil)
		if err != nil {
			return nil, goerr.Wrap(err, "index query failed", goerr.V("n", fetch))
		}

		scored := s.toScored(results)
		cut := cutWithTies(scored, topK)
		if cut < len(scored) || fetch == count {
			return scored[:cut], nil
		}
		// every fetched result ties with the boundary
		fetch = min(count, fetch*2)
	}
}

// Save writes the index file, then the metadata file. The metadata file is
// the commit record: a crash between the two renames leaves orphan vectors
// that the next load discards.
func (s *MemoryStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	snapshot := make([]*models.MemoryRecord, 0, len(s.records))
	for _, r := range s.records {
		snapshot = append(snapshot, r)
	}
	nextID := s.nextID
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	start := time.Now()
	if err := writeIndexFile(s.indexPath, s.dimensions, snapshot); err != nil {
		return goerr.Wrap(err, "failed to save index", goerr.V("path", s.indexPath))
	}

	meta := &metadataFile{
		Version:    metadataVersion,
		Dimensions: s.dimensions,
		NextID:     nextID,
		SavedAt:    s.now().UTC(),
		Records:    make([]metadataRecord, 0, len(snapshot)),
	}
	for _, r := range snapshot {
		meta.Records = append(meta.Records, metadataRecord{
			ID:        r.ID,
			Text:      r.Text,
			Speaker:   r.Speaker,
			Timestamp: r.Timestamp,
			SessionID: r.SessionID,
		})
	}
	if err := writeMetadataFile(s.metadataPath, meta); err != nil {
		return goerr.Wrap(err, "failed to save metadata", goerr.V("path", s.metadataPath))
	}

	s.logger.Debug("memory saved",
		"records", len(snapshot),
		"next_id", nextID,
		"elapsed", time.Since(start))
	return nil
}

// Count returns the number of stored records
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats reports record count and the on-disk size of the index file
func (s *MemoryStore) Stats() MemoryStats {
	stats := MemoryStats{
		TotalConversations: s.Count(),
		Capacity:           s.capacity,
		Dimensions:         s.dimensions,
	}
	if info, err := os.Stat(s.indexPath); err == nil {
		stats.MemorySizeMB = math.Round(float64(info.Size())/(1024*1024)*100) / 100
	}
	return stats
}

// Close releases the directory lock. It does not save.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.lock.Unlock(); err != nil {
		return goerr.Wrap(err, "failed to release memory lock")
	}
	return nil
}

func (s *MemoryStore) embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed text")
	}
	if len(vector) != s.dimensions {
		return nil, goerr.Wrap(ErrDimensionMismatch, "embedder returned wrong size",
			goerr.V("want", s.dimensions), goerr.V("got", len(vector)))
	}
	return vector, nil
}

// load restores records from disk and rebuilds the index.
// Called once from OpenMemoryStore before the store is shared.
func (s *MemoryStore) load(ctx context.Context) error {
	metaExists, err := fileExists(s.metadataPath)
	if err != nil {
		return err
	}
	indexExists, err := fileExists(s.indexPath)
	if err != nil {
		return err
	}

	switch {
	case !metaExists && !indexExists:
		s.logger.Info("no saved memory, starting fresh", "dir", filepath.Dir(s.indexPath))
		return s.rebuild(ctx, nil, 0)
	case !metaExists:
		s.logger.Warn("index file without metadata, discarding uncommitted save", "path", s.indexPath)
		return s.rebuild(ctx, nil, 0)
	case !indexExists:
		return goerr.Wrap(ErrCorruptState, "index file is missing", goerr.V("path", s.indexPath))
	}

	meta, err := readMetadataFile(s.metadataPath)
	if err != nil {
		return err
	}
	if meta.Dimensions != 0 && meta.Dimensions != s.dimensions {
		return goerr.Wrap(ErrDimensionMismatch, "saved memory has a different dimension",
			goerr.V("saved", meta.Dimensions), goerr.V("config", s.dimensions))
	}

	vectors, err := readIndexFile(s.indexPath, s.dimensions)
	if err != nil {
		return err
	}

	nextID := meta.NextID
	for id := range vectors {
		if id+1 > nextID {
			nextID = id + 1
		}
	}

	records := make([]*models.MemoryRecord, 0, len(meta.Records))
	for _, m := range meta.Records {
		vec, ok := vectors[m.ID]
		if !ok {
			return goerr.Wrap(ErrCorruptState, "cannot restore record", goerr.V("id", m.ID))
		}
		records = append(records, &models.MemoryRecord{
			ID:        m.ID,
			Text:      m.Text,
			Speaker:   m.Speaker,
			Timestamp: m.Timestamp,
			SessionID: m.SessionID,
			Embedding: vec,
		})
		if m.ID+1 > nextID {
			nextID = m.ID + 1
		}
	}

	if orphans := len(vectors) - len(records); orphans > 0 {
		s.logger.Warn("discarding vectors without metadata", "count", orphans)
	}
	if len(records) > s.capacity {
		s.logger.Warn("saved memory exceeds capacity, new inserts will be rejected",
			"records", len(records), "capacity", s.capacity)
	}

	if err := s.rebuild(ctx, records, nextID); err != nil {
		return err
	}

	s.logger.Info("memory loaded", "records", len(records), "next_id", nextID)
	return nil
}

func (s *MemoryStore) rebuild(ctx context.Context, records []*models.MemoryRecord, nextID uint64) error {
	db := chromem.NewDB()
	collection, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to create collection")
	}

	if len(records) > 0 {
		docs := make([]chromem.Document, 0, len(records))
		for _, r := range records {
			docs = append(docs, toDocument(r))
		}
		if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return goerr.Wrap(err, "failed to rebuild index", goerr.V("records", len(records)))
		}
	}

	byID := make(map[uint64]*models.MemoryRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
	s.collection = collection
	s.records = byID
	s.nextID = nextID
	return nil
}

// toScored maps chromem results back to records, sorted by descending
// similarity with id as the tie breaker
func (s *MemoryStore) toScored(results []chromem.Result) []models.ScoredRecord {
	scored := make([]models.ScoredRecord, 0, len(results))
	for _, res := range results {
		id, err := strconv.ParseUint(res.ID, 10, 64)
		if err != nil {
			s.logger.Warn("index returned unparsable id", "id", res.ID)
			continue
		}
		rec, ok := s.records[id]
		if !ok {
			s.logger.Warn("index returned id without metadata", "id", id)
			continue
		}
		out := *rec
		out.Embedding = nil
		scored = append(scored, models.ScoredRecord{
			Record:     out,
			Similarity: clampSimilarity(float64(res.Similarity)),
		})
	}

	sortScored(scored)
	return scored
}

// sortScored orders by exact similarity, descending, then by id. Near ties
// are left to cutWithTies so the ordering stays a strict weak order.
func sortScored(scored []models.ScoredRecord) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.ID < scored[j].Record.ID
	})
}

// cutWithTies returns how many of the sorted results to keep: topK, extended
// while the following results tie with the last kept one
func cutWithTies(scored []models.ScoredRecord, topK int) int {
	if len(scored) <= topK {
		return len(scored)
	}
	cut := topK
	boundary := scored[topK-1].Similarity
	for cut < len(scored) && math.Abs(scored[cut].Similarity-boundary) <= tieEpsilon {
		cut++
	}
	return cut
}

func toDocument(r *models.MemoryRecord) chromem.Document {
	return chromem.Document{
		ID:        strconv.FormatUint(r.ID, 10),
		Content:   r.Text,
		Embedding: r.Embedding,
		Metadata: map[string]string{
			"speaker":    string(r.Speaker),
			"session_id": r.SessionID,
		},
	}
}
