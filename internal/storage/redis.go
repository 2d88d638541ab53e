package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/models"
)

const (
	transcriptKeyPrefix = "transcript:"
	defaultMaxLength    = 1000
	defaultTTL          = 24 * time.Hour
)

// RedisStore mirrors live transcripts into capped Redis lists so other
// processes can follow a conversation while it happens
type RedisStore struct {
	client    *redis.Client
	maxLength int64
	ttl       time.Duration
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", cfg.Addr))
	}

	store := &RedisStore{
		client:    client,
		maxLength: cfg.MaxLength,
		ttl:       cfg.TTL,
	}
	if store.maxLength <= 0 {
		store.maxLength = defaultMaxLength
	}
	if store.ttl <= 0 {
		store.ttl = defaultTTL
	}

	logging.Component("redis").Info("connected", "addr", cfg.Addr, "max_length", store.maxLength)
	return store, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// TranscriptKey returns the list key holding a session's entries
func TranscriptKey(sessionID string) string {
	return transcriptKeyPrefix + sessionID
}

// MirrorEntry pushes entry onto the session's list, newest first
func (s *RedisStore) MirrorEntry(ctx context.Context, sessionID string, entry models.TranscriptEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal transcript entry")
	}

	key := TranscriptKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.maxLength-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return goerr.Wrap(err, "failed to mirror transcript entry", goerr.V("key", key))
	}
	return nil
}

// RecentEntries returns up to limit entries of a session, oldest first
func (s *RedisStore) RecentEntries(ctx context.Context, sessionID string, limit int64) ([]models.TranscriptEntry, error) {
	if limit <= 0 || limit > s.maxLength {
		limit = s.maxLength
	}

	results, err := s.client.LRange(ctx, TranscriptKey(sessionID), 0, limit-1).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read transcript", goerr.V("session_id", sessionID))
	}

	return decodeEntries(results), nil
}

// decodeEntries reverses the newest-first list order and skips bad entries
func decodeEntries(raw []string) []models.TranscriptEntry {
	entries := make([]models.TranscriptEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry models.TranscriptEntry
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}
