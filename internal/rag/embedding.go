package rag

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/pm-ju/anya-web-extension/internal/config"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryDelay     = 1 * time.Second
)

// EmbeddingService generates embeddings through an OpenAI-compatible
// endpoint and caches them by text.
type EmbeddingService struct {
	client     *openai.Client
	model      string
	dimensions int
	cache      *ristretto.Cache
	retryDelay time.Duration
}

// NewEmbeddingService creates a new embedding service
func NewEmbeddingService(cfg config.EmbeddingConfig, dimensions int) (*EmbeddingService, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: defaultTimeout}

	cache, err := newTextCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &EmbeddingService{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: dimensions,
		cache:      cache,
		retryDelay: retryDelay,
	}, nil
}

func newTextCache(size int64) (*ristretto.Cache, error) {
	if size <= 0 {
		size = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return cache, nil
}

// Dimensions returns the embedding size
func (s *EmbeddingService) Dimensions() int {
	return s.dimensions
}

// Embed generates embedding for a single text
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.cache.Get(text); ok {
		return v.([]float32), nil
	}

	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, goerr.New("no embedding generated")
	}

	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, consulting the cache first
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if v, ok := s.cache.Get(text); ok {
			vectors[i] = v.([]float32)
			continue
		}
		uncachedIndices = append(uncachedIndices, i)
		uncachedTexts = append(uncachedTexts, text)
	}

	if len(uncachedTexts) == 0 {
		return vectors, nil
	}

	fresh, err := s.createEmbeddings(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for i, idx := range uncachedIndices {
		vectors[idx] = fresh[i]
		s.cache.Set(uncachedTexts[i], fresh[i], 1)
	}

	return vectors, nil
}

// createEmbeddings calls the API with retries on transient failures
func (s *EmbeddingService) createEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      texts,
			Model:      openai.EmbeddingModel(s.model),
			Dimensions: s.dimensions,
		})
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				break
			}
			continue
		}

		if len(resp.Data) != len(texts) {
			return nil, goerr.New("embedding count mismatch",
				goerr.V("want", len(texts)), goerr.V("got", len(resp.Data)))
		}

		data := resp.Data
		sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

		vectors := make([][]float32, 0, len(data))
		for _, d := range data {
			if len(d.Embedding) != s.dimensions {
				return nil, goerr.Wrap(ErrDimensionMismatch, "embedding API returned wrong size",
					goerr.V("want", s.dimensions), goerr.V("got", len(d.Embedding)))
			}
			if !IsValidVector(d.Embedding) {
				return nil, goerr.New("embedding contains NaN or Inf")
			}
			vectors = append(vectors, NormalizeVector(d.Embedding))
		}
		return vectors, nil
	}

	return nil, goerr.Wrap(lastErr, "failed to create embeddings", goerr.V("attempts", maxRetries))
}

// isRetryableError reports whether an API error is worth another attempt
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}

	// network level failure
	return true
}

// NormalizeVector returns a unit-length copy of vector
func NormalizeVector(vector []float32) []float32 {
	if len(vector) == 0 {
		return vector
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)

	if norm == 0 {
		return vector
	}

	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / norm)
	}

	return normalized
}

// IsValidVector checks if a vector is valid (no NaN or Inf values)
func IsValidVector(vector []float32) bool {
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func clampSimilarity(s float64) float64 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}
