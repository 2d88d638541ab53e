package generators

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
)

// CachedSynthesizer remembers synthesized audio for repeated replies
type CachedSynthesizer struct {
	next  interfaces.Synthesizer
	cache *ristretto.Cache
	voice string
}

// NewCachedSynthesizer wraps next with a cache holding up to maxEntries clips
func NewCachedSynthesizer(next interfaces.Synthesizer, voice string, maxEntries int64) (*CachedSynthesizer, error) {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create audio cache")
	}
	return &CachedSynthesizer{next: next, cache: cache, voice: voice}, nil
}

func (c *CachedSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	key := GenerateAudioCacheKey(text, c.voice)
	if v, ok := c.cache.Get(key); ok {
		return v.([]byte), nil
	}

	audio, err := c.next.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, audio, 1)
	return audio, nil
}

// GenerateAudioCacheKey generates a cache key from text and voice
func GenerateAudioCacheKey(text, voice string) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s|%s", text, voice)))
	return hex.EncodeToString(hash[:])
}

// NewSynthesizer builds the configured synthesizer behind the audio cache
func NewSynthesizer(cfg config.SynthesisConfig) (*CachedSynthesizer, error) {
	var next interfaces.Synthesizer
	switch cfg.Provider {
	case "http":
		next = NewHTTPSynthesizer(cfg)
	case "openai", "":
		next = NewOpenAISynthesizer(cfg)
	default:
		return nil, goerr.New("unknown synthesis provider", goerr.V("provider", cfg.Provider))
	}
	return NewCachedSynthesizer(next, cfg.Voice, cfg.CacheSize)
}
