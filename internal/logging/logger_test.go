package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestFromFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Default(), From(context.Background()))

	var buf bytes.Buffer
	logger := New("debug", &buf)
	ctx := With(context.Background(), logger)
	assert.Same(t, logger, From(ctx))
}
