package transcript

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-ju/anya-web-extension/internal/models"
)

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type fakeMirror struct {
	mu      sync.Mutex
	entries []models.TranscriptEntry
	err     error
}

func (m *fakeMirror) MirrorEntry(_ context.Context, _ string, entry models.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func TestRecorder_AppendWritesBothFiles(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	e1, err := r.Append(models.SpeakerUser, "hello, Anya")
	require.NoError(t, err)
	e2, err := r.Append(models.SpeakerAssistant, "Waku waku! Hi there!")
	require.NoError(t, err)

	assert.Equal(t, 1, e1.TurnNumber)
	assert.Equal(t, 2, e2.TurnNumber)

	jsonPath, csvPath := r.Paths()

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, r.SessionID(), doc.SessionID)
	assert.Equal(t, 2, doc.TotalTurns)
	require.Len(t, doc.Conversation, 2)
	assert.Equal(t, "hello, Anya", doc.Conversation[0].Text)
	assert.Equal(t, models.SpeakerAssistant, doc.Conversation[1].Speaker)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"user", "hello, Anya", "1"}, rows[1][1:])
	assert.Equal(t, []string{"assistant", "Waku waku! Hi there!", "2"}, rows[2][1:])
}

func TestRecorder_EmptyTranscriptHasHeaderOnly(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	jsonPath, csvPath := r.Paths()

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 0, doc.TotalTurns)
	assert.Empty(t, doc.Conversation)

	raw, err = os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,speaker,text,turn_number\n", string(raw))
}

func TestRecorder_Stats(t *testing.T) {
	clock := &stepClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), step: 45 * time.Second}
	r, err := NewRecorder(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 0, stats.TotalTurns)
	assert.Equal(t, 0.0, stats.DurationMinutes)

	_, err = r.Append(models.SpeakerUser, "one")
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Stats().DurationMinutes)

	_, err = r.Append(models.SpeakerAssistant, "two")
	require.NoError(t, err)
	_, err = r.Append(models.SpeakerUser, "three")
	require.NoError(t, err)

	stats = r.Stats()
	assert.Equal(t, r.SessionID(), stats.SessionID)
	assert.Equal(t, 3, stats.TotalTurns)
	assert.Equal(t, 2, stats.UserTurns)
	assert.Equal(t, 1, stats.AssistantTurns)
	assert.Equal(t, 1.5, stats.DurationMinutes)
}

func TestRecorder_SessionIDsAreDistinct(t *testing.T) {
	dir := t.TempDir()
	fixed := func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

	a, err := NewRecorder(dir, WithClock(fixed))
	require.NoError(t, err)
	b, err := NewRecorder(dir, WithClock(fixed))
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.Contains(t, a.SessionID(), "20250301_100000_")
}

func TestRecorder_Mirror(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("redis down")}
	r, err := NewRecorder(t.TempDir(), WithMirror(mirror))
	require.NoError(t, err)

	_, err = r.Append(models.SpeakerUser, "hi")
	require.NoError(t, err, "mirror failures are not fatal")

	require.Len(t, mirror.entries, 1)
	assert.Equal(t, "hi", mirror.entries[0].Text)
	assert.Len(t, r.Entries(), 1)
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Append(models.SpeakerUser, "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries := r.Entries()
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, i+1, e.TurnNumber)
	}
}
