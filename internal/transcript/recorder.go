package transcript

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/models"
)

const (
	stampLayout   = "20060102_150405"
	mirrorTimeout = 2 * time.Second
)

var csvHeader = []string{"timestamp", "speaker", "text", "turn_number"}

// Mirror receives every entry after it has been written to disk
type Mirror interface {
	MirrorEntry(ctx context.Context, sessionID string, entry models.TranscriptEntry) error
}

// Recorder writes one session's transcript as a JSON document, rewritten on
// every append, and a CSV file that only ever grows. Both always hold the
// same entries.
type Recorder struct {
	mu        sync.Mutex
	sessionID string
	jsonPath  string
	csvPath   string
	entries   []models.TranscriptEntry
	mirror    Mirror
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Recorder)

// WithMirror forwards entries to m, e.g. a Redis list
func WithMirror(m Mirror) Option {
	return func(r *Recorder) { r.mirror = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

type document struct {
	SessionID    string                   `json:"session_id"`
	TotalTurns   int                      `json:"total_turns"`
	Conversation []models.TranscriptEntry `json:"conversation"`
}

// NewRecorder creates the transcript files in dir. The session stamp is the
// start time plus a short random suffix so concurrent sessions never collide.
func NewRecorder(dir string, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		logger: logging.Component("transcript"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create transcript directory", goerr.V("dir", dir))
	}

	r.sessionID = r.now().Format(stampLayout) + "_" + uuid.NewString()[:8]
	r.jsonPath = filepath.Join(dir, "conversation_"+r.sessionID+".json")
	r.csvPath = filepath.Join(dir, "conversation_"+r.sessionID+".csv")

	if err := r.initCSV(); err != nil {
		return nil, err
	}
	if err := r.writeJSON(nil); err != nil {
		return nil, err
	}

	r.logger.Info("transcript started", "transcript_id", r.sessionID)
	return r, nil
}

// SessionID returns the transcript's session stamp
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Paths returns the JSON and CSV file paths
func (r *Recorder) Paths() (jsonPath, csvPath string) {
	return r.jsonPath, r.csvPath
}

// Append records text for speaker with the next turn number. On error
// neither file nor the in-memory entries change.
func (r *Recorder) Append(speaker models.Speaker, text string) (models.TranscriptEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := models.TranscriptEntry{
		Timestamp:  r.now(),
		Speaker:    speaker,
		Text:       text,
		TurnNumber: len(r.entries) + 1,
	}

	next := make([]models.TranscriptEntry, len(r.entries), len(r.entries)+1)
	copy(next, r.entries)
	next = append(next, entry)

	if err := r.writeJSON(next); err != nil {
		return models.TranscriptEntry{}, err
	}
	if err := r.appendCSV(entry); err != nil {
		if rbErr := r.writeJSON(r.entries); rbErr != nil {
			r.logger.Error("failed to roll back transcript json", "error", rbErr)
		}
		return models.TranscriptEntry{}, err
	}
	r.entries = next

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := r.mirror.MirrorEntry(ctx, r.sessionID, entry); err != nil {
			r.logger.Warn("failed to mirror transcript entry", "transcript_id", r.sessionID, "error", err)
		}
		cancel()
	}

	r.logger.Debug("logged", "speaker", speaker, "turn", entry.TurnNumber, "text", preview(text, 50))
	return entry, nil
}

// Entries returns a copy of all entries in order
func (r *Recorder) Entries() []models.TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TranscriptEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Stats counts turns per speaker. Duration spans the first and last entry
// in minutes, rounded to two decimals, and is 0 with fewer than two entries.
func (r *Recorder) Stats() models.SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := models.SessionStats{
		SessionID:  r.sessionID,
		TotalTurns: len(r.entries),
	}
	for _, e := range r.entries {
		switch e.Speaker {
		case models.SpeakerUser:
			stats.UserTurns++
		case models.SpeakerAssistant:
			stats.AssistantTurns++
		}
	}
	if len(r.entries) >= 2 {
		d := r.entries[len(r.entries)-1].Timestamp.Sub(r.entries[0].Timestamp)
		stats.DurationMinutes = math.Round(d.Minutes()*100) / 100
	}
	return stats
}

func (r *Recorder) initCSV() error {
	f, err := os.Create(r.csvPath)
	if err != nil {
		return goerr.Wrap(err, "failed to create transcript csv", goerr.V("path", r.csvPath))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return goerr.Wrap(err, "failed to write csv header", goerr.V("path", r.csvPath))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return goerr.Wrap(err, "failed to write csv header", goerr.V("path", r.csvPath))
	}
	return nil
}

func (r *Recorder) appendCSV(entry models.TranscriptEntry) error {
	f, err := os.OpenFile(r.csvPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return goerr.Wrap(err, "failed to open transcript csv", goerr.V("path", r.csvPath))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.Speaker),
		entry.Text,
		strconv.Itoa(entry.TurnNumber),
	}); err != nil {
		return goerr.Wrap(err, "failed to append csv row", goerr.V("path", r.csvPath))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return goerr.Wrap(err, "failed to append csv row", goerr.V("path", r.csvPath))
	}
	return nil
}

func (r *Recorder) writeJSON(entries []models.TranscriptEntry) error {
	if entries == nil {
		entries = []models.TranscriptEntry{}
	}
	data, err := json.MarshalIndent(document{
		SessionID:    r.sessionID,
		TotalTurns:   len(entries),
		Conversation: entries,
	}, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to encode transcript")
	}

	tmp := r.jsonPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return goerr.Wrap(err, "failed to write transcript json", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, r.jsonPath); err != nil {
		return goerr.Wrap(err, "failed to replace transcript json", goerr.V("path", r.jsonPath))
	}
	return nil
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
