package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/models"
	"github.com/pm-ju/anya-web-extension/internal/transcript"
)

const archiveTimeout = 5 * time.Second

// Archiver persists the summary of a closed session
type Archiver interface {
	ArchiveSession(ctx context.Context, summary *models.SessionSummary) error
}

// Manager is the registry of live sessions keyed by connection id. Lookups
// of unknown ids are no-ops.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// connection ids whose transcript is being created
	opening map[string]struct{}

	transcriptDir string
	pageLimit     int
	historyLimit  int
	mirror        transcript.Mirror
	archiver      Archiver
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Manager)

// WithMirror mirrors every transcript entry, e.g. to Redis
func WithMirror(m transcript.Mirror) Option {
	return func(mgr *Manager) { mgr.mirror = m }
}

// WithArchiver stores session summaries on close, e.g. in MySQL
func WithArchiver(a Archiver) Option {
	return func(mgr *Manager) { mgr.archiver = a }
}

func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

func NewManager(transcriptDir string, pipeline config.PipelineConfig, opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		opening:       make(map[string]struct{}),
		transcriptDir: transcriptDir,
		pageLimit:     pipeline.PageContextLimit,
		historyLimit:  pipeline.HistoryLimit,
		logger:        logging.Component("session"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates the session for connID and starts its transcript. The id is
// reserved before any file is created, so a duplicate Open leaves nothing
// on disk.
func (m *Manager) Open(connID string) (*Session, error) {
	if err := m.reserve(connID); err != nil {
		return nil, err
	}

	recOpts := []transcript.Option{transcript.WithClock(m.now)}
	if m.mirror != nil {
		recOpts = append(recOpts, transcript.WithMirror(m.mirror))
	}
	recorder, err := transcript.NewRecorder(m.transcriptDir, recOpts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opening, connID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to start transcript", goerr.V("connection_id", connID))
	}

	s := newSession(connID, recorder, m.now(), m.pageLimit, m.historyLimit)
	m.sessions[connID] = s

	m.logger.Info("connected",
		"connection_id", connID,
		"session_id", s.sessionID,
		"transcript_id", recorder.SessionID())
	return s, nil
}

func (m *Manager) reserve(connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.sessions[connID]
	_, opening := m.opening[connID]
	if live || opening {
		return goerr.New("session already open", goerr.V("connection_id", connID))
	}
	m.opening[connID] = struct{}{}
	return nil
}

// Close discards the session and returns its final transcript stats.
// ok is false when connID is unknown.
func (m *Manager) Close(connID string) (stats models.SessionStats, ok bool) {
	m.mu.Lock()
	s, exists := m.sessions[connID]
	if exists {
		delete(m.sessions, connID)
	}
	m.mu.Unlock()

	if !exists {
		return models.SessionStats{}, false
	}

	stats = s.recorder.Stats()
	m.logger.Info("disconnected",
		"connection_id", connID,
		"session_id", s.sessionID,
		"transcript_id", stats.SessionID,
		"total_turns", stats.TotalTurns,
		"user_turns", stats.UserTurns,
		"assistant_turns", stats.AssistantTurns,
		"duration_minutes", stats.DurationMinutes)

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		summary := &models.SessionSummary{
			SessionID:       stats.SessionID,
			ConnectionID:    connID,
			TotalTurns:      stats.TotalTurns,
			UserTurns:       stats.UserTurns,
			AssistantTurns:  stats.AssistantTurns,
			DurationMinutes: stats.DurationMinutes,
			ClosedAt:        m.now(),
		}
		if err := m.archiver.ArchiveSession(ctx, summary); err != nil {
			m.logger.Warn("failed to archive session",
				"session_id", s.sessionID, "transcript_id", stats.SessionID, "error", err)
		}
	}

	return stats, true
}

// Get returns the live session for connID
func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	return s, ok
}

func (m *Manager) UpdatePageContext(connID, text string) {
	if s, ok := m.Get(connID); ok {
		s.SetPageContext(text)
	}
}

func (m *Manager) PageContext(connID string) string {
	if s, ok := m.Get(connID); ok {
		return s.PageContext()
	}
	return ""
}

func (m *Manager) AppendTurn(connID, role, content string) {
	if s, ok := m.Get(connID); ok {
		s.AppendTurn(role, content)
	}
}

func (m *Manager) History(connID string) []interfaces.ChatMessage {
	if s, ok := m.Get(connID); ok {
		return s.History()
	}
	return []interfaces.ChatMessage{}
}

func (m *Manager) Recorder(connID string) *transcript.Recorder {
	if s, ok := m.Get(connID); ok {
		return s.Recorder()
	}
	return nil
}

func (m *Manager) SessionID(connID string) string {
	if s, ok := m.Get(connID); ok {
		return s.SessionID()
	}
	return ""
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
