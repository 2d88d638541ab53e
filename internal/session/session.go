package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/transcript"
)

// Session is the per-connection conversational state. It is created by
// Manager.Open and lives until Manager.Close.
type Session struct {
	mu           sync.RWMutex
	connectionID string
	sessionID    string
	pageContext  string
	history      []interfaces.ChatMessage
	recorder     *transcript.Recorder
	openedAt     time.Time

	pageLimit    int
	historyLimit int
}

func newSession(connID string, recorder *transcript.Recorder, now time.Time, pageLimit, historyLimit int) *Session {
	return &Session{
		connectionID: connID,
		sessionID:    "anya_" + connID + "_" + strconv.FormatInt(now.Unix(), 10),
		recorder:     recorder,
		openedAt:     now,
		pageLimit:    pageLimit,
		historyLimit: historyLimit,
	}
}

func (s *Session) ConnectionID() string {
	return s.connectionID
}

// SessionID tags the memory records this session writes
func (s *Session) SessionID() string {
	return s.sessionID
}

func (s *Session) Recorder() *transcript.Recorder {
	return s.recorder
}

// SetPageContext replaces the page context with the first pageLimit
// characters of text
func (s *Session) SetPageContext(text string) {
	text = truncateRunes(text, s.pageLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageContext = text
}

func (s *Session) PageContext() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageContext
}

// AppendTurn adds one message and drops the oldest beyond historyLimit
func (s *Session) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, interfaces.ChatMessage{Role: role, Content: content})
	if over := len(s.history) - s.historyLimit; over > 0 {
		trimmed := make([]interfaces.ChatMessage, s.historyLimit)
		copy(trimmed, s.history[over:])
		s.history = trimmed
	}
}

// History returns a copy of the retained messages, oldest first
func (s *Session) History() []interfaces.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interfaces.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
