package models

import "time"

// TranscriptEntry is one line of a session transcript.
type TranscriptEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	TurnNumber int       `json:"turn_number"`
}

// SessionStats summarises a transcript when its session closes.
type SessionStats struct {
	SessionID       string  `json:"session_id"`
	TotalTurns      int     `json:"total_turns"`
	UserTurns       int     `json:"user_turns"`
	AssistantTurns  int     `json:"assistant_turns"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// SessionSummary is the database model for an archived session
type SessionSummary struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SessionID       string    `gorm:"size:128;uniqueIndex" json:"session_id"`
	ConnectionID    string    `gorm:"size:64;index" json:"connection_id"`
	TotalTurns      int       `json:"total_turns"`
	UserTurns       int       `json:"user_turns"`
	AssistantTurns  int       `json:"assistant_turns"`
	DurationMinutes float64   `json:"duration_minutes"`
	ClosedAt        time.Time `json:"closed_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName pins the table name used by gorm
func (SessionSummary) TableName() string {
	return "session_summaries"
}
