package interfaces

// EventType enumerates every message the server sends to a client
type EventType string

const (
	EventUserTranscript EventType = "user_transcript"
	EventAITranscript   EventType = "ai_transcript"
	EventAudioResponse  EventType = "audio_response"
	EventError          EventType = "error"
	EventStatus         EventType = "status"
	EventContextUpdated EventType = "context_updated"
	EventPong           EventType = "pong"
)

// StatusComplete is the status message closing a successful turn
const StatusComplete = "complete"

// Event is an outbound message. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	Message  string    `json:"message,omitempty"`
	Audio    string    `json:"audio,omitempty"`
	Complete bool      `json:"complete,omitempty"`
}

// EventSink receives the events of one connection in emission order
type EventSink interface {
	Emit(event Event)
}

// UserTranscript builds a user_transcript event
func UserTranscript(text string) Event {
	return Event{Type: EventUserTranscript, Text: text}
}

// AITranscript builds an ai_transcript event
func AITranscript(text string) Event {
	return Event{Type: EventAITranscript, Text: text}
}

// AudioResponse builds an audio_response event from base64 audio
func AudioResponse(audioBase64 string) Event {
	return Event{Type: EventAudioResponse, Audio: audioBase64, Complete: true}
}

// ErrorEvent builds an error event
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Status builds a status event
func Status(message string) Event {
	return Event{Type: EventStatus, Message: message}
}

// ContextUpdated acknowledges a page_update
func ContextUpdated() Event {
	return Event{Type: EventContextUpdated}
}

// Pong answers a ping
func Pong() Event {
	return Event{Type: EventPong}
}
