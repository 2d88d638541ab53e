package web

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// InboundKind enumerates the messages a client may send
type InboundKind int

const (
	// InboundUnknown covers malformed text and unrecognized types; it is ignored
	InboundUnknown InboundKind = iota
	InboundPageUpdate
	InboundPing
	// InboundAudio is a binary frame holding one utterance
	InboundAudio
)

func (k InboundKind) String() string {
	switch k {
	case InboundPageUpdate:
		return "page_update"
	case InboundPing:
		return "ping"
	case InboundAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Inbound is one decoded client message
type Inbound struct {
	Kind    InboundKind
	Content string
	Audio   []byte
}

type textMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ParseInbound decodes a websocket frame. It never fails; anything it cannot
// make sense of comes back as InboundUnknown.
func ParseInbound(messageType int, data []byte) Inbound {
	switch messageType {
	case websocket.BinaryMessage:
		return Inbound{Kind: InboundAudio, Audio: data}
	case websocket.TextMessage:
	default:
		return Inbound{Kind: InboundUnknown}
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{Kind: InboundUnknown}
	}

	switch msg.Type {
	case "page_update":
		return Inbound{Kind: InboundPageUpdate, Content: msg.Content}
	case "ping":
		return Inbound{Kind: InboundPing}
	default:
		return Inbound{Kind: InboundUnknown}
	}
}
