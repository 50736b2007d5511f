package domain

import "time"

// Event is one inbound delivery notification, keyed by the platform event id.
type Event struct {
	EventID    string
	RawPayload []byte
	Content    string
	CreatedAt  time.Time
}

// InboundMessage is a normalized chat message extracted from a platform event.
type InboundMessage struct {
	EventID   string
	MessageID string
	ChatID    string
	SenderID  string
	Text      string
	Raw       []byte
}

// SessionID returns the session the message belongs to.
func (m InboundMessage) SessionID() string {
	return SessionID(m.ChatID, m.SenderID)
}
