// Package lark parses Lark/Feishu event subscription payloads and sends text
// replies through the Lark Open API.
package lark

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"lark-relay/internal/domain"
)

const (
	typeURLVerification  = "url_verification"
	eventTypeMessageRecv = "im.message.receive_v1"
	messageTypeText      = "text"
	senderTypeApp        = "app"
)

// ErrInvalidPayload marks bodies that cannot be turned into a message.
// The transport acknowledges them without processing.
var ErrInvalidPayload = errors.New("lark: invalid payload")

// ErrTokenMismatch is returned when the verification token does not match.
var ErrTokenMismatch = fmt.Errorf("%w: verification token mismatch", ErrInvalidPayload)

type Kind int

const (
	KindUnsupported Kind = iota
	KindHandshake
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindMessage:
		return "message"
	default:
		return "unsupported"
	}
}

// Envelope is the classified inbound body.
type Envelope struct {
	Kind      Kind
	Challenge string
	EventType string
	Message   domain.InboundMessage
}

type rawEnvelope struct {
	// url_verification
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	// schema 2.0 events
	Header *rawHeader      `json:"header"`
	Event  json.RawMessage `json:"event"`
}

type rawHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

type rawMessageEvent struct {
	Sender struct {
		SenderID struct {
			UserID  string `json:"user_id"`
			OpenID  string `json:"open_id"`
			UnionID string `json:"union_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

type textContent struct {
	Text string `json:"text"`
}

var mentionPlaceholder = regexp.MustCompile(`@_user_\d+`)

// Parser classifies inbound bodies. A non-empty VerificationToken makes it
// reject envelopes carrying a different token.
type Parser struct {
	VerificationToken string
}

// Parse classifies body into a handshake, a text message or an unsupported event.
func (p Parser) Parse(body []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if raw.Type == typeURLVerification {
		if !p.tokenMatches(raw.Token) {
			return Envelope{}, ErrTokenMismatch
		}
		return Envelope{Kind: KindHandshake, Challenge: raw.Challenge}, nil
	}

	if raw.Header == nil {
		return Envelope{Kind: KindUnsupported}, nil
	}
	if !p.tokenMatches(raw.Header.Token) {
		return Envelope{}, ErrTokenMismatch
	}
	if raw.Header.EventType != eventTypeMessageRecv {
		return Envelope{Kind: KindUnsupported, EventType: raw.Header.EventType}, nil
	}

	msg, err := parseMessageEvent(raw.Header.EventID, raw.Event)
	if err != nil {
		return Envelope{}, err
	}
	msg.Raw = body
	return Envelope{Kind: KindMessage, EventType: raw.Header.EventType, Message: msg}, nil
}

func (p Parser) tokenMatches(token string) bool {
	return p.VerificationToken == "" || token == p.VerificationToken
}

func parseMessageEvent(eventID string, body json.RawMessage) (domain.InboundMessage, error) {
	if strings.TrimSpace(eventID) == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	if len(body) == 0 {
		return domain.InboundMessage{}, fmt.Errorf("%w: missing event body", ErrInvalidPayload)
	}

	var ev rawMessageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.InboundMessage{}, fmt.Errorf("%w: event body: %v", ErrInvalidPayload, err)
	}
	if ev.Sender.SenderType == senderTypeApp {
		return domain.InboundMessage{}, fmt.Errorf("%w: message sent by an app", ErrInvalidPayload)
	}
	if ev.Message.MessageType != messageTypeText {
		return domain.InboundMessage{}, fmt.Errorf("%w: unsupported message type %q", ErrInvalidPayload, ev.Message.MessageType)
	}
	if ev.Message.ChatID == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: missing chat id", ErrInvalidPayload)
	}

	senderID := firstNonEmpty(ev.Sender.SenderID.UserID, ev.Sender.SenderID.OpenID, ev.Sender.SenderID.UnionID)
	if senderID == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: missing sender id", ErrInvalidPayload)
	}

	var content textContent
	if err := json.Unmarshal([]byte(ev.Message.Content), &content); err != nil {
		return domain.InboundMessage{}, fmt.Errorf("%w: message content: %v", ErrInvalidPayload, err)
	}
	text := NormalizeText(content.Text)
	if text == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: empty text", ErrInvalidPayload)
	}

	return domain.InboundMessage{
		EventID:   eventID,
		MessageID: ev.Message.MessageID,
		ChatID:    ev.Message.ChatID,
		SenderID:  senderID,
		Text:      text,
	}, nil
}

// NormalizeText strips mention placeholders and surrounding whitespace.
func NormalizeText(s string) string {
	s = mentionPlaceholder.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
