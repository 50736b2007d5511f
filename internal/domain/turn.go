package domain

import (
	"net/url"
	"time"
	"unicode/utf8"
)

// TurnID is an opaque, store-assigned identifier for a conversation turn.
type TurnID string

// Turn is one question/answer exchange. Answer stays nil until the
// completion resolves.
type Turn struct {
	ID        TurnID
	SessionID string
	Question  string
	Answer    *string
	Size      int
	CreatedAt time.Time
}

// Answered reports whether the turn's answer has been written.
func (t Turn) Answered() bool {
	return t.Answer != nil
}

// AnswerText returns the answer or "" while it is still pending.
func (t Turn) AnswerText() string {
	if t.Answer == nil {
		return ""
	}
	return *t.Answer
}

// SessionID groups turns of one chat+sender pair. Both parts are escaped
// before joining so no separator inside an id can alias another pair.
func SessionID(chatID, senderID string) string {
	return url.QueryEscape(chatID) + ":" + url.QueryEscape(senderID)
}

// QuestionSize is the diagnostic length recorded with each turn.
func QuestionSize(question string) int {
	return utf8.RuneCountInString(question)
}
