package usecase

import (
	"context"
	"log/slog"

	"lark-relay/internal/domain"
)

// buildPrompt returns the completion input: up to HistoryTurns earlier
// answered turns in chronological order followed by the new question.
func (s *RelayService) buildPrompt(ctx context.Context, log *slog.Logger, acc Accepted) []domain.ChatMessage {
	question := domain.ChatMessage{Role: domain.RoleUser, Content: acc.Message.Text}
	if s.opts.HistoryTurns == 0 {
		return []domain.ChatMessage{question}
	}

	turns, err := s.store.ListTurns(ctx, acc.SessionID)
	if err != nil {
		log.Warn("history lookup failed, sending question alone", "error", err)
		return []domain.ChatMessage{question}
	}

	history := s.selectHistory(turns, acc.TurnID)
	messages := make([]domain.ChatMessage, 0, 2*len(history)+1)
	for _, t := range history {
		messages = append(messages,
			domain.ChatMessage{Role: domain.RoleUser, Content: t.Question},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: t.AnswerText()},
		)
	}
	return append(messages, question)
}

// selectHistory picks from newest-first turns and returns them oldest first.
// Placeholder answers are skipped since the model never produced them.
func (s *RelayService) selectHistory(turns []domain.Turn, current domain.TurnID) []domain.Turn {
	picked := make([]domain.Turn, 0, s.opts.HistoryTurns)
	for _, t := range turns {
		if len(picked) == s.opts.HistoryTurns {
			break
		}
		if t.ID == current || !t.Answered() {
			continue
		}
		if a := t.AnswerText(); a == s.opts.FallbackReply || a == s.opts.EmptyReply {
			continue
		}
		picked = append(picked, t)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
