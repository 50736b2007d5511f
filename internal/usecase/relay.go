package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lark-relay/internal/domain"
	"lark-relay/internal/logctx"
	"lark-relay/internal/metrics"
	"lark-relay/internal/repository"
)

const (
	defaultCompletionTimeout = 30 * time.Second
	defaultSendTimeout       = 10 * time.Second

	DefaultFallbackReply = "Sorry, I could not come up with an answer right now. Please try again later."
	DefaultEmptyReply    = "Sorry, I have nothing to say about that."
)

type Store interface {
	RecordEvent(ctx context.Context, eventID string, raw []byte) error
	AnnotateEvent(ctx context.Context, eventID, content string) error
	InsertTurn(ctx context.Context, sessionID, question string, size int) (domain.TurnID, error)
	SetAnswer(ctx context.Context, turnID domain.TurnID, answer string) error
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
}

type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Options struct {
	CompletionTimeout time.Duration
	SendTimeout       time.Duration
	// HistoryTurns is how many earlier answered turns of the session are
	// sent along with the question. Zero sends the question alone.
	HistoryTurns  int
	FallbackReply string
	EmptyReply    string
	Metrics       *metrics.Metrics
}

type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Accepted is a deduplicated event whose question row has been written.
type Accepted struct {
	Message    domain.InboundMessage
	SessionID  string
	TurnID     domain.TurnID
	AcceptedAt time.Time
}

type Outcome struct {
	Status    Status
	SessionID string
	TurnID    domain.TurnID
	Answer    string
	Fallback  bool
}

// RelayService turns accepted chat messages into persisted turns and
// replies. Each event id is processed at most once.
type RelayService struct {
	store     Store
	completer Completer
	sender    Sender
	opts      Options
	now       func() time.Time
}

func NewRelayService(store Store, completer Completer, sender Sender, opts Options) (*RelayService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if completer == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if opts.HistoryTurns < 0 {
		return nil, errors.New("usecase: history turns must not be negative")
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = defaultCompletionTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if strings.TrimSpace(opts.FallbackReply) == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	if strings.TrimSpace(opts.EmptyReply) == "" {
		opts.EmptyReply = DefaultEmptyReply
	}
	return &RelayService{
		store:     store,
		completer: completer,
		sender:    sender,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// Relay runs Accept and Complete back to back.
func (s *RelayService) Relay(ctx context.Context, msg domain.InboundMessage) (Outcome, error) {
	acc, err := s.Accept(ctx, msg)
	if err != nil {
		return Outcome{}, err
	}
	return s.Complete(ctx, acc)
}

// Accept claims the event id and stores the question. A redelivered event
// yields a DUPLICATE_EVENT error and touches nothing else.
func (s *RelayService) Accept(ctx context.Context, msg domain.InboundMessage) (Accepted, error) {
	if err := validateMessage(msg); err != nil {
		return Accepted{}, err
	}
	log := logctx.From(ctx).With("event_id", msg.EventID)

	if err := s.store.RecordEvent(ctx, msg.EventID, msg.Raw); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			log.Info("duplicate event ignored")
			s.opts.Metrics.ObserveEvent(metrics.OutcomeDuplicate)
			return Accepted{}, newError(ErrorDuplicateEvent, "event_already_recorded", nil)
		}
		s.opts.Metrics.ObserveEvent(metrics.OutcomeStorageFail)
		return Accepted{}, newError(ErrorStorage, "event_record_error", err)
	}

	sessionID := msg.SessionID()
	turnID, err := s.store.InsertTurn(ctx, sessionID, msg.Text, domain.QuestionSize(msg.Text))
	if err != nil {
		s.annotate(ctx, msg.EventID, "turn_insert_failed")
		s.opts.Metrics.ObserveEvent(metrics.OutcomeStorageFail)
		return Accepted{}, newError(ErrorStorage, "turn_insert_error", err)
	}

	log.Debug("event accepted", "session_id", sessionID, "turn_id", turnID)
	return Accepted{
		Message:    msg,
		SessionID:  sessionID,
		TurnID:     turnID,
		AcceptedAt: s.now(),
	}, nil
}

// Complete asks for an answer, stores it on the accepted turn and posts it
// back to the chat. Completion failures are replaced by the fallback reply.
func (s *RelayService) Complete(ctx context.Context, acc Accepted) (Outcome, error) {
	log := logctx.From(ctx).With(
		"event_id", acc.Message.EventID,
		"session_id", acc.SessionID,
		"turn_id", acc.TurnID,
	)
	out := Outcome{Status: StatusFailed, SessionID: acc.SessionID, TurnID: acc.TurnID}
	defer func() {
		if !acc.AcceptedAt.IsZero() {
			s.opts.Metrics.ObservePipeline(s.now().Sub(acc.AcceptedAt))
		}
	}()

	prompt := s.buildPrompt(ctx, log, acc)
	answer, fallback := s.answer(ctx, log, prompt)
	out.Answer, out.Fallback = answer, fallback

	if err := s.store.SetAnswer(ctx, acc.TurnID, answer); err != nil {
		s.annotate(ctx, acc.Message.EventID, fmt.Sprintf("answer_write_failed turn=%s", acc.TurnID))
		s.opts.Metrics.ObserveEvent(metrics.OutcomeStorageFail)
		return out, newError(ErrorStorage, answerWriteReason(err), err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	err := s.sender.Send(sendCtx, acc.Message.ChatID, answer)
	cancel()
	if err != nil {
		s.opts.Metrics.SendFailed()
		s.opts.Metrics.ObserveEvent(metrics.OutcomeSendFailed)
		s.annotate(ctx, acc.Message.EventID, fmt.Sprintf("send_failed turn=%s", acc.TurnID))
		return out, newError(ErrorSend, "reply_send_error", err)
	}

	s.annotate(ctx, acc.Message.EventID, fmt.Sprintf("replied turn=%s fallback=%t", acc.TurnID, fallback))
	s.opts.Metrics.ObserveEvent(metrics.OutcomeReplied)
	log.Info("reply sent", "fallback", fallback)
	out.Status = StatusDone
	return out, nil
}

// answer calls the completer under the completion timeout. The second return
// is true when a placeholder replaced the model output.
func (s *RelayService) answer(ctx context.Context, log *slog.Logger, prompt []domain.ChatMessage) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CompletionTimeout)
	defer cancel()

	text, err := s.completer.Complete(cctx, prompt)
	if err != nil {
		s.opts.Metrics.CompletionFailed()
		attrs := []any{"error", err, "reason", completionReason(err)}
		if status, ok := upstreamStatusCode(err); ok {
			attrs = append(attrs, "upstream_status", status)
		}
		log.Warn("completion failed, using fallback reply", attrs...)
		return s.opts.FallbackReply, true
	}
	if strings.TrimSpace(text) == "" {
		log.Warn("completion returned empty text")
		return s.opts.EmptyReply, true
	}
	return text, false
}

// annotate writes the event trace. The trace is diagnostic only, so a
// failure is logged and otherwise ignored.
func (s *RelayService) annotate(ctx context.Context, eventID, trace string) {
	if err := s.store.AnnotateEvent(ctx, eventID, trace); err != nil {
		logctx.From(ctx).Warn("annotate event failed", "event_id", eventID, "error", err)
	}
}

func validateMessage(msg domain.InboundMessage) error {
	switch {
	case strings.TrimSpace(msg.EventID) == "":
		return newError(ErrorValidation, "missing_event_id", nil)
	case strings.TrimSpace(msg.ChatID) == "":
		return newError(ErrorValidation, "missing_chat_id", nil)
	case strings.TrimSpace(msg.SenderID) == "":
		return newError(ErrorValidation, "missing_sender_id", nil)
	case strings.TrimSpace(msg.Text) == "":
		return newError(ErrorValidation, "empty_text", nil)
	}
	return nil
}

func completionReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "completion_timeout"
	}
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return "completion_rate_limited"
	}
	return "completion_error"
}

func answerWriteReason(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "turn_missing"
	case errors.Is(err, repository.ErrAnswerAlreadySet):
		return "answer_already_set"
	default:
		return "answer_write_error"
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode(), true
	}
	return 0, false
}
