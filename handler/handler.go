// Package handler adapts the relay pipeline to Lark webhook deliveries over
// API Gateway (Lambda) or a plain HTTP server.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"lark-relay/internal/domain"
	"lark-relay/internal/lark"
	"lark-relay/internal/logctx"
	"lark-relay/internal/metrics"
	"lark-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

type Relayer interface {
	Accept(ctx context.Context, msg domain.InboundMessage) (usecase.Accepted, error)
	Complete(ctx context.Context, acc usecase.Accepted) (usecase.Outcome, error)
	Relay(ctx context.Context, msg domain.InboundMessage) (usecase.Outcome, error)
}

type EnvelopeParser interface {
	Parse(body []byte) (lark.Envelope, error)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Dispatcher, when set, makes ServeHTTP acknowledge right after the
	// event is accepted and finish the reply in the background.
	Dispatcher *Dispatcher
}

type Handler struct {
	relay      Relayer
	parser     EnvelopeParser
	log        *slog.Logger
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type result struct {
	status int
	body   any
}

var okResult = result{status: http.StatusOK, body: ackResponse{OK: true}}

func NewHandler(relay Relayer, parser EnvelopeParser, opts Options) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if parser == nil {
		return nil, errors.New("handler: parser must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:      relay,
		parser:     parser,
		log:        logger,
		metrics:    opts.Metrics,
		dispatcher: opts.Dispatcher,
	}, nil
}

// Handle serves API Gateway proxy events. The Lambda runtime freezes once
// the response is returned, so the whole pipeline runs before replying.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationIDFromMap(req.Headers)
	ctx = logctx.With(ctx, h.log.With("correlation_id", corrID))

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			logctx.From(ctx).Info("ignoring undecodable body", "error", err)
			h.metrics.ObserveEvent(metrics.OutcomeInvalid)
			return lambdaResponse(okResult, corrID), nil
		}
		body = decoded
	}

	res := h.process(ctx, body, false)
	return lambdaResponse(res, corrID), nil
}

// ServeHTTP serves POST /webhook.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corrID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx := logctx.With(r.Context(), h.log.With("correlation_id", corrID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logctx.From(ctx).Info("ignoring unreadable body", "error", err)
		h.metrics.ObserveEvent(metrics.OutcomeInvalid)
		writeJSON(w, okResult, corrID)
		return
	}

	writeJSON(w, h.process(ctx, body, h.dispatcher != nil), corrID)
}

func (h *Handler) process(ctx context.Context, body []byte, async bool) result {
	log := logctx.From(ctx)

	env, err := h.parser.Parse(body)
	if err != nil {
		log.Info("ignoring invalid payload", "error", err)
		h.metrics.ObserveEvent(metrics.OutcomeInvalid)
		return okResult
	}

	switch env.Kind {
	case lark.KindHandshake:
		log.Info("answering url verification")
		h.metrics.ObserveEvent(metrics.OutcomeHandshake)
		return result{status: http.StatusOK, body: challengeResponse{Challenge: env.Challenge}}
	case lark.KindUnsupported:
		log.Debug("ignoring unsupported event", "event_type", env.EventType)
		h.metrics.ObserveEvent(metrics.OutcomeIgnored)
		return okResult
	}

	if !async {
		_, err := h.relay.Relay(ctx, env.Message)
		return h.ack(ctx, err)
	}

	acc, err := h.relay.Accept(ctx, env.Message)
	if err != nil {
		return h.ack(ctx, err)
	}
	complete := func(ctx context.Context) error {
		_, err := h.relay.Complete(ctx, acc)
		return err
	}
	if !h.dispatcher.Go(ctx, complete) {
		// Shutting down: finish inline rather than drop an accepted event.
		return h.ack(ctx, complete(ctx))
	}
	return okResult
}

// ack maps a pipeline error to the webhook response. Only storage failures
// are surfaced, so the platform redelivers; redeliveries of an event that
// was already claimed are dropped by the dedup step.
func (h *Handler) ack(ctx context.Context, err error) result {
	if err == nil {
		return okResult
	}
	log := logctx.From(ctx)
	switch usecase.CodeOf(err) {
	case usecase.ErrorDuplicateEvent:
		return okResult
	case usecase.ErrorValidation:
		log.Info("ignoring incomplete message", "error", err)
		h.metrics.ObserveEvent(metrics.OutcomeInvalid)
		return okResult
	case usecase.ErrorStorage:
		log.Error("storage failure", "error", err)
		return result{
			status: http.StatusInternalServerError,
			body:   errorResponse{Error: string(usecase.ErrorStorage)},
		}
	default:
		log.Error("relay failed", "error", err)
		return okResult
	}
}

func lambdaResponse(res result, corrID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: res.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(mustJSON(res.body)),
	}
}

func writeJSON(w http.ResponseWriter, res result, corrID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(correlationHeader, corrID)
	w.WriteHeader(res.status)
	_, _ = w.Write(mustJSON(res.body))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal"}`)
	}
	return b
}

func correlationIDFromMap(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
