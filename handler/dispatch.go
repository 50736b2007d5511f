package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lark-relay/internal/logctx"
	"lark-relay/internal/metrics"
	"lark-relay/internal/usecase"
)

// Dispatcher runs pipeline tails after the webhook has been acknowledged and
// tracks them so shutdown can wait for in-flight work.
type Dispatcher struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{metrics: m}
}

// Go starts fn in the background with a context detached from the request's
// cancellation. It returns false once Shutdown has been called.
func (d *Dispatcher) Go(ctx context.Context, fn func(context.Context) error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		if err := d.run(ctx, fn); err != nil {
			d.report(ctx, err)
		}
	}()
	return true
}

func (d *Dispatcher) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler: background task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (d *Dispatcher) report(ctx context.Context, err error) {
	d.metrics.DispatchFailed()
	level := slog.LevelError
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorSend {
		level = slog.LevelWarn
	}
	logctx.From(ctx).Log(ctx, level, "background relay failed", "error", err)
}

// Shutdown stops accepting tasks and waits for running ones or ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("handler: waiting for background tasks: %w", ctx.Err())
	}
}
