package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener is a pluggable post-transition side effect (notification,
// directory cleanup). Each listener gates itself on its own enabled
// configuration; the dispatcher does not pre-filter. Listeners must be
// idempotent: dispatch is at-least-once per real transition, never
// exactly-once.
type Listener interface {
	// Accept is invoked after a request reaches a stable status. An error
	// return is logged by the dispatcher and never rolls back the
	// transition or blocks subsequent listeners.
	Accept(req *Request) error
}

// Register appends a listener. Dispatch order is registration order.
func (q *Queue) Register(l Listener) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.listeners = append(q.listeners, l)
}

// dispatch invokes every registered listener synchronously on the
// transitioning goroutine, in registration order. A listener error or
// panic is logged and isolated; the request's persisted status is already
// final by the time dispatch runs.
func (q *Queue) dispatch(ctx context.Context, req *Request) {
	q.listenerMu.RLock()
	listeners := append([]Listener(nil), q.listeners...)
	q.listenerMu.RUnlock()

	for _, l := range listeners {
		q.dispatchOne(ctx, l, req)
	}
}

func (q *Queue) dispatchOne(ctx context.Context, l Listener, req *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.LogAttrs(ctx, slog.LevelError, "listener panicked",
				slog.String("request_id", req.ID().String()),
				slog.String("status", string(req.Status())),
				slog.Any("panic", rec))
		}
	}()
	if err := l.Accept(req); err != nil {
		q.logger.LogAttrs(ctx, slog.LevelWarn, "listener failed",
			slog.String("request_id", req.ID().String()),
			slog.String("status", string(req.Status())),
			slog.String("error", err.Error()))
	}
}

// LogListener emits a structured log line for every transition it sees.
type LogListener struct {
	Enabled bool
	Logger  *slog.Logger
}

var _ Listener = (*LogListener)(nil)

func (l *LogListener) Accept(req *Request) error {
	if !l.Enabled {
		return nil
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelInfo, "request transition",
		slog.String("request_id", req.ID().String()),
		slog.String("type", string(req.Type())),
		slog.String("status", string(req.Status())))
	return nil
}

// webhookQueueSize is the bounded channel capacity for outbound events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	EventID   string `json:"event_id"`
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WebhookListener forwards request transitions to an external HTTP
// endpoint. Accept enqueues non-blockingly into a bounded channel drained
// by a background goroutine; if the channel is full the event is dropped.
// The authoritative request state is never affected by delivery failures.
type WebhookListener struct {
	enabled    bool
	url        string
	authHeader string // "Header: Value" format
	client     *http.Client
	events     chan webhookEvent
	wg         sync.WaitGroup
}

var _ Listener = (*WebhookListener)(nil)

// NewWebhookListener creates a webhook listener and starts its background
// sender.
func NewWebhookListener(url, authHeader string, enabled bool) *WebhookListener {
	w := &WebhookListener{
		enabled:    enabled,
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *WebhookListener) Accept(req *Request) error {
	if !w.enabled {
		return nil
	}
	evt := webhookEvent{
		EventID:   uuid.NewString(),
		RequestID: req.ID().String(),
		Type:      string(req.Type()),
		Status:    string(req.Status()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case w.events <- evt:
		return nil
	default:
		return fmt.Errorf("webhook queue full, dropping event for request %s", req.ID())
	}
}

// Close shuts down the listener, draining any remaining events.
func (w *WebhookListener) Close() {
	close(w.events)
	w.wg.Wait()
}

func (w *WebhookListener) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event with one retry on 5xx.
func (w *WebhookListener) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("request webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("request webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("request webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode < 500 {
			slog.Warn("request webhook: rejected", "status", resp.StatusCode)
			return
		}
	}
}
