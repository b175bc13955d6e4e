package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize  = 1024
	webhookRetryDelay = time.Second
)

// webhookEvent is the JSON payload POSTed to the audit endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	RefID      string            `json:"refid,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an HTTP endpoint from a single
// background goroutine. A full queue drops events instead of blocking
// request handlers.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value"
	client     *http.Client
	logger     *slog.Logger
	events     chan webhookEvent
	wg         sync.WaitGroup
	retryDelay time.Duration
}

func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: webhookRetryDelay,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close drains queued events and stops the dispatcher.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs evt, retrying once on a transport error or 5xx.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		status, err := w.post(body)
		switch {
		case err != nil:
			w.logger.Warn("request failed", "error", err, "attempt", attempt)
		case status >= 200 && status < 300:
			return
		case status >= 500:
			w.logger.Warn("server error", "status", status, "attempt", attempt)
		default:
			w.logger.Warn("client error", "status", status)
			return
		}
	}
}

func (w *auditWebhook) post(body []byte) (int, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "certmanager-audit-webhook/1.0")
	if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
