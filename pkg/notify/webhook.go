package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/redact"
)

const (
	routeOpening   = "1"
	routeCallEnded = "2"
	maxBodyBytes   = 64 << 10
)

type webhookPayload struct {
	Route string `json:"route"`
	Data1 string `json:"data1"`
	Data2 string `json:"data2"`
}

// Webhook talks to an automation webhook that routes on a tag in the body.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *Webhook) Enabled() bool {
	return w != nil && w.url != ""
}

// OpeningUtterance asks the webhook for a personalized greeting. A JSON body
// with firstMessage wins; any other 2xx body is used as plain text.
func (w *Webhook) OpeningUtterance(ctx context.Context, caller string) (string, error) {
	if !w.Enabled() {
		return "", ErrDisabled
	}
	body, err := w.post(ctx, webhookPayload{Route: routeOpening, Data1: caller})
	if err != nil {
		return "", err
	}
	var parsed struct {
		FirstMessage string `json:"firstMessage"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.FirstMessage == "" {
			return "", errorsx.Errorf(errorsx.ReasonNotification, "webhook: empty firstMessage")
		}
		return parsed.FirstMessage, nil
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", errorsx.Errorf(errorsx.ReasonNotification, "webhook: empty response")
	}
	return text, nil
}

func (w *Webhook) CallEnded(ctx context.Context, summary CallSummary) error {
	if !w.Enabled() {
		return nil
	}
	_, err := w.post(ctx, webhookPayload{
		Route: routeCallEnded,
		Data1: summary.Caller,
		Data2: summary.Transcript,
	})
	return err
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonNotification)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonNotification)
	}
	req.Header.Set("Content-Type", "application/json")

	w.logger.Debug("webhook_send", "route", payload.Route, "caller", redact.Caller(payload.Data1))
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNotification, "webhook request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorsx.Errorf(errorsx.ReasonNotification, "webhook route %s: status %d", payload.Route, resp.StatusCode)
	}
	w.logger.Debug("webhook_ok", "route", payload.Route, "status", resp.StatusCode)
	return body, nil
}
