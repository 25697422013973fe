package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/webhook"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Gantry-Signature"

// WebhookTransport POSTs notifications as JSON to a URL.
type WebhookTransport struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookTransport creates a transport for url. When secret is set the
// body is signed in SignatureHeader.
func NewWebhookTransport(url, secret string, client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTransport{
		url:    url,
		secret: secret,
		client: client,
		logger: log.WithComponent("notify"),
	}
}

func (t *WebhookTransport) Send(ctx context.Context, n Notification) error {
	if n.Suppressed {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gantry")
	if t.secret != "" {
		req.Header.Set(SignatureHeader, webhook.Sign(body, t.secret))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", t.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook %s: server returned %s", t.url, resp.Status)
	}
	t.logger.Debug("webhook delivered", "run_id", n.RunID, "url", t.url, "status_code", resp.StatusCode)
	return nil
}
