package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts notification events as JSON to a gateway URL. The
// gateway owns template lookup and rendering.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookEvent struct {
	GranteeID string            `json:"grantee_id"`
	Template  string            `json:"template"`
	Context   map[string]string `json:"context"`
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, granteeID, template string, c map[string]string) error {
	payload, err := json.Marshal(webhookEvent{
		GranteeID: granteeID,
		Template:  template,
		Context:   c,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification gateway returned %d", resp.StatusCode)
	}
	return nil
}
