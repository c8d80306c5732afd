// webhook.go - Posts escalations to an operator webhook

package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WebhookNotifier is an Escalator that POSTs a JSON alert
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier returns nil when url is empty
func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Type      string     `json:"type"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
	Details   Escalation `json:"details"`
	Timestamp time.Time  `json:"timestamp"`
}

// Escalate implements Escalator
func (w *WebhookNotifier) Escalate(ctx context.Context, e Escalation) error {
	msg := fmt.Sprintf("Provider %s hit a quota or billing limit on tier %s", e.ProviderID, e.TierID)
	if e.RedirectedFrom != "" {
		msg += fmt.Sprintf(" (vision redirect from %s)", e.RedirectedFrom)
	}
	payload, err := json.Marshal(webhookPayload{
		Type:      "provider_quota",
		Severity:  "high",
		Message:   msg,
		Details:   e,
		Timestamp: e.CreatedAt,
	})
	if err != nil {
		return eris.Wrap(err, "usage: marshal escalation")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "usage: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "usage: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("usage: webhook returned status %d", resp.StatusCode)
	}

	zap.L().Info("escalation sent",
		zap.String("provider", e.ProviderID),
		zap.String("request_id", e.RequestID))
	return nil
}
