package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/freeflowhq/stageflow/internal/domain"
)

// WebhookExecutor delivers automations as JSON POSTs to a single external
// endpoint. The receiver deduplicates on the Idempotency-Key header.
type WebhookExecutor struct {
	endpoint string
	client   *http.Client
}

// NewWebhookExecutor creates an executor targeting endpoint. client may be
// nil, in which case a client with a 10 second timeout is used.
func NewWebhookExecutor(endpoint string, client *http.Client) *WebhookExecutor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookExecutor{endpoint: endpoint, client: client}
}

// webhookPayload is the wire shape posted to the automation endpoint.
type webhookPayload struct {
	Type    string           `json:"type"`
	Config  json.RawMessage  `json:"config,omitempty"`
	Entity  domain.EntityRef `json:"entity"`
	StageID string           `json:"stage_id"`
	Trigger string           `json:"trigger"`
}

func (w *WebhookExecutor) Execute(ctx context.Context, job Job) error {
	payload := webhookPayload{
		Type:    job.Automation.Type,
		Config:  job.Automation.Config,
		Entity:  job.Entity,
		StageID: job.StageID,
		Trigger: string(job.Trigger),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.IdempotencyKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver automation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying the same bytes cannot
		// help.
		return backoff.Permanent(fmt.Errorf("automation endpoint rejected delivery: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("automation endpoint returned status %d", resp.StatusCode)
	}
}
