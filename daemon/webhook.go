package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/engine"
)

// WebhookNotifier delivers a best-effort terminal notification to the
// webhook URL supplied with the document request. Delivery failures are
// logged and never retried.
type WebhookNotifier struct {
	client  *http.Client
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewWebhookNotifier builds a notifier. A nil client uses a default with
// a 10 second timeout.
func NewWebhookNotifier(client *http.Client, logger *slog.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{client: client, log: logger, timeout: 10 * time.Second}
}

type webhookPayload struct {
	RunID      string         `json:"run_id"`
	DocumentID string         `json:"document_id"`
	Status     core.RunStatus `json:"status"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Handle posts a notification for run.finished events that carry a
// webhook URL. It returns immediately; delivery runs in the background.
func (n *WebhookNotifier) Handle(event engine.Event) {
	if event.Kind != engine.EventRunFinished {
		return
	}
	url, _ := event.Payload["webhook_url"].(string)
	if url == "" {
		return
	}
	documentID, _ := event.Payload["document_id"].(string)

	payload := webhookPayload{
		RunID:      event.RunID,
		DocumentID: documentID,
		Status:     event.Status,
		FinishedAt: event.Time,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(url, payload); err != nil {
			n.log.Warn("webhook delivery failed", "run_id", event.RunID, "url", url, "error", err)
		}
	}()
}

func (n *WebhookNotifier) deliver(url string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until all in-flight deliveries complete. Used on shutdown.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}
