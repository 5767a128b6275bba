package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

// Webhook posts review requests to the reviewer URL and expiry alerts to the
// supervisor URL. Any 2xx response is an acknowledgement.
type Webhook struct {
	reviewURL     string
	supervisorURL string
	httpClient    *http.Client
}

func NewWebhook(reviewURL, supervisorURL string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		reviewURL:     reviewURL,
		supervisorURL: supervisorURL,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) NotifyReview(ctx context.Context, req ReviewRequest) error {
	if w.reviewURL == "" {
		return nil
	}
	return w.post(ctx, w.reviewURL, req)
}

func (w *Webhook) NotifyExpired(ctx context.Context, alert ExpiryAlert) error {
	if w.supervisorURL == "" {
		return nil
	}
	return w.post(ctx, w.supervisorURL, alert)
}

func (w *Webhook) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return classify.Wrap(domain.CategoryInvalidInput, "encode notification", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return classify.Wrap(domain.CategoryInvalidInput, "build notification", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return classify.Wrap(domain.CategoryTransient, "post notification", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify.Errorf(classify.FromHTTPStatus(resp.StatusCode), "notification to %s rejected: status %d", url, resp.StatusCode)
	}
	return nil
}
