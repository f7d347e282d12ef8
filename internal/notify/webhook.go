package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier POSTs job events to a configured endpoint, typically a
// realtime relay that fans status changes out to connected browsers.
type WebhookNotifier struct {
	client *resty.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &WebhookNotifier{client: client}
}

func (n *WebhookNotifier) JobStatusChanged(ctx context.Context, event Event) {
	res, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post("")
	if err != nil {
		slog.Error("error delivering job event webhook", "job_id", event.JobId, "error", err)
		return
	}
	if res.StatusCode() >= http.StatusBadRequest {
		slog.Warn("job event webhook rejected", "job_id", event.JobId, "status", res.StatusCode())
	}
}
