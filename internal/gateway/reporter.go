package gateway

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/wardenbox/warden/internal/model"
)

// Reporter posts webhook events to the control plane. Delivery is
// fire-and-forget: a dropped event never blocks or fails the proxied
// request.
type Reporter struct {
	url    string
	appID  string
	client *http.Client
}

func NewReporter(url, appID string) *Reporter {
	return &Reporter{
		url:   url,
		appID: appID,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Report sends one event asynchronously. Nil receiver and empty URL are
// no-ops so the proxy path never branches on reporting being configured.
func (r *Reporter) Report(eventType string, data model.NetworkEventData) {
	if r == nil || r.url == "" {
		return
	}
	event := model.WebhookEvent{
		EventType: eventType,
		AppID:     r.appID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	go r.post(event)
}

func (r *Reporter) post(event model.WebhookEvent) {
	logger := slog.Default().With("component", "gateway_reporter")

	body, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal webhook event", "error", err)
		return
	}
	resp, err := r.client.Post(r.url, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Debug("webhook delivery failed", "event_type", event.EventType, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Debug("webhook delivery rejected", "event_type", event.EventType, "status", resp.StatusCode)
	}
}
