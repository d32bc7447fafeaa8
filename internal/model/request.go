package model

import "time"

// RequestStatus is the lifecycle of one observed network request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAllowed   RequestStatus = "allowed"
	RequestDenied    RequestStatus = "denied"
	RequestCompleted RequestStatus = "completed"
	RequestError     RequestStatus = "error"
)

// MatchedAllowAll is the sentinel pattern reported when allow_all_network
// short-circuits policy evaluation.
const MatchedAllowAll = "*"

// MatchedLLMProvider is the sentinel reported when a destination matched the
// static set of known model-API hosts rather than a configured pattern.
const MatchedLLMProvider = "llm_provider"

// NetworkRequest is the event-store record for one intercepted request.
// Created pending/allowed/denied at request time and updated to completed
// once response metadata arrives.
type NetworkRequest struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Host           string            `json:"host"`
	Status         RequestStatus     `json:"status"`
	Source         string            `json:"source"`
	MatchedPattern string            `json:"matched_pattern,omitempty"`
	StatusCode     int               `json:"status_code,omitempty"`
	LatencyMs      int64             `json:"latency_ms,omitempty"`
	SizeBytes      int64             `json:"size_bytes,omitempty"`
	IsLLMProvider  bool              `json:"is_llm_provider,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Webhook event types emitted by the gateway.
const (
	EventNetworkRequest   = "network_request"
	EventNetworkResponse  = "network_response"
	EventApprovalRequired = "approval_required"
)

// WebhookEvent is the gateway's async report envelope. Delivery is
// at-most-once, fire-and-forget.
type WebhookEvent struct {
	EventType string           `json:"event_type"`
	AppID     string           `json:"app_id"`
	Timestamp time.Time        `json:"timestamp"`
	Data      NetworkEventData `json:"data"`
}

// NetworkEventData carries the request fields for one webhook event. Later
// events for the same request id update fields in place; zero values mean
// "unchanged" for numeric metadata.
type NetworkEventData struct {
	RequestID      string            `json:"request_id"`
	Method         string            `json:"method,omitempty"`
	URL            string            `json:"url,omitempty"`
	Host           string            `json:"host,omitempty"`
	Status         RequestStatus     `json:"status,omitempty"`
	Source         string            `json:"source,omitempty"`
	MatchedPattern string            `json:"matched_pattern,omitempty"`
	StatusCode     int               `json:"status_code,omitempty"`
	LatencyMs      int64             `json:"latency_ms,omitempty"`
	SizeBytes      int64             `json:"size_bytes,omitempty"`
	IsLLMProvider  bool              `json:"is_llm_provider,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}
