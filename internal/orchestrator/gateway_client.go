package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wardenbox/warden/internal/model"
)

// ErrRequestNotPending is returned when a gateway reports an approval id as
// unknown or already resolved.
var ErrRequestNotPending = fmt.Errorf("request not pending")

// GatewayClient talks to one instance's gateway control surface.
type GatewayClient struct {
	baseURL    string
	adminToken string
	client     *http.Client
}

func NewGatewayClient(baseURL, adminToken string) *GatewayClient {
	return &GatewayClient{
		baseURL:    baseURL,
		adminToken: adminToken,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (g *GatewayClient) do(ctx context.Context, method, path string, payload, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.adminToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (g *GatewayClient) Health(ctx context.Context) error {
	status, err := g.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("gateway health check returned %d", status)
	}
	return nil
}

func (g *GatewayClient) AddPattern(ctx context.Context, pattern, patternType string) error {
	status, err := g.do(ctx, http.MethodPost, "/add_pattern", model.AddPatternRequest{
		Pattern:     pattern,
		PatternType: patternType,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("gateway rejected pattern: status %d", status)
	}
	return nil
}

func (g *GatewayClient) Approve(ctx context.Context, requestID, pattern, patternType string) error {
	status, err := g.do(ctx, http.MethodPost, "/approve", model.ApproveRequest{
		RequestID:   requestID,
		Pattern:     pattern,
		PatternType: patternType,
	}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrRequestNotPending
	default:
		return fmt.Errorf("gateway approve failed: status %d", status)
	}
}

func (g *GatewayClient) Deny(ctx context.Context, requestID string) error {
	status, err := g.do(ctx, http.MethodPost, "/deny", model.DenyRequest{RequestID: requestID}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrRequestNotPending
	default:
		return fmt.Errorf("gateway deny failed: status %d", status)
	}
}

// GatewayStatus mirrors the gateway's /status document.
type GatewayStatus struct {
	AppID           string `json:"app_id"`
	AllowAllNetwork bool   `json:"allow_all_network"`
	UnknownAction   string `json:"unknown_action"`
	UserPatterns    int    `json:"user_patterns"`
	AutoPatterns    int    `json:"auto_patterns"`
	PendingRequests int    `json:"pending_requests"`
}

func (g *GatewayClient) Status(ctx context.Context) (*GatewayStatus, error) {
	var out GatewayStatus
	status, err := g.do(ctx, http.MethodGet, "/status", nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("gateway status failed: status %d", status)
	}
	return &out, nil
}
