package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wardenbox/warden/internal/k8s"
	"github.com/wardenbox/warden/internal/logx"
	"github.com/wardenbox/warden/internal/model"
)

const (
	sendInitialBackoff = 500 * time.Millisecond
	sendMaxBackoff     = 15 * time.Second
	sendMaxAttempts    = 6
)

// Send delivers workload input to the app's running agent. Transient
// failures and 5xx responses are retried with exponential backoff; the whole
// call is bounded by the config's run timeout. Approval waits happen inside
// the sandbox, so a Send can legitimately block for minutes.
func (m *Manager) Send(ctx context.Context, appID string, req *model.SendRequest) (*model.SendResponse, error) {
	logger := logx.LoggerWithRequestID(ctx).With("component", "orchestrator", "app_id", appID)

	rec, err := m.instanceStore.GetByApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("instance for %s: %w", appID, model.ErrNotFound)
	}
	if rec.Status != string(model.SandboxStatusRunning) {
		return nil, fmt.Errorf("instance is %s, not running", rec.Status)
	}

	cfg, err := rec.Config()
	if err != nil {
		return nil, err
	}

	agentIP, err := m.k8sClient.GetPodIP(ctx, rec.AgentPod)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent pod: %w", err)
	}
	agentURL := fmt.Sprintf("http://%s:%d", agentIP, k8s.AgentPort)

	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
	defer cancel()

	if err := m.probeAgent(ctx, agentURL); err != nil {
		return nil, fmt.Errorf("agent not healthy: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	client := &http.Client{}
	backoff := sendInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		resp, err := m.postMessage(ctx, client, agentURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run timed out: %w", lastErr)
		}
		if !isRetryable(err) {
			return nil, err
		}

		logger.Warn("send attempt failed, retrying", "attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("run timed out: %w", lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > sendMaxBackoff {
			backoff = sendMaxBackoff
		}
	}
	return nil, fmt.Errorf("send failed after %d attempts: %w", sendMaxAttempts, lastErr)
}

// probeAgent polls the agent's health endpoint with exponential backoff
// until it responds or the context expires.
func (m *Manager) probeAgent(ctx context.Context, agentURL string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	backoff := sendInitialBackoff

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > sendMaxBackoff {
			backoff = sendMaxBackoff
		}
	}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

func (m *Manager) postMessage(ctx context.Context, client *http.Client, agentURL string, body []byte) (*model.SendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// Connection-level failures are transient while the pod settles.
		return nil, &retryableError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("agent returned %d: %s", resp.StatusCode, raw)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("agent rejected message: %d: %s", resp.StatusCode, raw)
	}

	var out model.SendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return &out, nil
}
