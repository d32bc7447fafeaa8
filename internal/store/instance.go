package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wardenbox/warden/internal/model"
)

// InstanceRecord persists sandbox instance metadata as the control plane's
// source of truth across restarts.
type InstanceRecord struct {
	AppID                string
	InstanceID           string
	Status               string
	GatewayPod           string
	AgentPod             string
	ToolPodsJSON         string
	AdminTokenCiphertext string
	AdminTokenNonce      string
	AdminTokenKeyID      string
	AdminTokenSHA256     string
	ConfigJSON           string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ToolPods decodes the tool pod map.
func (r *InstanceRecord) ToolPods() map[string]string {
	out := map[string]string{}
	if r.ToolPodsJSON != "" {
		_ = json.Unmarshal([]byte(r.ToolPodsJSON), &out)
	}
	return out
}

// Config decodes the config snapshot the instance was started with.
func (r *InstanceRecord) Config() (*model.SandboxConfig, error) {
	var cfg model.SandboxConfig
	if err := json.Unmarshal([]byte(r.ConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance config snapshot: %w", err)
	}
	return &cfg, nil
}

// InstanceStore handles instance persistence.
type InstanceStore struct {
	db *sql.DB
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{db: DB}
}

// Upsert writes the record for an app, replacing any prior one.
func (s *InstanceStore) Upsert(ctx context.Context, rec *InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			app_id, instance_id, status, gateway_pod, agent_pod, tool_pods_json,
			admin_token_ciphertext, admin_token_nonce, admin_token_key_id,
			admin_token_sha256, config_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			instance_id = excluded.instance_id,
			status = excluded.status,
			gateway_pod = excluded.gateway_pod,
			agent_pod = excluded.agent_pod,
			tool_pods_json = excluded.tool_pods_json,
			admin_token_ciphertext = excluded.admin_token_ciphertext,
			admin_token_nonce = excluded.admin_token_nonce,
			admin_token_key_id = excluded.admin_token_key_id,
			admin_token_sha256 = excluded.admin_token_sha256,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, rec.AppID, rec.InstanceID, rec.Status, rec.GatewayPod, rec.AgentPod,
		rec.ToolPodsJSON, rec.AdminTokenCiphertext, rec.AdminTokenNonce,
		rec.AdminTokenKeyID, rec.AdminTokenSHA256, rec.ConfigJSON,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// GetByApp returns the record for an app, or nil when untracked.
func (s *InstanceStore) GetByApp(ctx context.Context, appID string) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_id, instance_id, status, gateway_pod, agent_pod, tool_pods_json,
			admin_token_ciphertext, admin_token_nonce, admin_token_key_id,
			admin_token_sha256, config_json, created_at, updated_at
		FROM instances WHERE app_id = ?
	`, appID)

	var rec InstanceRecord
	err := row.Scan(&rec.AppID, &rec.InstanceID, &rec.Status, &rec.GatewayPod,
		&rec.AgentPod, &rec.ToolPodsJSON, &rec.AdminTokenCiphertext,
		&rec.AdminTokenNonce, &rec.AdminTokenKeyID, &rec.AdminTokenSHA256,
		&rec.ConfigJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &rec, nil
}

// UpdateStatus records a lifecycle transition.
func (s *InstanceStore) UpdateStatus(ctx context.Context, appID, status string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = ? WHERE app_id = ?`,
		status, now, appID)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	return nil
}

// Delete removes the record. Deleting an untracked app is a no-op.
func (s *InstanceStore) Delete(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// AppendStatusHistory records one transition for audit.
func (s *InstanceStore) AppendStatusHistory(ctx context.Context, appID, from, to, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_status_history (app_id, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, appID, from, to, reason, now)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

// ListStatusHistory returns the newest transitions first.
func (s *InstanceStore) ListStatusHistory(ctx context.Context, appID string, limit int) ([]StatusHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, from_status, to_status, reason, created_at
		FROM instance_status_history WHERE app_id = ?
		ORDER BY id DESC LIMIT ?
	`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	defer rows.Close()

	var out []StatusHistoryRecord
	for rows.Next() {
		var rec StatusHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.AppID, &rec.FromStatus, &rec.ToStatus, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusHistoryRecord is one persisted lifecycle transition.
type StatusHistoryRecord struct {
	ID         int64
	AppID      string
	FromStatus string
	ToStatus   string
	Reason     string
	CreatedAt  time.Time
}
