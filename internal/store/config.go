package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

// ConfigStore persists the per-app sandbox policy as a whole document.
// Writes are last-writer-wins; SyncUserPatterns re-reads and unions by
// (pattern, type) so racing approvals remain commutative.
type ConfigStore struct {
	db *sql.DB
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{db: DB}
}

// Save validates and writes the full config document for an app.
func (s *ConfigStore) Save(ctx context.Context, appID string, cfg *model.SandboxConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	// The auto list is ephemeral by definition; never persist it.
	persisted := *cfg
	persisted.Allowlist = policy.Allowlist{User: cfg.Allowlist.User}

	raw, err := json.Marshal(&persisted)
	if err != nil {
		return fmt.Errorf("failed to marshal sandbox config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sandbox_configs (app_id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`, appID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save sandbox config: %w", err)
	}
	return nil
}

// Load reads the config document for an app. Returns model.ErrNotFound when
// none was saved.
func (s *ConfigStore) Load(ctx context.Context, appID string) (*model.SandboxConfig, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sandbox_configs WHERE app_id = ?`, appID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sandbox config for %s: %w", appID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sandbox config: %w", err)
	}

	var cfg model.SandboxConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sandbox config: %w", err)
	}
	return &cfg, nil
}

// SyncUserPatterns merges the given user patterns into the persisted
// document by (pattern, type) and writes it back. Returns the merged config.
func (s *ConfigStore) SyncUserPatterns(ctx context.Context, appID string, patterns []policy.Pattern) (*model.SandboxConfig, error) {
	cfg, err := s.Load(ctx, appID)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
		}
		// AddUser rejects duplicates; that makes the merge a union.
		if _, err := cfg.Allowlist.AddUser(p.Pattern, p.Type, p.Source); err != nil {
			continue
		}
	}
	if err := s.Save(ctx, appID, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
