package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global database connection for the control plane.
var DB *sql.DB

// InitDB opens the SQLite database and creates tables.
func InitDB(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func createTables() error {
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS sandbox_configs (
			app_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sandbox_configs table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			app_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			gateway_pod TEXT DEFAULT '',
			agent_pod TEXT DEFAULT '',
			tool_pods_json TEXT DEFAULT '{}',
			admin_token_ciphertext TEXT DEFAULT '',
			admin_token_nonce TEXT DEFAULT '',
			admin_token_key_id TEXT DEFAULT '',
			admin_token_sha256 TEXT DEFAULT '',
			config_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create instances table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS instance_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id TEXT NOT NULL,
			from_status TEXT DEFAULT '',
			to_status TEXT NOT NULL,
			reason TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create instance_status_history table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS network_requests (
			app_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			method TEXT DEFAULT '',
			url TEXT DEFAULT '',
			host TEXT DEFAULT '',
			status TEXT NOT NULL,
			source TEXT DEFAULT '',
			matched_pattern TEXT DEFAULT '',
			status_code INTEGER DEFAULT 0,
			latency_ms INTEGER DEFAULT 0,
			size_bytes INTEGER DEFAULT 0,
			is_llm_provider BOOLEAN DEFAULT 0,
			PRIMARY KEY (app_id, request_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create network_requests table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_status_history_app ON instance_status_history(app_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_network_requests_app_ts ON network_requests(app_id, ts)",
		"CREATE INDEX IF NOT EXISTS idx_network_requests_status ON network_requests(app_id, status)",
	}
	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
