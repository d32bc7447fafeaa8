package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardenbox/warden/internal/model"
)

// RequestLog keeps the post-run audit trail of observed network requests.
// The in-memory event store is authoritative during a run; each update is
// mirrored here so history survives the process.
type RequestLog struct {
	db *sql.DB
}

func NewRequestLog() *RequestLog {
	return &RequestLog{db: DB}
}

// Record upserts one request snapshot.
func (l *RequestLog) Record(ctx context.Context, appID string, rec model.NetworkRequest) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO network_requests (
			app_id, request_id, ts, method, url, host, status, source,
			matched_pattern, status_code, latency_ms, size_bytes, is_llm_provider
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id, request_id) DO UPDATE SET
			status = excluded.status,
			matched_pattern = excluded.matched_pattern,
			status_code = excluded.status_code,
			latency_ms = excluded.latency_ms,
			size_bytes = excluded.size_bytes,
			is_llm_provider = excluded.is_llm_provider
	`, appID, rec.ID, rec.Timestamp, rec.Method, rec.URL, rec.Host, string(rec.Status),
		rec.Source, rec.MatchedPattern, rec.StatusCode, rec.LatencyMs, rec.SizeBytes,
		rec.IsLLMProvider)
	if err != nil {
		return fmt.Errorf("failed to record network request: %w", err)
	}
	return nil
}

// List returns an app's logged requests in arrival order.
func (l *RequestLog) List(ctx context.Context, appID string, limit int) ([]model.NetworkRequest, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, ts, method, url, host, status, source,
			matched_pattern, status_code, latency_ms, size_bytes, is_llm_provider
		FROM network_requests WHERE app_id = ?
		ORDER BY ts ASC LIMIT ?
	`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list network requests: %w", err)
	}
	defer rows.Close()

	var out []model.NetworkRequest
	for rows.Next() {
		var rec model.NetworkRequest
		var status string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Method, &rec.URL, &rec.Host,
			&status, &rec.Source, &rec.MatchedPattern, &rec.StatusCode,
			&rec.LatencyMs, &rec.SizeBytes, &rec.IsLLMProvider); err != nil {
			return nil, fmt.Errorf("failed to scan network request: %w", err)
		}
		rec.Status = model.RequestStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Clear removes an app's logged requests at the start of a new run.
func (l *RequestLog) Clear(ctx context.Context, appID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM network_requests WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("failed to clear network requests: %w", err)
	}
	return nil
}
