package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/insightd/internal/insight"
)

var _ insight.TraceStore = (*Store)(nil)

// AppendTrace adds one entry to the decision-trace audit log.
func (s *Store) AppendTrace(ctx context.Context, rec insight.TraceRecord) error {
	body, err := json.Marshal(rec.Trace)
	if err != nil {
		return fmt.Errorf("encoding decision trace: %w", err)
	}
	return s.inTx(ctx, "append_trace", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO decision_traces (insight_id, transition, trace, created_at) VALUES (?, ?, ?, ?)`,
			rec.InsightID, rec.Transition, string(body), formatTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("appending decision trace for %s: %w", rec.InsightID, mapError(err))
		}
		return nil
	})
}

// ListTraces returns up to limit audit entries of an Insight, newest first.
func (s *Store) ListTraces(ctx context.Context, insightID string, limit int) ([]insight.TraceRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, insight_id, transition, trace, created_at FROM decision_traces
		WHERE insight_id = ? ORDER BY id DESC LIMIT ?`, insightID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing decision traces: %w", mapError(err))
	}
	defer rows.Close()

	var out []insight.TraceRecord
	for rows.Next() {
		var (
			rec             insight.TraceRecord
			body, createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.InsightID, &rec.Transition, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning decision trace: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &rec.Trace); err != nil {
			return nil, fmt.Errorf("decoding decision trace %d: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, mapError(rows.Err())
}
