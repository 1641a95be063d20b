package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

var _ insight.Repository = (*Store)(nil)

const insightColumns = `id, cluster_key, workflow_stage, failure_family, impacted_unit, title,
	status, priority, score, promotion_readiness, recurring_candidate, severity_max,
	independent_count, reflection_ids, authors, evidence_refs, cooldown_until,
	cooldown_reason, task_id, metadata, created_at, updated_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// WithinClusterTx runs fn in a write transaction. BEGIN IMMEDIATE takes
// the database write lock, which serializes every cluster key.
func (s *Store) WithinClusterTx(ctx context.Context, _ insight.ClusterKey, fn func(insight.Tx) error) error {
	return s.inTx(ctx, "ingest", func(tx *sql.Tx) error {
		return fn(&insightTx{q: tx})
	})
}

// WithinInsightTx runs fn in a write transaction.
func (s *Store) WithinInsightTx(ctx context.Context, _ string, fn func(insight.Tx) error) error {
	return s.inTx(ctx, "update_insight", func(tx *sql.Tx) error {
		return fn(&insightTx{q: tx})
	})
}

// Get returns one Insight.
func (s *Store) Get(ctx context.Context, id string) (*insight.Insight, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return getInsight(ctx, s.db, id)
}

// List returns a page of Insights ordered by score, then recency.
func (s *Store) List(ctx context.Context, f insight.ListFilter) (*insight.Page, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	f.Normalize()
	where, args := listWhere(f)

	page := &insight.Page{Limit: f.Limit, Offset: f.Offset, Insights: []*insight.Insight{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM insights`+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting insights: %w", mapError(err))
	}

	query := `SELECT ` + insightColumns + ` FROM insights` + where +
		` ORDER BY score DESC, updated_at DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("listing insights: %w", mapError(err))
	}
	defer rows.Close()

	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		page.Insights = append(page.Insights, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing insights: %w", mapError(err))
	}
	return page, nil
}

func listWhere(f insight.ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Priority != "" {
		add("priority = ?", string(f.Priority))
	}
	if f.WorkflowStage != "" {
		add("workflow_stage = ?", f.WorkflowStage)
	}
	if f.FailureFamily != "" {
		add("failure_family = ?", f.FailureFamily)
	}
	if f.ImpactedUnit != "" {
		add("impacted_unit = ?", f.ImpactedUnit)
	}
	if f.Attention {
		add("(status = ? OR recurring_candidate = 1)", string(insight.StatusPendingTriage))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Stats aggregates Insight counts.
func (s *Store) Stats(ctx context.Context) (*insight.Stats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	st := &insight.Stats{
		ByStatus:   make(map[insight.Status]int),
		ByPriority: make(map[insight.Priority]int),
		ByFamily:   make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? OR recurring_candidate = 1 THEN 1 ELSE 0 END), 0)
		FROM insights`, string(insight.StatusPendingTriage)).Scan(&st.Total, &st.Attention)
	if err != nil {
		return nil, fmt.Errorf("counting insights: %w", mapError(err))
	}

	groups := []struct {
		column string
		add    func(key string, n int)
	}{
		{"status", func(k string, n int) { st.ByStatus[insight.Status(k)] = n }},
		{"priority", func(k string, n int) { st.ByPriority[insight.Priority(k)] = n }},
		{"failure_family", func(k string, n int) { st.ByFamily[k] = n }},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.column, g.add); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Store) groupCount(ctx context.Context, column string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM insights GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("grouping insights by %s: %w", column, mapError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("grouping insights by %s: %w", column, err)
		}
		add(key, n)
	}
	return mapError(rows.Err())
}

// DueForSweep lists promoted Insights past cooldown_until and cooldown
// Insights idle for window.
func (s *Store) DueForSweep(ctx context.Context, now time.Time, window time.Duration) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM insights
		WHERE (status = ? AND cooldown_until IS NOT NULL AND cooldown_until <= ?)
		   OR (status = ? AND updated_at <= ?)
		ORDER BY updated_at, id`,
		string(insight.StatusPromoted), formatTime(now),
		string(insight.StatusCooldown), formatTime(now.Add(-window)))
	if err != nil {
		return nil, fmt.Errorf("listing insights due for sweep: %w", mapError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

// insightTx is the insight.Tx view of a write transaction.
type insightTx struct {
	q queryer
}

func (t *insightTx) ActiveByClusterKey(ctx context.Context, key insight.ClusterKey) (*insight.Insight, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights
		WHERE cluster_key = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`, key.String(), string(insight.StatusClosed))
	ins, err := scanInsight(row)
	if errors.Is(err, insight.ErrNotFound) {
		return nil, nil
	}
	return ins, err
}

func (t *insightTx) HasReflection(ctx context.Context, key insight.ClusterKey, reflectionID string) (bool, error) {
	var found bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM insights, json_each(insights.reflection_ids)
			WHERE insights.cluster_key = ? AND json_each.value = ?
		)`, key.String(), reflectionID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("checking reflection membership: %w", mapError(err))
	}
	return found, nil
}

func (t *insightTx) GetForUpdate(ctx context.Context, id string) (*insight.Insight, error) {
	return getInsight(ctx, t.q, id)
}

func (t *insightTx) Insert(ctx context.Context, ins *insight.Insight) error {
	cols, err := insightValues(ins)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, cols...)
	if err != nil {
		return fmt.Errorf("inserting insight %s: %w", ins.ID, mapError(err))
	}
	return nil
}

func (t *insightTx) Update(ctx context.Context, ins *insight.Insight) error {
	cols, err := insightValues(ins)
	if err != nil {
		return err
	}
	// id moves from the first to the last placeholder.
	args := append(cols[1:], cols[0])
	res, err := t.q.ExecContext(ctx, `UPDATE insights SET
		cluster_key = ?, workflow_stage = ?, failure_family = ?, impacted_unit = ?, title = ?,
		status = ?, priority = ?, score = ?, promotion_readiness = ?, recurring_candidate = ?,
		severity_max = ?, independent_count = ?, reflection_ids = ?, authors = ?,
		evidence_refs = ?, cooldown_until = ?, cooldown_reason = ?, task_id = ?, metadata = ?,
		created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating insight %s: %w", ins.ID, mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating insight %s: %w", ins.ID, insight.ErrNotFound)
	}
	return nil
}

func getInsight(ctx context.Context, q queryer, id string) (*insight.Insight, error) {
	row := q.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	return scanInsight(row)
}

func insightValues(ins *insight.Insight) ([]any, error) {
	reflectionIDs, err := marshalList(ins.ReflectionIDs)
	if err != nil {
		return nil, err
	}
	authors, err := marshalList(ins.Authors)
	if err != nil {
		return nil, err
	}
	evidence, err := marshalList(ins.EvidenceRefs)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(ins.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding insight metadata: %w", err)
	}

	var cooldown any
	if ins.CooldownUntil != nil {
		cooldown = formatTime(*ins.CooldownUntil)
	}
	recurring := 0
	if ins.RecurringCandidate {
		recurring = 1
	}

	return []any{
		ins.ID, ins.ClusterKey, ins.WorkflowStage, ins.FailureFamily, ins.ImpactedUnit, ins.Title,
		string(ins.Status), string(ins.Priority), ins.Score, string(ins.PromotionReadiness), recurring,
		string(ins.SeverityMax), ins.IndependentCount, reflectionIDs, authors, evidence, cooldown,
		ins.CooldownReason, ins.TaskID, string(metadata), formatTime(ins.CreatedAt), formatTime(ins.UpdatedAt),
	}, nil
}

func scanInsight(row rowScanner) (*insight.Insight, error) {
	var (
		ins                              insight.Insight
		status, priority, readiness, sev string
		recurring                        int
		reflectionIDs, authors, evidence string
		cooldown                         sql.NullString
		metadata, createdAt, updatedAt   string
	)
	err := row.Scan(
		&ins.ID, &ins.ClusterKey, &ins.WorkflowStage, &ins.FailureFamily, &ins.ImpactedUnit, &ins.Title,
		&status, &priority, &ins.Score, &readiness, &recurring,
		&sev, &ins.IndependentCount, &reflectionIDs, &authors, &evidence, &cooldown,
		&ins.CooldownReason, &ins.TaskID, &metadata, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, insight.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning insight: %w", mapError(err))
	}

	ins.Status = insight.Status(status)
	ins.Priority = insight.Priority(priority)
	ins.PromotionReadiness = insight.Readiness(readiness)
	ins.SeverityMax = reflection.Severity(sev)
	ins.RecurringCandidate = recurring != 0

	if ins.ReflectionIDs, err = unmarshalList(reflectionIDs); err != nil {
		return nil, err
	}
	if ins.Authors, err = unmarshalList(authors); err != nil {
		return nil, err
	}
	if ins.EvidenceRefs, err = unmarshalList(evidence); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &ins.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of insight %s: %w", ins.ID, err)
	}
	if cooldown.Valid {
		t, err := parseTime(cooldown.String)
		if err != nil {
			return nil, err
		}
		ins.CooldownUntil = &t
	}
	if ins.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ins.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ins, nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(b), nil
}

func unmarshalList(s string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	return v, nil
}
