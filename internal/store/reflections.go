package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

var (
	_ reflection.Store         = Reflections{}
	_ insight.ReflectionSource = Reflections{}
)

// fetchChunk keeps IN lists well below SQLite's variable limit.
const fetchChunk = 500

// Reflections is the reflection.Store view of a Store.
type Reflections struct {
	s *Store
}

// Reflections returns the reflection table view.
func (s *Store) Reflections() Reflections {
	return Reflections{s: s}
}

// Create stores a validated reflection. Reflections are never updated.
func (v Reflections) Create(ctx context.Context, r *reflection.Reflection) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding reflection: %w", err)
	}
	return v.s.inTx(ctx, "create_reflection", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reflections (id, author, team_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.Author, r.TeamID, string(body), formatTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting reflection %s: %w", r.ID, mapError(err))
		}
		return nil
	})
}

// Get returns one reflection.
func (v Reflections) Get(ctx context.Context, id string) (*reflection.Reflection, error) {
	s := v.s
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reflections WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reflection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading reflection %s: %w", id, mapError(err))
	}
	return decodeReflection(body)
}

// FetchByIDs returns the stored reflections among ids, in the order of ids.
func (v Reflections) FetchByIDs(ctx context.Context, ids []string) ([]*reflection.Reflection, error) {
	s := v.s
	if s.closed.Load() {
		return nil, ErrClosed
	}
	byID := make(map[string]*reflection.Reflection, len(ids))
	for start := 0; start < len(ids); start += fetchChunk {
		end := min(start+fetchChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT body FROM reflections WHERE id IN (?` + strings.Repeat(", ?", len(chunk)-1) + `)`
		if err := s.collectReflections(ctx, query, args, byID); err != nil {
			return nil, err
		}
	}

	out := make([]*reflection.Reflection, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
			delete(byID, id)
		}
	}
	return out, nil
}

func (s *Store) collectReflections(ctx context.Context, query string, args []any, into map[string]*reflection.Reflection) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fetching reflections: %w", mapError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("fetching reflections: %w", err)
		}
		r, err := decodeReflection(body)
		if err != nil {
			return err
		}
		into[r.ID] = r
	}
	return mapError(rows.Err())
}

func decodeReflection(body string) (*reflection.Reflection, error) {
	var r reflection.Reflection
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decoding reflection: %w", err)
	}
	return &r, nil
}
