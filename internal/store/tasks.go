package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskStatusOpen marks a task that still tracks its Insight.
const TaskStatusOpen = "open"

// Task is the minimal work item created for a promoted Insight.
type Task struct {
	ID        string    `json:"id"`
	InsightID string    `json:"insight_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskComment is an audit note posted on a task.
type TaskComment struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTask opens a task for an Insight and returns its id.
func (s *Store) CreateTask(ctx context.Context, insightID, title, body string) (string, error) {
	id := uuid.NewString()
	err := s.inTx(ctx, "create_task", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, insight_id, title, body, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, insightID, title, body, TaskStatusOpen, formatTime(time.Now()))
		return mapError(err)
	})
	if err != nil {
		return "", fmt.Errorf("creating task for insight %s: %w", insightID, err)
	}
	return id, nil
}

// TaskOpen reports whether taskID exists and is still open.
func (s *Store) TaskOpen(ctx context.Context, taskID string) (bool, error) {
	t, err := s.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status == TaskStatusOpen, nil
}

// GetTask returns one task.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var (
		t         Task
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, insight_id, title, body, status, created_at FROM tasks WHERE id = ?`, taskID).
		Scan(&t.ID, &t.InsightID, &t.Title, &t.Body, &t.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, mapError(err))
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// CommentOnTask appends an audit comment to a task.
func (s *Store) CommentOnTask(ctx context.Context, taskID, body string) error {
	return s.inTx(ctx, "comment_task", func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = ?)`, taskID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_comments (task_id, body, created_at) VALUES (?, ?, ?)`,
			taskID, body, formatTime(time.Now()))
		return mapError(err)
	})
}

// TaskComments lists the comments of a task, oldest first.
func (s *Store) TaskComments(ctx context.Context, taskID string) ([]TaskComment, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, body, created_at FROM task_comments WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task comments: %w", mapError(err))
	}
	defer rows.Close()

	var out []TaskComment
	for rows.Next() {
		var (
			c         TaskComment
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task comment: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapError(rows.Err())
}
