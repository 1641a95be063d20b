// Package taskbridge turns insight lifecycle events into tasks.
//
// A promoted Insight without a live task gets one, linked back through
// the engine's status setter. Reopen and reopen-cap events post an audit
// comment on the linked task. Every failure here is logged and dropped;
// the Insight transition that raised the event has already committed.
package taskbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"go.uber.org/zap"
)

// TaskStore creates and annotates tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, insightID, title, body string) (string, error)
	TaskOpen(ctx context.Context, taskID string) (bool, error)
	CommentOnTask(ctx context.Context, taskID, body string) error
}

// Insights is the slice of the engine the bridge drives.
type Insights interface {
	Get(ctx context.Context, id string) (*insight.Insight, error)
	UpdateStatus(ctx context.Context, id string, to insight.Status, taskID string) (*insight.Insight, error)
}

// Subscriber registers an event handler, typically events.Bus.
type Subscriber interface {
	Subscribe(fn func(ctx context.Context, e insight.Event) error, types ...insight.EventType) (unsubscribe func())
}

// Bridge reacts to lifecycle events.
type Bridge struct {
	tasks    TaskStore
	insights Insights
	logger   *zap.Logger
}

// New creates a bridge.
func New(tasks TaskStore, insights Insights, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{tasks: tasks, insights: insights, logger: logger}
}

// Handles lists the event types the bridge acts on.
var Handles = []insight.EventType{
	insight.EventPromoted,
	insight.EventReopened,
	insight.EventReopenCapExceeded,
}

// Handle processes one event. It only returns an error for events it
// could not act on, and the caller is expected to log rather than retry.
func (b *Bridge) Handle(ctx context.Context, e insight.Event) error {
	var err error
	switch e.Type {
	case insight.EventPromoted:
		err = b.onPromoted(ctx, e)
	case insight.EventReopened, insight.EventReopenCapExceeded:
		err = b.onReopen(ctx, e)
	default:
		return nil
	}
	if err != nil {
		b.logger.Warn("task bridge failed",
			zap.String("event", string(e.Type)),
			zap.String("insight.id", e.InsightID),
			zap.Error(err))
	}
	return err
}

func (b *Bridge) onPromoted(ctx context.Context, e insight.Event) error {
	ins, err := b.insights.Get(ctx, e.InsightID)
	if err != nil {
		return fmt.Errorf("loading insight: %w", err)
	}
	if ins.Status != insight.StatusPromoted {
		return nil
	}
	if ins.TaskID != "" {
		open, err := b.tasks.TaskOpen(ctx, ins.TaskID)
		if err != nil {
			return fmt.Errorf("checking task %s: %w", ins.TaskID, err)
		}
		if open {
			return nil
		}
	}

	taskID, err := b.tasks.CreateTask(ctx, ins.ID, ins.Title, taskBody(ins))
	if err != nil {
		return err
	}
	if _, err := b.insights.UpdateStatus(ctx, ins.ID, insight.StatusPromoted, taskID); err != nil {
		// The insight moved on between the event and the link. The task
		// stays; a later promotion will find it unlinked and make another.
		if errors.Is(err, insight.ErrInvalidTransition) {
			b.logger.Info("insight left promoted before task link",
				zap.String("insight.id", ins.ID),
				zap.String("task.id", taskID))
			return nil
		}
		return fmt.Errorf("linking task %s: %w", taskID, err)
	}
	b.logger.Info("task created for insight",
		zap.String("insight.id", ins.ID),
		zap.String("task.id", taskID),
		zap.String("priority", string(ins.Priority)))
	return nil
}

func (b *Bridge) onReopen(ctx context.Context, e insight.Event) error {
	ins, err := b.insights.Get(ctx, e.InsightID)
	if err != nil {
		return fmt.Errorf("loading insight: %w", err)
	}
	if ins.TaskID == "" {
		return nil
	}
	if err := b.tasks.CommentOnTask(ctx, ins.TaskID, commentFor(e, ins)); err != nil {
		return fmt.Errorf("commenting on task %s: %w", ins.TaskID, err)
	}
	return nil
}

// Attach subscribes the bridge to the events it handles.
func (b *Bridge) Attach(sub Subscriber) (detach func()) {
	return sub.Subscribe(b.Handle, Handles...)
}

func taskBody(ins *insight.Insight) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Priority %s, score %.2f, %d independent reporter(s).\n", ins.Priority, ins.Score, ins.IndependentCount)
	fmt.Fprintf(&sb, "Cluster: %s\n", ins.ClusterKey)
	if len(ins.EvidenceRefs) > 0 {
		sb.WriteString("Evidence:\n")
		for _, ref := range ins.EvidenceRefs {
			fmt.Fprintf(&sb, "- %s\n", ref)
		}
	}
	return sb.String()
}

func commentFor(e insight.Event, ins *insight.Insight) string {
	switch e.Type {
	case insight.EventReopenCapExceeded:
		return fmt.Sprintf("Insight %s reopened too often (%s); moved to pending triage. Score %.2f, priority %s.",
			ins.ID, e.Reason, ins.Score, ins.Priority)
	default:
		return fmt.Sprintf("Insight %s reopened (reopen #%d) with %d reflection(s). Score %.2f, priority %s.",
			ins.ID, e.ReopenCount, len(ins.ReflectionIDs), ins.Score, ins.Priority)
	}
}
