package insight

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// allowedTransitions is the triage state setter's transition table.
// promoted -> promoted only relinks the task.
var allowedTransitions = map[Status][]Status{
	StatusPendingTriage: {StatusTaskCreated, StatusClosed},
	StatusCandidate:     {StatusPromoted, StatusClosed},
	StatusPromoted:      {StatusPromoted, StatusTaskCreated, StatusClosed},
	StatusCooldown:      {StatusClosed},
	StatusTaskCreated:   {StatusClosed},
}

// CanTransition reports whether UpdateStatus accepts from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sweep moves promoted Insights whose cooldown_until has passed into
// cooldown and closes cooldown Insights idle for a full window. Each
// Insight is re-checked and updated in its own transaction.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := m.tracer.Start(ctx, "insight.Sweep")
	defer span.End()

	now := m.now().UTC()
	ids, err := m.repo.DueForSweep(ctx, now, m.rules.CooldownWindow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing due insights failed")
		return nil, fmt.Errorf("listing insights due for sweep: %w", err)
	}

	res := &SweepResult{}
	var errs []error
	policy := m.retryPolicy("sweep")
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var moved Status
		err := Retry(ctx, policy, func() error {
			moved = ""
			return m.repo.WithinInsightTx(ctx, id, func(tx Tx) error {
				ins, err := tx.GetForUpdate(ctx, id)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						return nil
					}
					return err
				}
				switch {
				case ins.Status == StatusPromoted && ins.CooldownUntil != nil && !now.Before(*ins.CooldownUntil):
					ins.Status = StatusCooldown
				case ins.Status == StatusCooldown && m.cooldownElapsed(ins, now):
					ins.Status = StatusClosed
					ins.CooldownUntil = nil
				default:
					return nil
				}
				ins.UpdatedAt = now
				moved = ins.Status
				return tx.Update(ctx, ins)
			})
		})
		if err != nil {
			m.logger.Error("sweep transition failed", zap.String("insight.id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("insight %s: %w", id, err))
			continue
		}

		switch moved {
		case StatusCooldown:
			res.Cooled++
		case StatusClosed:
			res.Closed++
		default:
			continue
		}
		m.metrics.SweepTransitions.WithLabelValues(string(moved)).Inc()
		m.logger.Info("sweep transition", zap.String("insight.id", id), zap.String("to", string(moved)))
	}

	span.SetAttributes(attribute.Int("insight.cooled", res.Cooled), attribute.Int("insight.closed", res.Closed))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep incomplete")
		return res, err
	}
	return res, nil
}

// UpdateStatus is the validated state setter used by triage and the task
// bridge. taskID, when non-empty, links the Insight to a task.
func (m *Manager) UpdateStatus(ctx context.Context, id string, to Status, taskID string) (*Insight, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "insight.UpdateStatus", trace.WithAttributes(
		attribute.String("insight.id", id),
		attribute.String("insight.status", string(to)),
	))
	defer span.End()

	var (
		updated *Insight
		fx      *effects
	)
	err := Retry(ctx, m.retryPolicy("update_status"), func() error {
		return m.repo.WithinInsightTx(ctx, id, func(tx Tx) error {
			ins, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			fx = &effects{}
			if err := m.transition(ins, to, taskID, fx); err != nil {
				return err
			}
			if err := tx.Update(ctx, ins); err != nil {
				return err
			}
			updated = ins
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status update failed")
		return nil, err
	}

	m.apply(ctx, fx)
	m.logger.Info("insight status updated",
		zap.String("insight.id", id),
		zap.String("status", string(updated.Status)),
		zap.String("task.id", updated.TaskID))
	return updated, nil
}

func (m *Manager) transition(ins *Insight, to Status, taskID string, fx *effects) error {
	from := ins.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to && taskID == "" {
		return fmt.Errorf("%w: %s -> %s requires a task id", ErrInvalidTransition, from, to)
	}

	now := m.now().UTC()
	if taskID != "" {
		ins.TaskID = taskID
	}
	ins.UpdatedAt = now

	switch to {
	case StatusPromoted:
		if from == StatusPromoted {
			return nil
		}
		readiness := ins.PromotionReadiness
		if readiness != ReadinessOverride {
			readiness = ReadinessPromoted
		}
		m.promote(ins, readiness, now)
		if ins.Metadata.DecisionTrace != nil {
			tr := *ins.Metadata.DecisionTrace
			tr.PromotionBand = ins.PromotionReadiness
			ins.Metadata.DecisionTrace = &tr
		}
		fx.emit(m.promotedEvent(ins, now))
		fx.record(ins, TransitionPromote)
		fx.promotions = append(fx.promotions, "manual")
	default:
		ins.Status = to
		ins.CooldownUntil = nil
	}
	return nil
}

// Get returns one Insight.
func (m *Manager) Get(ctx context.Context, id string) (*Insight, error) {
	return m.repo.Get(ctx, id)
}

// List returns a page of Insights matching f.
func (m *Manager) List(ctx context.Context, f ListFilter) (*Page, error) {
	f.Normalize()
	return m.repo.List(ctx, f)
}

// Stats aggregates Insight counts.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.repo.Stats(ctx)
}

// Traces returns the audit log of an Insight, newest first. Without a
// trace store only the latest trace is available.
func (m *Manager) Traces(ctx context.Context, id string, limit int) ([]TraceRecord, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	if m.traces != nil {
		if _, err := m.repo.Get(ctx, id); err != nil {
			return nil, err
		}
		return m.traces.ListTraces(ctx, id, limit)
	}

	ins, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ins.Metadata.DecisionTrace == nil {
		return nil, nil
	}
	return []TraceRecord{{
		InsightID: ins.ID,
		Trace:     *ins.Metadata.DecisionTrace,
		CreatedAt: ins.UpdatedAt,
	}}, nil
}
