package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/fyrsmithlabs/insightd/internal/secrets"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/insightd/internal/insight"

const titlePainRunes = 80

// Outcome describes what an ingest did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeReopened  Outcome = "reopened"
	OutcomeTriaged   Outcome = "triaged"
	OutcomeDuplicate Outcome = "duplicate"
)

// IngestResult reports the effect of one ingest.
type IngestResult struct {
	Outcome Outcome  `json:"outcome"`
	Insight *Insight `json:"insight,omitempty"`

	// Promoted is true when the ingest moved the Insight into promoted.
	Promoted bool `json:"promoted"`

	// ClosedID is set when an expired cooldown Insight was closed first.
	ClosedID string `json:"closed_id,omitempty"`
}

// SweepResult counts sweep transitions.
type SweepResult struct {
	Cooled int `json:"cooled"`
	Closed int `json:"closed"`
}

// Manager is the Insight lifecycle state machine.
type Manager struct {
	repo        Repository
	reflections ReflectionSource
	rules       Rules

	extractor *Extractor
	publisher Publisher
	traces    TraceStore
	scrubber  secrets.Scrubber
	retry     RetryPolicy
	now       func() time.Time
	newID     func() string

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithTraceStore enables the decision-trace audit log.
func WithTraceStore(s TraceStore) Option {
	return func(m *Manager) { m.traces = s }
}

// WithScrubber scrubs text copied from reflections.
func WithScrubber(s secrets.Scrubber) Option {
	return func(m *Manager) { m.scrubber = s }
}

// WithExtractor replaces the default cluster key extractor.
func WithExtractor(e *Extractor) Option {
	return func(m *Manager) { m.extractor = e }
}

// WithRetryPolicy sets the contention retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithIDGenerator overrides uuid generation for Insight and event ids.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates a Manager. Rules are validated.
func NewManager(repo Repository, reflections ReflectionSource, rules Rules, opts ...Option) (*Manager, error) {
	if repo == nil || reflections == nil {
		return nil, errors.New("insight: repository and reflection source are required")
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		repo:        repo,
		reflections: reflections,
		rules:       rules,
		extractor:   NewExtractor(nil),
		publisher:   nopPublisher{},
		scrubber:    secrets.Nop{},
		retry:       DefaultRetryPolicy(),
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics()
	}
	return m, nil
}

// Rules returns the active rule set.
func (m *Manager) Rules() Rules {
	return m.rules
}

// effects are applied after a transaction commits.
type effects struct {
	events     []Event
	traces     []TraceRecord
	promotions []string
}

func (fx *effects) emit(e Event) {
	fx.events = append(fx.events, e)
}

func (fx *effects) record(ins *Insight, transition string) {
	if ins.Metadata.DecisionTrace == nil {
		return
	}
	fx.traces = append(fx.traces, TraceRecord{
		InsightID:  ins.ID,
		Transition: transition,
		Trace:      *ins.Metadata.DecisionTrace,
		CreatedAt:  ins.UpdatedAt,
	})
}

// Ingest folds a stored reflection into its cluster. Re-ingesting a
// reflection id already recorded for the cluster is a no-op.
func (m *Manager) Ingest(ctx context.Context, r *reflection.Reflection) (*IngestResult, error) {
	if r == nil || r.ID == "" {
		return nil, fmt.Errorf("%w: reflection without id", reflection.ErrInvalidReflection)
	}
	start := time.Now()
	key := m.extractor.Extract(r)

	ctx, span := m.tracer.Start(ctx, "insight.Ingest", trace.WithAttributes(
		attribute.String("reflection.id", r.ID),
		attribute.String("insight.cluster_key", key.String()),
	))
	defer span.End()

	var (
		res *IngestResult
		fx  *effects
	)
	policy := m.retryPolicy("ingest")
	err := Retry(ctx, policy, func() error {
		return m.repo.WithinClusterTx(ctx, key, func(tx Tx) error {
			var err error
			res, fx, err = m.ingestTx(ctx, tx, key, r)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		m.metrics.observeIngest("error", time.Since(start))
		return nil, fmt.Errorf("ingesting reflection %s: %w", r.ID, err)
	}

	m.apply(ctx, fx)
	m.metrics.observeIngest(string(res.Outcome), time.Since(start))
	span.SetAttributes(attribute.String("insight.outcome", string(res.Outcome)))
	if res.Insight != nil {
		span.SetAttributes(attribute.String("insight.id", res.Insight.ID))
		m.logger.Debug("reflection ingested",
			zap.String("reflection.id", r.ID),
			zap.String("insight.id", res.Insight.ID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("status", string(res.Insight.Status)),
			zap.Float64("score", res.Insight.Score),
			zap.String("priority", string(res.Insight.Priority)))
	}
	return res, nil
}

// ReflectionHook adapts Ingest to a reflection create-hook.
func (m *Manager) ReflectionHook() reflection.Hook {
	return func(ctx context.Context, r *reflection.Reflection) error {
		_, err := m.Ingest(ctx, r)
		return err
	}
}

func (m *Manager) ingestTx(ctx context.Context, tx Tx, key ClusterKey, r *reflection.Reflection) (*IngestResult, *effects, error) {
	now := m.now().UTC()
	fx := &effects{}

	dup, err := tx.HasReflection(ctx, key, r.ID)
	if err != nil {
		return nil, nil, err
	}
	active, err := tx.ActiveByClusterKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if dup {
		return &IngestResult{Outcome: OutcomeDuplicate, Insight: active}, fx, nil
	}

	var closedID string
	if active != nil && active.Status == StatusCooldown && m.cooldownElapsed(active, now) {
		active.Status = StatusClosed
		active.CooldownUntil = nil
		active.UpdatedAt = now
		if err := tx.Update(ctx, active); err != nil {
			return nil, nil, err
		}
		closedID, active = active.ID, nil
	}

	var res *IngestResult
	switch {
	case active == nil:
		res, err = m.create(ctx, tx, key, r, now, fx)
	case active.Status == StatusCooldown:
		res, err = m.reopen(ctx, tx, active, r, now, fx)
	default:
		res, err = m.merge(ctx, tx, active, r, now, fx)
	}
	if err != nil {
		return nil, nil, err
	}
	res.ClosedID = closedID
	return res, fx, nil
}

func (m *Manager) create(ctx context.Context, tx Tx, key ClusterKey, r *reflection.Reflection, now time.Time, fx *effects) (*IngestResult, error) {
	members := []*reflection.Reflection{r}
	decision := m.rules.EvaluatePromotion(members)

	ins := &Insight{
		ID:                 m.newID(),
		Title:              m.title(key, r),
		ClusterKey:         key.String(),
		WorkflowStage:      key.Stage,
		FailureFamily:      key.Family,
		ImpactedUnit:       key.Unit,
		Status:             StatusCandidate,
		PromotionReadiness: ReadinessNotReady,
		CreatedAt:          now,
	}
	m.absorb(ins, r, now)

	promoted := false
	if decision.Promote {
		if m.rules.AutoPromote {
			m.promote(ins, decision.Path.Readiness(), now)
			promoted = true
		} else {
			ins.PromotionReadiness = ReadinessReady
		}
	}

	if err := m.evaluate(ins, TraceInput{Members: members, Key: key, Path: decision.Path}); err != nil {
		return nil, err
	}
	if err := tx.Insert(ctx, ins); err != nil {
		return nil, err
	}

	fx.emit(m.event(EventCreated, ins, now))
	if promoted {
		fx.emit(m.promotedEvent(ins, now))
		fx.promotions = append(fx.promotions, string(decision.Path))
	}
	fx.record(ins, TransitionCreate)
	return &IngestResult{Outcome: OutcomeCreated, Insight: ins, Promoted: promoted}, nil
}

func (m *Manager) merge(ctx context.Context, tx Tx, ins *Insight, r *reflection.Reflection, now time.Time, fx *effects) (*IngestResult, error) {
	members, err := m.members(ctx, ins, r)
	if err != nil {
		return nil, err
	}
	previous := ins.Priority
	decision := m.rules.EvaluatePromotion(members)
	m.absorb(ins, r, now)

	promoted := false
	if ins.Status == StatusCandidate && decision.Promote {
		if m.rules.AutoPromote {
			m.promote(ins, decision.Path.Readiness(), now)
			promoted = true
		} else {
			ins.PromotionReadiness = ReadinessReady
		}
	}

	if err := m.evaluate(ins, TraceInput{
		Members: members, Key: ins.Key(), Path: decision.Path, Previous: &previous,
	}); err != nil {
		return nil, err
	}
	if err := tx.Update(ctx, ins); err != nil {
		return nil, err
	}

	if promoted {
		fx.emit(m.promotedEvent(ins, now))
		fx.promotions = append(fx.promotions, string(decision.Path))
	}
	fx.record(ins, TransitionMerge)
	return &IngestResult{Outcome: OutcomeMerged, Insight: ins, Promoted: promoted}, nil
}

// reopen handles a reflection landing on an Insight still in cooldown:
// reopen it, or send it to triage once the reopen cap is reached.
func (m *Manager) reopen(ctx context.Context, tx Tx, ins *Insight, r *reflection.Reflection, now time.Time, fx *effects) (*IngestResult, error) {
	members, err := m.members(ctx, ins, r)
	if err != nil {
		return nil, err
	}
	previous := ins.Priority
	decision := m.rules.EvaluatePromotion(members)
	m.absorb(ins, r, now)

	window := ins.Metadata.ReopenWindow
	if window.WindowStart == nil || !now.Before(window.WindowStart.Add(m.rules.ReopenWindow)) {
		start := now
		window = ReopenWindow{WindowStart: &start}
	}

	capped := window.Count >= m.rules.ReopenCap
	ins.PromotionReadiness = ReadinessPromoted
	ins.RecurringCandidate = true
	if capped {
		ins.Status = StatusPendingTriage
		ins.CooldownUntil = nil
		ins.CooldownReason = ReasonReopenCapExceeded
	} else {
		window.Count++
		until := now.Add(m.rules.CooldownWindow)
		ins.Status = StatusPromoted
		ins.CooldownUntil = &until
		ins.CooldownReason = ReasonReopened
	}
	ins.Metadata.ReopenWindow = window

	if err := m.evaluate(ins, TraceInput{
		Members: members, Key: ins.Key(), Path: decision.Path, Previous: &previous, Stateless: true,
	}); err != nil {
		return nil, err
	}
	if err := tx.Update(ctx, ins); err != nil {
		return nil, err
	}

	if capped {
		e := m.event(EventReopenCapExceeded, ins, now)
		e.Reason = ReasonReopenCapExceeded
		fx.emit(e)
		fx.record(ins, TransitionTriage)
		return &IngestResult{Outcome: OutcomeTriaged, Insight: ins}, nil
	}

	e := m.event(EventReopened, ins, now)
	e.ReopenCount = window.Count
	fx.emit(e)
	fx.emit(m.promotedEvent(ins, now))
	fx.promotions = append(fx.promotions, "reopen")
	fx.record(ins, TransitionReopen)
	return &IngestResult{Outcome: OutcomeReopened, Insight: ins, Promoted: true}, nil
}

// members loads the stored members of ins plus the incoming reflection.
// Ids the reflection source no longer knows are skipped.
func (m *Manager) members(ctx context.Context, ins *Insight, r *reflection.Reflection) ([]*reflection.Reflection, error) {
	stored, err := m.reflections.FetchByIDs(ctx, ins.ReflectionIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching member reflections: %w", err)
	}
	if len(stored) < len(ins.ReflectionIDs) {
		m.logger.Warn("member reflections missing",
			zap.String("insight.id", ins.ID),
			zap.Int("expected", len(ins.ReflectionIDs)),
			zap.Int("found", len(stored)))
	}

	out := make([]*reflection.Reflection, 0, len(stored)+1)
	seen := make(map[string]bool, len(stored)+1)
	for _, s := range append(stored, r) {
		if s == nil || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out, nil
}

// absorb adds r to the membership sets of ins.
func (m *Manager) absorb(ins *Insight, r *reflection.Reflection, now time.Time) {
	ins.ReflectionIDs = appendUnique(ins.ReflectionIDs, r.ID)
	if a := strings.TrimSpace(r.Author); a != "" {
		ins.Authors = appendUnique(ins.Authors, a)
	}
	for _, e := range r.Evidence {
		if e = strings.TrimSpace(e); e != "" {
			ins.EvidenceRefs = appendUnique(ins.EvidenceRefs, m.scrubber.Scrub(e))
		}
	}
	ins.IndependentCount = len(ins.Authors)
	if r.Severity.Rank() > ins.SeverityMax.Rank() {
		ins.SeverityMax = r.Severity
	}
	if len(ins.ReflectionIDs) >= m.rules.RecurringMembership {
		ins.RecurringCandidate = true
	}
	ins.UpdatedAt = now
}

// evaluate builds the decision trace and copies its score and priority.
func (m *Manager) evaluate(ins *Insight, in TraceInput) error {
	in.Readiness = ins.PromotionReadiness
	tr, err := m.rules.BuildDecisionTrace(in)
	if err != nil {
		return err
	}
	ins.Score = tr.Score
	ins.Priority = tr.Priority
	ins.Metadata.DecisionTrace = &tr
	ins.Metadata.ScoringVersion = m.rules.Version
	return nil
}

func (m *Manager) promote(ins *Insight, readiness Readiness, now time.Time) {
	until := now.Add(m.rules.CooldownWindow)
	ins.Status = StatusPromoted
	ins.PromotionReadiness = readiness
	ins.CooldownUntil = &until
	ins.CooldownReason = ""
}

func (m *Manager) cooldownElapsed(ins *Insight, now time.Time) bool {
	return !now.Before(ins.UpdatedAt.Add(m.rules.CooldownWindow))
}

func (m *Manager) title(key ClusterKey, r *reflection.Reflection) string {
	pain := []rune(strings.Join(strings.Fields(r.Pain), " "))
	if len(pain) > titlePainRunes {
		pain = pain[:titlePainRunes]
	}
	return m.scrubber.Scrub(key.Family + ": " + string(pain))
}

func (m *Manager) event(t EventType, ins *Insight, now time.Time) Event {
	return Event{ID: m.newID(), Type: t, InsightID: ins.ID, OccurredAt: now}
}

func (m *Manager) promotedEvent(ins *Insight, now time.Time) Event {
	e := m.event(EventPromoted, ins, now)
	e.Priority = ins.Priority
	e.Score = ins.Score
	return e
}

// apply publishes events and appends audit records. Failures are logged.
func (m *Manager) apply(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	for _, path := range fx.promotions {
		m.metrics.PromotionsTotal.WithLabelValues(path).Inc()
	}
	for _, e := range fx.events {
		if err := m.publisher.Publish(ctx, e); err != nil {
			m.metrics.SideChannelFailure.WithLabelValues("events").Inc()
			m.logger.Warn("failed to publish insight event",
				zap.String("event", string(e.Type)),
				zap.String("insight.id", e.InsightID),
				zap.Error(err))
		}
	}
	if m.traces == nil {
		return
	}
	for _, rec := range fx.traces {
		if err := m.traces.AppendTrace(ctx, rec); err != nil {
			m.metrics.SideChannelFailure.WithLabelValues("trace_log").Inc()
			m.logger.Warn("failed to persist decision trace",
				zap.String("insight.id", rec.InsightID),
				zap.String("transition", rec.Transition),
				zap.Error(err))
		}
	}
}

func (m *Manager) retryPolicy(op string) RetryPolicy {
	p := m.retry
	next := p.OnRetry
	p.OnRetry = func(attempt int, err error) {
		m.metrics.RetriesTotal.WithLabelValues(op).Inc()
		m.logger.Debug("retrying after storage contention",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		if next != nil {
			next(attempt, err)
		}
	}
	return p
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
