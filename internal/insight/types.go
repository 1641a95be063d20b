package insight

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

var (
	ErrNotFound           = errors.New("insight not found")
	ErrContention         = errors.New("storage contention")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrEmptyReflectionSet = errors.New("empty reflection set")
)

// Status is the lifecycle state of an Insight.
type Status string

const (
	StatusCandidate     Status = "candidate"
	StatusPromoted      Status = "promoted"
	StatusPendingTriage Status = "pending_triage"
	StatusTaskCreated   Status = "task_created"
	StatusCooldown      Status = "cooldown"
	StatusClosed        Status = "closed"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCandidate, StatusPromoted, StatusPendingTriage, StatusTaskCreated, StatusCooldown, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Readiness records how far an Insight got through the promotion gate.
type Readiness string

const (
	ReadinessNotReady Readiness = "not_ready"
	ReadinessReady    Readiness = "ready"
	ReadinessPromoted Readiness = "promoted"
	ReadinessOverride Readiness = "override"
)

// Priority is a severity band, P0 being the most urgent.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// band maps P0..P3 to 0..3; unknown values sort as P3.
func (p Priority) band() int {
	switch p {
	case P0:
		return 0
	case P1:
		return 1
	case P2:
		return 2
	default:
		return 3
	}
}

var priorities = [...]Priority{P0, P1, P2, P3}

// ParsePriority validates s.
func ParsePriority(s string) (Priority, error) {
	for _, p := range priorities {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

// Insight is a deduplicated cluster of reflections sharing a ClusterKey.
type Insight struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title"`
	ClusterKey         string              `json:"cluster_key"`
	WorkflowStage      string              `json:"workflow_stage"`
	FailureFamily      string              `json:"failure_family"`
	ImpactedUnit       string              `json:"impacted_unit"`
	ReflectionIDs      []string            `json:"reflection_ids"`
	Authors            []string            `json:"authors"`
	EvidenceRefs       []string            `json:"evidence_refs"`
	IndependentCount   int                 `json:"independent_count"`
	Score              float64             `json:"score"`
	Priority           Priority            `json:"priority"`
	SeverityMax        reflection.Severity `json:"severity_max,omitempty"`
	Status             Status              `json:"status"`
	PromotionReadiness Readiness           `json:"promotion_readiness"`
	RecurringCandidate bool                `json:"recurring_candidate"`
	CooldownUntil      *time.Time          `json:"cooldown_until,omitempty"`
	CooldownReason     string              `json:"cooldown_reason,omitempty"`
	TaskID             string              `json:"task_id,omitempty"`
	Metadata           Metadata            `json:"metadata"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Key returns the parsed cluster key.
func (i *Insight) Key() ClusterKey {
	return ClusterKey{Stage: i.WorkflowStage, Family: i.FailureFamily, Unit: i.ImpactedUnit}
}

// Active reports whether the Insight still takes part in clustering.
func (i *Insight) Active() bool {
	return i.Status != StatusClosed
}

// NeedsAttention reports whether a dashboard should flag the Insight.
func (i *Insight) NeedsAttention() bool {
	return i.Status == StatusPendingTriage || i.RecurringCandidate
}

// Metadata holds the audit and reopen-tracking sub-structures.
type Metadata struct {
	DecisionTrace  *DecisionTrace `json:"decision_trace,omitempty"`
	ScoringVersion string         `json:"scoring_version,omitempty"`
	ReopenWindow   ReopenWindow   `json:"reopen_window"`
}

// ReopenWindow counts reopens in a sliding window that restarts once
// its length has elapsed since WindowStart.
type ReopenWindow struct {
	Count       int        `json:"reopen_count_24h"`
	WindowStart *time.Time `json:"reopen_window_start,omitempty"`
}

// Contributor is one additive term of a score.
type Contributor struct {
	Factor      string  `json:"factor"`
	Value       float64 `json:"value"`
	Description string  `json:"description"`
}

// DecisionTrace explains a scoring and promotion decision.
type DecisionTrace struct {
	Version           string        `json:"version"`
	RulesFingerprint  string        `json:"rules_fingerprint"`
	DedupeClusterID   string        `json:"dedupe_cluster_id"`
	PromotionBand     Readiness     `json:"promotion_band"`
	PromotionPath     PromotionPath `json:"promotion_path"`
	Priority          Priority      `json:"priority"`
	TopContributors   []Contributor `json:"top_contributors"`
	HysteresisApplied bool          `json:"hysteresis_applied"`
	PreviousPriority  *Priority     `json:"previous_priority"`
	RawScore          float64       `json:"raw_score"`
	Score             float64       `json:"score"`
	MemberCount       int           `json:"member_count"`
}

// TraceRecord is one entry of the decision-trace audit log.
type TraceRecord struct {
	ID         int64         `json:"id"`
	InsightID  string        `json:"insight_id"`
	Transition string        `json:"transition"`
	Trace      DecisionTrace `json:"trace"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Transition labels used in the audit log and metrics.
const (
	TransitionCreate  = "create"
	TransitionMerge   = "merge"
	TransitionReopen  = "reopen"
	TransitionTriage  = "triage"
	TransitionPromote = "promote"
)

// Cooldown reasons.
const (
	ReasonReopened          = "reopened"
	ReasonReopenCapExceeded = "reopen_cap_exceeded"
)
