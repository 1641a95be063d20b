package insight

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

// Repository persists Insights. Transactions are atomic read-modify-write
// units; concurrent transactions on the same cluster key or Insight must
// be serialized by the implementation. A transaction that could not get
// its lock returns an error wrapping ErrContention.
type Repository interface {
	WithinClusterTx(ctx context.Context, key ClusterKey, fn func(Tx) error) error
	WithinInsightTx(ctx context.Context, id string, fn func(Tx) error) error

	Get(ctx context.Context, id string) (*Insight, error)
	List(ctx context.Context, f ListFilter) (*Page, error)
	Stats(ctx context.Context) (*Stats, error)

	// DueForSweep returns ids of promoted Insights whose cooldown_until is
	// at or before now, and cooldown Insights not updated within window.
	DueForSweep(ctx context.Context, now time.Time, window time.Duration) ([]string, error)
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	// ActiveByClusterKey returns the most recent non-closed Insight for
	// key, or nil when there is none.
	ActiveByClusterKey(ctx context.Context, key ClusterKey) (*Insight, error)

	// HasReflection reports whether any Insight with key, closed ones
	// included, already contains reflectionID.
	HasReflection(ctx context.Context, key ClusterKey, reflectionID string) (bool, error)

	GetForUpdate(ctx context.Context, id string) (*Insight, error)
	Insert(ctx context.Context, ins *Insight) error
	Update(ctx context.Context, ins *Insight) error
}

// ReflectionSource resolves member reflections. Unknown ids are omitted.
type ReflectionSource interface {
	FetchByIDs(ctx context.Context, ids []string) ([]*reflection.Reflection, error)
}

// TraceStore is the decision-trace audit log.
type TraceStore interface {
	AppendTrace(ctx context.Context, rec TraceRecord) error
	ListTraces(ctx context.Context, insightID string, limit int) ([]TraceRecord, error)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListFilter selects Insights. Zero values match everything.
type ListFilter struct {
	Status        Status
	Priority      Priority
	WorkflowStage string
	FailureFamily string
	ImpactedUnit  string

	// Attention selects pending_triage or recurring Insights.
	Attention bool

	Limit  int
	Offset int
}

// Normalize applies paging defaults and bounds.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Page is one page of Insights ordered by score desc, then most recently
// updated first.
type Page struct {
	Insights []*Insight `json:"insights"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// Stats aggregates Insight counts.
type Stats struct {
	Total      int              `json:"total"`
	Attention  int              `json:"attention"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
	ByFamily   map[string]int   `json:"by_failure_family"`
}
