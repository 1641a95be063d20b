package reflection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrInvalidReflection wraps every validation failure.
	ErrInvalidReflection = errors.New("invalid reflection")

	// ErrNotFound is returned when a reflection id is unknown.
	ErrNotFound = errors.New("reflection not found")
)

// Severity is the optional self-reported severity of a reflection.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: none < low < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is empty or a known severity.
func (s Severity) Valid() bool {
	return s == SeverityNone || s.Rank() > 0
}

// RoleType is the role the author held while doing the work.
type RoleType string

const (
	RoleImplementer RoleType = "implementer"
	RoleReviewer    RoleType = "reviewer"
	RoleLead        RoleType = "lead"
	RoleOperator    RoleType = "operator"
	RoleObserver    RoleType = "observer"
)

// Valid reports whether r is a known role.
func (r RoleType) Valid() bool {
	switch r {
	case RoleImplementer, RoleReviewer, RoleLead, RoleOperator, RoleObserver:
		return true
	}
	return false
}

// Reflection is a structured post-incident note. Reflections are
// immutable once stored.
type Reflection struct {
	ID           string         `json:"id"`
	Pain         string         `json:"pain"`
	Impact       string         `json:"impact"`
	Evidence     []string       `json:"evidence"`
	WentWell     string         `json:"went_well"`
	SuspectedWhy string         `json:"suspected_why"`
	ProposedFix  string         `json:"proposed_fix"`
	Confidence   float64        `json:"confidence"`
	RoleType     RoleType       `json:"role_type"`
	Severity     Severity       `json:"severity,omitempty"`
	Author       string         `json:"author"`
	TaskID       string         `json:"task_id,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	TeamID       string         `json:"team_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

const (
	maxTextLen   = 8000
	maxTags      = 32
	maxTagLen    = 128
	maxEvidence  = 64
	maxAuthorLen = 128
)

// Validate checks the invariants required at creation time.
func (r *Reflection) Validate() error {
	if strings.TrimSpace(r.Pain) == "" {
		return fmt.Errorf("%w: pain is required", ErrInvalidReflection)
	}
	if strings.TrimSpace(r.Author) == "" {
		return fmt.Errorf("%w: author is required", ErrInvalidReflection)
	}
	if len(r.Author) > maxAuthorLen {
		return fmt.Errorf("%w: author exceeds %d bytes", ErrInvalidReflection, maxAuthorLen)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 10 {
		return fmt.Errorf("%w: confidence %.2f outside [0,10]", ErrInvalidReflection, r.Confidence)
	}
	if !r.RoleType.Valid() {
		return fmt.Errorf("%w: unknown role_type %q", ErrInvalidReflection, r.RoleType)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidReflection, r.Severity)
	}

	nonEmpty := 0
	for _, e := range r.Evidence {
		if strings.TrimSpace(e) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return fmt.Errorf("%w: at least one evidence entry is required", ErrInvalidReflection)
	}
	if len(r.Evidence) > maxEvidence {
		return fmt.Errorf("%w: too many evidence entries (max %d)", ErrInvalidReflection, maxEvidence)
	}
	if len(r.Tags) > maxTags {
		return fmt.Errorf("%w: too many tags (max %d)", ErrInvalidReflection, maxTags)
	}
	for _, t := range r.Tags {
		if len(t) > maxTagLen {
			return fmt.Errorf("%w: tag exceeds %d bytes", ErrInvalidReflection, maxTagLen)
		}
	}

	for name, v := range map[string]string{
		"pain": r.Pain, "impact": r.Impact, "went_well": r.WentWell,
		"suspected_why": r.SuspectedWhy, "proposed_fix": r.ProposedFix,
	} {
		if len(v) > maxTextLen {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidReflection, name, maxTextLen)
		}
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidReflection, name)
		}
	}
	return nil
}

// Store persists reflections. Implementations never modify a stored record.
type Store interface {
	Create(ctx context.Context, r *Reflection) error
	Get(ctx context.Context, id string) (*Reflection, error)

	// FetchByIDs returns the reflections that exist, in the order of ids.
	// Unknown ids are omitted.
	FetchByIDs(ctx context.Context, ids []string) ([]*Reflection, error)
}
