package insight

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

// Score factors, as named in decision traces.
const (
	FactorMaxConfidence = "max_confidence"
	FactorSeverityBoost = "severity_boost"
	FactorVolumeBoost   = "volume_boost"
)

// ScoreBreakdown holds the terms of a score.
type ScoreBreakdown struct {
	MaxConfidence float64
	MaxSeverity   reflection.Severity
	SeverityBoost float64
	VolumeBoost   float64
	Members       int

	// Raw is the unrounded, uncapped sum.
	Raw float64
	// Score is Raw rounded to one decimal and clamped to [0,10].
	Score float64
}

func round10(x float64) float64 {
	return math.Round(x*10) / 10
}

// Breakdown scores a non-empty reflection set. Nil entries are ignored and
// non-finite confidence counts as 0.
func (r Rules) Breakdown(members []*reflection.Reflection) (ScoreBreakdown, error) {
	var b ScoreBreakdown
	for _, m := range members {
		if m == nil {
			continue
		}
		conf := m.Confidence
		if math.IsNaN(conf) || math.IsInf(conf, 0) {
			conf = 0
		}
		conf = math.Max(0, math.Min(10, conf))
		if b.Members == 0 || conf > b.MaxConfidence {
			b.MaxConfidence = conf
		}
		if m.Severity.Rank() > b.MaxSeverity.Rank() {
			b.MaxSeverity = m.Severity
		}
		b.Members++
	}
	if b.Members == 0 {
		return b, ErrEmptyReflectionSet
	}

	switch b.MaxSeverity {
	case reflection.SeverityCritical:
		b.SeverityBoost = r.CriticalBoost
	case reflection.SeverityHigh:
		b.SeverityBoost = r.HighBoost
	}
	b.VolumeBoost = math.Min(float64(b.Members-1)*r.VolumeStep, r.VolumeCap)

	b.Raw = b.MaxConfidence + b.SeverityBoost + b.VolumeBoost
	b.Score = math.Max(0, math.Min(10, round10(b.Raw)))
	return b, nil
}

// ComputeScore returns the 0-10 score of a non-empty reflection set.
func (r Rules) ComputeScore(members []*reflection.Reflection) (float64, error) {
	b, err := r.Breakdown(members)
	return b.Score, err
}

// PriorityFor maps a score to a band with no memory.
func (r Rules) PriorityFor(score float64) Priority {
	switch {
	case score >= r.P0Threshold:
		return P0
	case score >= r.P1Threshold:
		return P1
	case score >= r.P2Threshold:
		return P2
	default:
		return P3
	}
}

// PriorityWithHysteresis moves at most one band away from previous. An
// upgrade needs the next band's threshold plus the buffer; the current
// band holds down to its threshold minus the buffer.
func (r Rules) PriorityWithHysteresis(score float64, previous *Priority) Priority {
	if previous == nil {
		return r.PriorityFor(score)
	}
	band := previous.band()
	if band > 0 && score >= r.threshold(band-1)+r.HysteresisBuffer {
		return priorities[band-1]
	}
	if band == 3 || score >= r.threshold(band)-r.HysteresisBuffer {
		return priorities[band]
	}
	return priorities[band+1]
}

// PromotionPath tells which gate step fired.
type PromotionPath string

const (
	PathNone     PromotionPath = "none"
	PathOverride PromotionPath = "override"
	PathStandard PromotionPath = "standard"
)

// Readiness maps a path to the readiness recorded on promotion.
func (p PromotionPath) Readiness() Readiness {
	switch p {
	case PathOverride:
		return ReadinessOverride
	case PathStandard:
		return ReadinessPromoted
	default:
		return ReadinessNotReady
	}
}

// PromotionDecision is the outcome of the promotion gate.
type PromotionDecision struct {
	Promote         bool
	Path            PromotionPath
	Reason          string
	QualityPassed   bool
	DistinctAuthors int
}

func qualityFields(m *reflection.Reflection) []string {
	if m == nil {
		return make([]string, 4)
	}
	return []string{m.Pain, m.Impact, m.SuspectedWhy, m.ProposedFix}
}

// PassesQuality reports whether enough narrative fields carry content.
func (r Rules) PassesQuality(m *reflection.Reflection) bool {
	if m == nil {
		return false
	}
	filled := 0
	for _, f := range qualityFields(m) {
		if utf8.RuneCountInString(strings.TrimSpace(f)) >= r.QualityMinChars {
			filled++
		}
	}
	return filled >= r.QualityMinFields
}

func hasEvidence(m *reflection.Reflection) bool {
	for _, e := range m.Evidence {
		if strings.TrimSpace(e) != "" {
			return true
		}
	}
	return false
}

// EvaluatePromotion runs the gate: quality first, then the severity
// override, then the distinct-author threshold.
func (r Rules) EvaluatePromotion(members []*reflection.Reflection) PromotionDecision {
	d := PromotionDecision{Path: PathNone}

	authors := make(map[string]struct{})
	override := false
	for _, m := range members {
		if m == nil {
			continue
		}
		if a := strings.TrimSpace(m.Author); a != "" {
			authors[a] = struct{}{}
		}
		if !r.PassesQuality(m) {
			continue
		}
		d.QualityPassed = true
		if m.Severity.Rank() >= reflection.SeverityHigh.Rank() && hasEvidence(m) {
			override = true
		}
	}
	d.DistinctAuthors = len(authors)

	switch {
	case !d.QualityPassed:
		d.Reason = "no reflection passes the quality gate"
	case override:
		d.Promote, d.Path = true, PathOverride
		d.Reason = "high or critical severity with evidence"
	case d.DistinctAuthors >= r.AuthorThreshold:
		d.Promote, d.Path = true, PathStandard
		d.Reason = "independent authors reached threshold"
	default:
		d.Reason = "waiting for independent corroboration"
	}
	return d
}

// CanPromote reports whether the reflection set passes the gate.
func (r Rules) CanPromote(members []*reflection.Reflection) bool {
	return r.EvaluatePromotion(members).Promote
}
