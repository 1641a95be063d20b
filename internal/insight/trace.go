package insight

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

// TraceInput describes one decision to explain.
type TraceInput struct {
	Members   []*reflection.Reflection
	Key       ClusterKey
	Readiness Readiness
	Path      PromotionPath
	Previous  *Priority

	// Stateless skips hysteresis even when Previous is set. Reopen and
	// triage re-evaluate the cluster from scratch.
	Stateless bool
}

// BuildDecisionTrace scores the members and records why the resulting
// priority and readiness were chosen. The trace's Score and Priority are
// the values the Insight must carry.
func (r Rules) BuildDecisionTrace(in TraceInput) (DecisionTrace, error) {
	b, err := r.Breakdown(in.Members)
	if err != nil {
		return DecisionTrace{}, err
	}

	stateless := r.PriorityFor(b.Score)
	priority := stateless
	if !in.Stateless {
		priority = r.PriorityWithHysteresis(b.Score, in.Previous)
	}

	contributors := []Contributor{{
		Factor:      FactorMaxConfidence,
		Value:       b.MaxConfidence,
		Description: fmt.Sprintf("highest reporter confidence across %d reflection(s)", b.Members),
	}}
	if b.SeverityBoost > 0 {
		contributors = append(contributors, Contributor{
			Factor:      FactorSeverityBoost,
			Value:       b.SeverityBoost,
			Description: fmt.Sprintf("max severity %s", b.MaxSeverity),
		})
	}
	if b.VolumeBoost > 0 {
		contributors = append(contributors, Contributor{
			Factor:      FactorVolumeBoost,
			Value:       b.VolumeBoost,
			Description: fmt.Sprintf("%d corroborating reflection(s), capped at %.1f", b.Members-1, r.VolumeCap),
		})
	}
	sort.SliceStable(contributors, func(i, j int) bool {
		return contributors[i].Value > contributors[j].Value
	})

	var prev *Priority
	if in.Previous != nil {
		p := *in.Previous
		prev = &p
	}
	path := in.Path
	if path == "" {
		path = PathNone
	}

	return DecisionTrace{
		Version:           r.Version,
		RulesFingerprint:  r.Fingerprint(),
		DedupeClusterID:   in.Key.String(),
		PromotionBand:     in.Readiness,
		PromotionPath:     path,
		Priority:          priority,
		TopContributors:   contributors,
		HysteresisApplied: priority != stateless,
		PreviousPriority:  prev,
		RawScore:          b.Raw,
		Score:             b.Score,
		MemberCount:       b.Members,
	}, nil
}
