package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = insight.ClusterKey{Stage: "build", Family: "performance", Unit: "checkout"}

func sampleInsight(id string, now time.Time) *insight.Insight {
	until := now.Add(24 * time.Hour)
	prev := insight.P2
	return &insight.Insight{
		ID:                 id,
		Title:              "performance: slow checkout",
		ClusterKey:         testKey.String(),
		WorkflowStage:      testKey.Stage,
		FailureFamily:      testKey.Family,
		ImpactedUnit:       testKey.Unit,
		ReflectionIDs:      []string{"r1", "r2"},
		Authors:            []string{"alice", "bob"},
		EvidenceRefs:       []string{"trace://1"},
		IndependentCount:   2,
		Score:              7.5,
		Priority:           insight.P1,
		SeverityMax:        reflection.SeverityHigh,
		Status:             insight.StatusPromoted,
		PromotionReadiness: insight.ReadinessPromoted,
		RecurringCandidate: true,
		CooldownUntil:      &until,
		CooldownReason:     insight.ReasonReopened,
		TaskID:             "task-1",
		Metadata: insight.Metadata{
			ScoringVersion: "1.0.0",
			DecisionTrace: &insight.DecisionTrace{
				Version:          "1.0.0",
				DedupeClusterID:  testKey.String(),
				Priority:         insight.P1,
				PreviousPriority: &prev,
				TopContributors:  []insight.Contributor{{Factor: "max_confidence", Value: 7, Description: "x"}},
				Score:            7.5,
			},
			ReopenWindow: insight.ReopenWindow{Count: 1, WindowStart: &now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func insert(t *testing.T, s *Store, ins *insight.Insight) {
	t.Helper()
	err := s.WithinClusterTx(context.Background(), ins.Key(), func(tx insight.Tx) error {
		return tx.Insert(context.Background(), ins)
	})
	require.NoError(t, err)
}

func TestInsight_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 123456789, time.UTC)
	want := sampleInsight("i1", now)
	insert(t, s, want)

	got, err := s.Get(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, insight.ErrNotFound)
}

func TestInsight_EmptyListsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ins := sampleInsight("i1", time.Now().UTC())
	ins.EvidenceRefs = nil
	ins.CooldownUntil = nil
	insert(t, s, ins)

	got, err := s.Get(context.Background(), "i1")
	require.NoError(t, err)
	assert.Empty(t, got.EvidenceRefs)
	assert.Nil(t, got.CooldownUntil)
}

func TestTx_ActiveAndMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	closed := sampleInsight("old", now.Add(-time.Hour))
	closed.Status = insight.StatusClosed
	closed.ReflectionIDs = []string{"r0"}
	insert(t, s, closed)

	err := s.WithinClusterTx(ctx, testKey, func(tx insight.Tx) error {
		active, err := tx.ActiveByClusterKey(ctx, testKey)
		require.NoError(t, err)
		assert.Nil(t, active, "closed insights are not active")

		found, err := tx.HasReflection(ctx, testKey, "r0")
		require.NoError(t, err)
		assert.True(t, found, "closed insights still count for membership")

		found, err = tx.HasReflection(ctx, insight.ClusterKey{Stage: "x", Family: "y", Unit: "z"}, "r0")
		require.NoError(t, err)
		assert.False(t, found)

		return tx.Insert(ctx, sampleInsight("new", now))
	})
	require.NoError(t, err)

	err = s.WithinClusterTx(ctx, testKey, func(tx insight.Tx) error {
		active, err := tx.ActiveByClusterKey(ctx, testKey)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "new", active.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestTx_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinClusterTx(ctx, testKey, func(tx insight.Tx) error {
		require.NoError(t, tx.Insert(ctx, sampleInsight("i1", time.Now().UTC())))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "i1")
	assert.ErrorIs(t, err, insight.ErrNotFound)
}

// Active-key uniqueness belongs to the engine's lookup-before-create; the
// schema lets several rows share a cluster key.
func TestTx_ClusterKeyNotUniqueInSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert(t, s, sampleInsight("i1", time.Now().UTC()))
	insert(t, s, sampleInsight("i2", time.Now().UTC().Add(time.Second)))

	page, err := s.List(ctx, insight.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Insights, 2)

	err = s.WithinClusterTx(ctx, testKey, func(tx insight.Tx) error {
		active, err := tx.ActiveByClusterKey(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "i2", active.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestTx_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insert(t, s, sampleInsight("i1", now))

	err := s.WithinInsightTx(ctx, "i1", func(tx insight.Tx) error {
		ins, err := tx.GetForUpdate(ctx, "i1")
		require.NoError(t, err)
		ins.Status = insight.StatusCooldown
		ins.ReflectionIDs = append(ins.ReflectionIDs, "r3")
		ins.UpdatedAt = now.Add(time.Minute)
		return tx.Update(ctx, ins)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, insight.StatusCooldown, got.Status)
	assert.Equal(t, []string{"r1", "r2", "r3"}, got.ReflectionIDs)
	assert.True(t, got.UpdatedAt.Equal(now.Add(time.Minute)))

	err = s.WithinInsightTx(ctx, "missing", func(tx insight.Tx) error {
		return tx.Update(ctx, sampleInsight("missing", now))
	})
	assert.ErrorIs(t, err, insight.ErrNotFound)
}

func TestList_FiltersAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, row := range []struct {
		id     string
		unit   string
		status insight.Status
		score  float64
		recur  bool
	}{
		{"a", "u1", insight.StatusCandidate, 3, false},
		{"b", "u2", insight.StatusPromoted, 9, false},
		{"c", "u3", insight.StatusPendingTriage, 6, false},
		{"d", "u4", insight.StatusCandidate, 5, true},
	} {
		ins := sampleInsight(row.id, now.Add(time.Duration(i)*time.Second))
		ins.ImpactedUnit = row.unit
		ins.ClusterKey = insight.ClusterKey{Stage: "build", Family: "performance", Unit: row.unit}.String()
		ins.Status = row.status
		ins.Score = row.score
		ins.Priority = insight.DefaultRules().PriorityFor(row.score)
		ins.RecurringCandidate = row.recur
		insert(t, s, ins)
	}

	ids := func(p *insight.Page) []string {
		var out []string
		for _, ins := range p.Insights {
			out = append(out, ins.ID)
		}
		return out
	}

	page, err := s.List(ctx, insight.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, []string{"b", "c", "d", "a"}, ids(page))

	page, err = s.List(ctx, insight.ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, []string{"c", "d"}, ids(page))

	page, err = s.List(ctx, insight.ListFilter{Status: insight.StatusCandidate})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, ids(page))

	page, err = s.List(ctx, insight.ListFilter{Attention: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(page))

	page, err = s.List(ctx, insight.ListFilter{ImpactedUnit: "u2", Priority: insight.P0})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(page))

	page, err = s.List(ctx, insight.ListFilter{FailureFamily: "nope"})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Insights)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Attention)
	assert.Equal(t, 2, stats.ByStatus[insight.StatusCandidate])
	assert.Equal(t, 1, stats.ByPriority[insight.P0])
	assert.Equal(t, 4, stats.ByFamily["performance"])
}

func TestDueForSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 24 * time.Hour

	add := func(id string, status insight.Status, updated time.Time, until *time.Time) {
		ins := sampleInsight(id, updated)
		ins.ClusterKey = insight.ClusterKey{Stage: "s", Family: "f", Unit: id}.String()
		ins.Status = status
		ins.CooldownUntil = until
		insert(t, s, ins)
	}
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	add("promoted-due", insight.StatusPromoted, now.Add(-25*time.Hour), &past)
	add("promoted-exact", insight.StatusPromoted, now.Add(-25*time.Hour), &now)
	add("promoted-later", insight.StatusPromoted, now, &future)
	add("cooldown-due", insight.StatusCooldown, now.Add(-window), nil)
	add("cooldown-fresh", insight.StatusCooldown, now.Add(-time.Hour), nil)
	add("candidate", insight.StatusCandidate, now.Add(-48*time.Hour), nil)

	ids, err := s.DueForSweep(ctx, now, window)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"promoted-due", "promoted-exact", "cooldown-due"}, ids)
}
