package reflection

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	byID map[string]*Reflection
}

func newMemStore() *memStore { return &memStore{byID: map[string]*Reflection{}} }

func (m *memStore) Create(_ context.Context, r *Reflection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; ok {
		return errors.New("duplicate id")
	}
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FetchByIDs(ctx context.Context, ids []string) ([]*Reflection, error) {
	var out []*Reflection
	for _, id := range ids {
		if r, err := m.Get(ctx, id); err == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func validReflection() *Reflection {
	return &Reflection{
		Pain:       "checkout page has a slow response under load",
		Impact:     "customers abandon carts during peak",
		Evidence:   []string{"grafana://checkout-latency"},
		Confidence: 6,
		RoleType:   RoleImplementer,
		Author:     "alice",
	}
}

func TestReflection_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Reflection)
		want   string
	}{
		{"valid", func(*Reflection) {}, ""},
		{"missing pain", func(r *Reflection) { r.Pain = "  " }, "pain is required"},
		{"missing author", func(r *Reflection) { r.Author = "" }, "author is required"},
		{"confidence above range", func(r *Reflection) { r.Confidence = 10.5 }, "confidence"},
		{"negative confidence", func(r *Reflection) { r.Confidence = -1 }, "confidence"},
		{"NaN confidence", func(r *Reflection) { r.Confidence = math.NaN() }, "confidence"},
		{"infinite confidence", func(r *Reflection) { r.Confidence = math.Inf(1) }, "confidence"},
		{"unknown role", func(r *Reflection) { r.RoleType = "manager" }, "role_type"},
		{"unknown severity", func(r *Reflection) { r.Severity = "urgent" }, "severity"},
		{"blank evidence", func(r *Reflection) { r.Evidence = []string{" "} }, "evidence"},
		{"no evidence", func(r *Reflection) { r.Evidence = nil }, "evidence"},
		{"huge pain", func(r *Reflection) { r.Pain = strings.Repeat("a", maxTextLen+1) }, "pain exceeds"},
		{"boundary confidence", func(r *Reflection) { r.Confidence = 10 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReflection()
			tt.mutate(r)
			err := r.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidReflection)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityNone.Rank(), SeverityLow.Rank())
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.True(t, SeverityNone.Valid())
	assert.False(t, Severity("sev1").Valid())
}

func TestService_CreateRunsHooks(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil)

	var seen []string
	svc.RegisterHook(func(_ context.Context, r *Reflection) error {
		seen = append(seen, r.ID)
		return nil
	})

	in := validReflection()
	in.Severity = " HIGH "
	in.Tags = []string{" stage:deploy ", ""}
	got, err := svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, SeverityHigh, got.Severity)
	assert.Equal(t, []string{"stage:deploy"}, got.Tags)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, []string{got.ID}, seen)

	stored, err := svc.Get(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Pain, stored.Pain)
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	called := false
	svc.RegisterHook(func(context.Context, *Reflection) error {
		called = true
		return nil
	})

	in := validReflection()
	in.Evidence = nil
	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidReflection)
	assert.False(t, called)
}

func TestService_HookFailureIsNotFatal(t *testing.T) {
	svc := NewService(newMemStore(), nil)
	svc.RegisterHook(func(context.Context, *Reflection) error {
		return errors.New("engine unavailable")
	})

	got, err := svc.Create(context.Background(), validReflection())
	require.NoError(t, err)

	_, err = svc.Replay(context.Background(), got.ID)
	assert.EqualError(t, err, "engine unavailable")

	_, err = svc.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
