package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

// memRepo is a Repository with a single global transaction lock. Writes
// are staged and only become visible when fn returns nil.
type memRepo struct {
	mu         sync.Mutex
	data       map[string]*Insight
	contention int // next N transactions fail with ErrContention
	txCount    int
}

func newMemRepo() *memRepo {
	return &memRepo{data: make(map[string]*Insight)}
}

func clone(ins *Insight) *Insight {
	if ins == nil {
		return nil
	}
	b, err := json.Marshal(ins)
	if err != nil {
		panic(err)
	}
	var out Insight
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return &out
}

func (r *memRepo) within(fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	if r.contention > 0 {
		r.contention--
		return fmt.Errorf("begin: %w", ErrContention)
	}
	tx := &memTx{repo: r, staged: make(map[string]*Insight)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, ins := range tx.staged {
		r.data[id] = ins
	}
	return nil
}

func (r *memRepo) WithinClusterTx(_ context.Context, _ ClusterKey, fn func(Tx) error) error {
	return r.within(fn)
}

func (r *memRepo) WithinInsightTx(_ context.Context, _ string, fn func(Tx) error) error {
	return r.within(fn)
}

func (r *memRepo) Get(_ context.Context, id string) (*Insight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ins, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ins), nil
}

func (r *memRepo) all() []*Insight {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Insight, 0, len(r.data))
	for _, ins := range r.data {
		out = append(out, clone(ins))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (r *memRepo) List(_ context.Context, f ListFilter) (*Page, error) {
	var matched []*Insight
	for _, ins := range r.all() {
		switch {
		case f.Status != "" && ins.Status != f.Status,
			f.Priority != "" && ins.Priority != f.Priority,
			f.WorkflowStage != "" && ins.WorkflowStage != f.WorkflowStage,
			f.FailureFamily != "" && ins.FailureFamily != f.FailureFamily,
			f.ImpactedUnit != "" && ins.ImpactedUnit != f.ImpactedUnit,
			f.Attention && !ins.NeedsAttention():
			continue
		}
		matched = append(matched, ins)
	}
	page := &Page{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Insights: []*Insight{}}
	if f.Offset < len(matched) {
		end := f.Offset + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Insights = matched[f.Offset:end]
	}
	return page, nil
}

func (r *memRepo) Stats(_ context.Context) (*Stats, error) {
	s := &Stats{ByStatus: map[Status]int{}, ByPriority: map[Priority]int{}, ByFamily: map[string]int{}}
	for _, ins := range r.all() {
		s.Total++
		s.ByStatus[ins.Status]++
		s.ByPriority[ins.Priority]++
		s.ByFamily[ins.FailureFamily]++
		if ins.NeedsAttention() {
			s.Attention++
		}
	}
	return s, nil
}

func (r *memRepo) DueForSweep(_ context.Context, now time.Time, window time.Duration) ([]string, error) {
	var ids []string
	for _, ins := range r.all() {
		switch {
		case ins.Status == StatusPromoted && ins.CooldownUntil != nil && !ins.CooldownUntil.After(now):
			ids = append(ids, ins.ID)
		case ins.Status == StatusCooldown && !ins.UpdatedAt.After(now.Add(-window)):
			ids = append(ids, ins.ID)
		}
	}
	return ids, nil
}

type memTx struct {
	repo   *memRepo
	staged map[string]*Insight
}

func (t *memTx) view() map[string]*Insight {
	out := make(map[string]*Insight, len(t.repo.data)+len(t.staged))
	for id, ins := range t.repo.data {
		out[id] = ins
	}
	for id, ins := range t.staged {
		out[id] = ins
	}
	return out
}

func (t *memTx) ActiveByClusterKey(_ context.Context, key ClusterKey) (*Insight, error) {
	var best *Insight
	for _, ins := range t.view() {
		if ins.ClusterKey != key.String() || ins.Status == StatusClosed {
			continue
		}
		if best == nil || ins.CreatedAt.After(best.CreatedAt) {
			best = ins
		}
	}
	return clone(best), nil
}

func (t *memTx) HasReflection(_ context.Context, key ClusterKey, reflectionID string) (bool, error) {
	for _, ins := range t.view() {
		if ins.ClusterKey != key.String() {
			continue
		}
		for _, id := range ins.ReflectionIDs {
			if id == reflectionID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memTx) GetForUpdate(_ context.Context, id string) (*Insight, error) {
	ins, ok := t.view()[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ins), nil
}

func (t *memTx) Insert(_ context.Context, ins *Insight) error {
	if _, ok := t.view()[ins.ID]; ok {
		return fmt.Errorf("duplicate insight %s", ins.ID)
	}
	t.staged[ins.ID] = clone(ins)
	return nil
}

func (t *memTx) Update(_ context.Context, ins *Insight) error {
	if _, ok := t.view()[ins.ID]; !ok {
		return ErrNotFound
	}
	t.staged[ins.ID] = clone(ins)
	return nil
}

type memReflections struct {
	mu   sync.Mutex
	byID map[string]*reflection.Reflection
	err  error
}

func newMemReflections() *memReflections {
	return &memReflections{byID: make(map[string]*reflection.Reflection)}
}

func (m *memReflections) add(r *reflection.Reflection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[r.ID] = r
}

func (m *memReflections) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

func (m *memReflections) FetchByIDs(_ context.Context, ids []string) ([]*reflection.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*reflection.Reflection
	for _, id := range ids {
		if r, ok := m.byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type memTraces struct {
	mu      sync.Mutex
	records []TraceRecord
	err     error
}

func (m *memTraces) AppendTrace(_ context.Context, rec TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

func (m *memTraces) ListTraces(_ context.Context, insightID string, limit int) ([]TraceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TraceRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].InsightID == insightID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")
