package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hook runs after a reflection has been stored.
type Hook func(ctx context.Context, r *Reflection) error

// Service validates, stores and announces reflections.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hooks []Hook
}

// NewService creates a reflection service. A nil logger discards output.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// RegisterHook adds a create-hook. Hooks run in registration order.
func (s *Service) RegisterHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Create normalizes, validates and stores r, then runs the hooks. Hook
// failures are logged; the reflection is already durable and can be
// replayed with Replay.
func (s *Service) Create(ctx context.Context, r *Reflection) (*Reflection, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil reflection", ErrInvalidReflection)
	}
	rec := *r
	normalize(&rec)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("storing reflection: %w", err)
	}

	if err := s.runHooks(ctx, &rec); err != nil {
		s.logger.Warn("reflection hook failed",
			zap.String("reflection.id", rec.ID),
			zap.Error(err))
	}
	return &rec, nil
}

// Get returns a stored reflection.
func (s *Service) Get(ctx context.Context, id string) (*Reflection, error) {
	return s.store.Get(ctx, id)
}

// Replay runs the hooks again for a stored reflection and returns their errors.
func (s *Service) Replay(ctx context.Context, id string) (*Reflection, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, s.runHooks(ctx, r)
}

func (s *Service) runHooks(ctx context.Context, r *Reflection) error {
	s.mu.RLock()
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// normalize trims free text and drops blank list entries.
func normalize(r *Reflection) {
	r.Pain = strings.TrimSpace(r.Pain)
	r.Impact = strings.TrimSpace(r.Impact)
	r.WentWell = strings.TrimSpace(r.WentWell)
	r.SuspectedWhy = strings.TrimSpace(r.SuspectedWhy)
	r.ProposedFix = strings.TrimSpace(r.ProposedFix)
	r.Author = strings.TrimSpace(r.Author)
	r.TeamID = strings.TrimSpace(r.TeamID)
	r.Severity = Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))
	r.RoleType = RoleType(strings.ToLower(strings.TrimSpace(string(r.RoleType))))
	r.Evidence = compact(r.Evidence)
	r.Tags = compact(r.Tags)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
