package insight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sweepRunner is the part of Manager the Sweeper drives.
type sweepRunner interface {
	Sweep(ctx context.Context) (*SweepResult, error)
}

// Sweeper runs the cooldown sweep on a fixed interval.
//
// Start and Stop are safe to call concurrently. A panicking sweep is
// logged and the schedule continues.
type Sweeper struct {
	runner   sweepRunner
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper. Each run is bounded by the interval.
func NewSweeper(runner sweepRunner, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if runner == nil {
		return nil, errors.New("sweep runner cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{runner: runner, interval: interval, timeout: interval, logger: logger}, nil
}

// Start launches the background loop. Starting twice is an error.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("cooldown sweeper started", zap.Duration("interval", s.interval))
	go s.loop(s.stopCh, s.done)
	return nil
}

// Stop signals the loop and waits for an in-flight sweep to finish.
// Stopping a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("cooldown sweeper stopped")
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(stop)
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single sweep, cancelled early when stop closes.
func (s *Sweeper) RunOnce(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cooldown sweep panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	res, err := s.runner.Sweep(ctx)
	if err != nil {
		s.logger.Warn("cooldown sweep finished with errors", zap.Error(err))
	}
	if res != nil && (res.Cooled > 0 || res.Closed > 0) {
		s.logger.Info("cooldown sweep", zap.Int("cooled", res.Cooled), zap.Int("closed", res.Closed))
	}
}
