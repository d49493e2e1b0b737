// Package maintenance runs the background upkeep the stores rely on: expiry
// sweeps, low-performance pattern cleanup, and feedback draining.
//
// The scheduler never holds service locks; every job is an ordinary call into
// a service, and expired-but-not-yet-swept rows are already invisible to
// readers, so jobs are safe to run concurrently with foreground traffic.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sweeper removes rows past their expiry.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Cleaner removes patterns proven unreliable.
type Cleaner interface {
	CleanupLowPerformance(ctx context.Context, minSuccessRate float64, minUsageCount int) (int64, error)
}

// FeedbackDrainer processes pending feedback for a tenant.
type FeedbackDrainer interface {
	ProcessUnprocessedFeedback(ctx context.Context, tenantID, userID string) (int, error)
}

// TenantLister enumerates the tenants that have pending feedback.
type TenantLister interface {
	TenantsWithUnprocessedFeedback(ctx context.Context) ([]string, error)
}

// Config parameterizes the scheduler's jobs.
type Config struct {
	SweepInterval    time.Duration
	CleanupInterval  time.Duration
	FeedbackInterval time.Duration

	MinSuccessRate float64
	MinUsageCount  int

	// RatePerSecond throttles maintenance operations against the store so
	// background work never starves request traffic.
	RatePerSecond float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval:    5 * time.Minute,
		CleanupInterval:  1 * time.Hour,
		FeedbackInterval: 1 * time.Minute,
		MinSuccessRate:   0.3,
		MinUsageCount:    5,
		RatePerSecond:    10,
	}
}

// Scheduler drives the maintenance jobs on independent tickers.
type Scheduler struct {
	cfg      *Config
	sweepers []Sweeper
	cleaners []Cleaner
	drainer  FeedbackDrainer
	tenants  TenantLister
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the maintenance surfaces of the
// services. Any of drainer/tenants may be nil to disable feedback draining.
func NewScheduler(cfg *Config, sweepers []Sweeper, cleaners []Cleaner,
	drainer FeedbackDrainer, tenants TenantLister, logger *zap.Logger) (*Scheduler, error) {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(sweepers) == 0 && len(cleaners) == 0 && drainer == nil {
		return nil, errors.New("scheduler has no work to do")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Scheduler{
		cfg:      cfg,
		sweepers: sweepers,
		cleaners: cleaners,
		drainer:  drainer,
		tenants:  tenants,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}, nil
}

// Start launches the background loops. Idempotent: starting a running
// scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("maintenance scheduler started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval),
		zap.Duration("feedback_interval", s.cfg.FeedbackInterval),
	)

	s.spawn(s.cfg.SweepInterval, s.runSweep)
	s.spawn(s.cfg.CleanupInterval, s.runCleanup)
	if s.drainer != nil {
		s.spawn(s.cfg.FeedbackInterval, s.runFeedback)
	}
	return nil
}

// Stop signals the loops and waits for them to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) spawn(interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		return
	}
	stopCh := s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("maintenance job panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()

		for {
			select {
			case <-ticker.C:
				job(ctx)
			case <-stopCh:
				return
			}
		}
	}()
}

// RunSweep executes one sweep pass immediately. Exposed for operational
// triggering outside the ticker.
func (s *Scheduler) RunSweep(ctx context.Context) {
	s.runSweep(ctx)
}

func (s *Scheduler) runSweep(ctx context.Context) {
	for _, sw := range s.sweepers {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		n, err := sw.SweepExpired(ctx)
		if err != nil {
			s.logger.Warn("expiry sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("swept expired rows", zap.Int64("count", n))
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	for _, c := range s.cleaners {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		n, err := c.CleanupLowPerformance(ctx, s.cfg.MinSuccessRate, s.cfg.MinUsageCount)
		if err != nil {
			s.logger.Warn("pattern cleanup failed", zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("removed low-performance patterns", zap.Int64("count", n))
		}
	}
}

func (s *Scheduler) runFeedback(ctx context.Context) {
	if s.tenants == nil || s.drainer == nil {
		return
	}
	tenantIDs, err := s.tenants.TenantsWithUnprocessedFeedback(ctx)
	if err != nil {
		s.logger.Warn("failed to list tenants with feedback", zap.Error(err))
		return
	}
	for _, tenantID := range tenantIDs {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		n, err := s.drainer.ProcessUnprocessedFeedback(ctx, tenantID, "")
		if err != nil {
			s.logger.Warn("feedback drain failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("processed feedback batch",
				zap.String("tenant_id", tenantID), zap.Int("count", n))
		}
	}
}
