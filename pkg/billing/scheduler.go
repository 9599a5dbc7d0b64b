package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/models"
)

// CycleRunner runs one overage billing cycle for the month containing at.
type CycleRunner interface {
	RunOverageBillingCycleAt(ctx context.Context, at time.Time) (models.CycleResult, error)
}

// Scheduler runs the billing cycle on a cron schedule in UTC.
type Scheduler struct {
	cron    *cron.Cron
	runner  CycleRunner
	log     *logger.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates schedule and registers the cycle job. The job bills
// the month containing the moment one day before it fires, so the default
// first-of-month schedule closes the previous month.
func NewScheduler(runner CycleRunner, schedule string, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		runner:  runner,
		log:     log.Named("billing-scheduler"),
		timeout: time.Hour,
		now:     time.Now,
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("parse billing schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running scheduled cycles until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.log.Infow("billing scheduler started", "next_run", s.cron.Entries()[0].Next)
}

// Stop halts the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
}

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	at := s.now().UTC().AddDate(0, 0, -1)
	started := time.Now()
	result, err := s.runner.RunOverageBillingCycleAt(ctx, at)
	if err != nil {
		s.log.Errorw("scheduled billing cycle failed", "error", err, "processed_users", result.ProcessedUsers)
		return
	}
	s.log.Infow("scheduled billing cycle complete",
		"period", at.Format("2006-01"),
		"processed_users", result.ProcessedUsers,
		"charges_created", result.ChargesCreated,
		"charges_processed", result.ChargesProcessed,
		"errors", len(result.Errors),
		"duration", time.Since(started),
	)
}
