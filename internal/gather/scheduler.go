// Package gather runs fact gathering on a cron schedule.
package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/matijazezelj/tcpanel/internal/deploy"
)

// DefaultSchedule gathers facts once an hour.
const DefaultSchedule = "@hourly"

// Gatherer collects facts from every inventory host.
type Gatherer interface {
	Gather(ctx context.Context) (*deploy.GatherOutcome, error)
}

// Scheduler runs a Gatherer on a cron spec. A run that is still going when
// the next one is due causes that one to be skipped.
type Scheduler struct {
	gatherer Gatherer
	spec     string
	cron     *cron.Cron
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler parses spec (standard five-field cron or a descriptor such
// as @hourly or @every 30m).
func NewScheduler(g Gatherer, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid gather schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		gatherer: g,
		spec:     spec,
		cron:     cron.New(),
		logger:   logger,
	}, nil
}

// Start schedules the job and starts the cron runner. Runs use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling gather: %w", err)
	}
	s.cron.Start()
	s.logger.Info("gather scheduler started", "schedule", s.spec)
	return nil
}

// Stop halts the scheduler and waits for a running gather to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("gather scheduler stopped")
}

// run performs one gather and reports whether it ran.
func (s *Scheduler) run(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("skipping scheduled gather, previous run still going")
		return false
	}
	defer s.running.Store(false)

	if ctx.Err() != nil {
		return false
	}
	s.logger.Info("starting scheduled gather")
	out, err := s.gatherer.Gather(ctx)
	if err != nil {
		s.logger.Error("scheduled gather failed", "error", err)
		return true
	}
	for host, msg := range out.Failed {
		s.logger.Warn("host unreachable during gather", "host", host, "error", msg)
	}
	s.logger.Info("scheduled gather completed", "reached", len(out.Reached), "failed", len(out.Failed))
	return true
}
