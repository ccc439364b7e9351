package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/changeops/governance"
)

// pollInterval is the schedule poller tick.
const pollInterval = 60 * time.Second

// Scheduler is the single control-plane poll loop for schedule triggers.
// Each tick it checks every enabled schedule trigger for a fire time inside
// (lastCheck, now] and mints an intent per firing.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// tenantIDs scopes the scan. The server feeds it from the tenant
	// registry at startup and on tenant creation.
	tenantIDs func(ctx context.Context) ([]string, error)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval overrides the tick, used by tests.
func WithPollInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerClock overrides the time source for tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler builds the poller over the trigger service.
func NewScheduler(service *Service, tenantIDs func(ctx context.Context) ([]string, error), opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		service:   service,
		interval:  pollInterval,
		logger:    slog.Default(),
		now:       time.Now,
		tenantIDs: tenantIDs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll pass over every tenant's schedule triggers.
func (s *Scheduler) Tick(ctx context.Context) {
	tenants, err := s.tenantIDs(ctx)
	if err != nil {
		s.logger.Warn("Schedule poll could not list tenants", "error", err)
		return
	}

	for _, tenantID := range tenants {
		op := governance.SystemContext(tenantID)
		s.pollTenant(ctx, op)
	}
}

// pollTenant fires due schedule triggers for one tenant and advances their
// lastCheck high-water marks.
func (s *Scheduler) pollTenant(ctx context.Context, op governance.OpContext) {
	now := s.now().UTC()

	cursor := ""
	for {
		page, next, err := s.service.List(ctx, op, cursor, 256)
		if err != nil {
			s.logger.Warn("Schedule poll failed", "tenant_id", op.Tenant.TenantID, "error", err)
			return
		}

		for _, t := range page {
			if !t.Enabled || t.Type != TypeSchedule || t.Schedule == nil {
				continue
			}

			firedAt, due, err := nextFire(t, now)
			if err != nil {
				s.logger.Warn("Invalid schedule config",
					"trigger_id", t.ID, "error", err)
				continue
			}

			if !due {
				continue
			}

			payload := map[string]any{"firedAt": firedAt.Format(time.RFC3339)}
			key := IdempotencyKey(t.ID, firedAt.UTC().Format(time.RFC3339))
			if _, err := s.service.CreateIntent(ctx, op, t, key, payload); err != nil {
				s.logger.Warn("Schedule firing failed",
					"trigger_id", t.ID, "error", err)
				continue
			}

			// Advance the mark only on a firing; interval triggers measure
			// from their last fire, and a failed advance re-resolves to
			// duplicate on the next tick.
			t.LastCheck = now
			t.UpdatedAt = now
			if _, err := s.service.triggers.Put(ctx, t.TenantID, t.ID, t, 0); err != nil {
				s.logger.Warn("Failed to advance trigger lastCheck",
					"trigger_id", t.ID, "error", err)
			}
		}

		if next == "" {
			return
		}
		cursor = next
	}
}

// nextFire reports whether the trigger's next fire time falls inside
// (lastCheck, now], and what that time is.
func nextFire(t *Trigger, now time.Time) (time.Time, bool, error) {
	last := t.LastCheck
	if last.IsZero() {
		last = now.Add(-pollInterval)
	}

	if t.Schedule.Cron != "" {
		sched, err := cron.ParseStandard(t.Schedule.Cron)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron %q: %w", t.Schedule.Cron, err)
		}
		fire := sched.Next(last)
		return fire, !fire.After(now) && fire.After(last), nil
	}

	if t.Schedule.IntervalSeconds > 0 {
		fire := last.Add(time.Duration(t.Schedule.IntervalSeconds) * time.Second)
		return fire, !fire.After(now), nil
	}

	return time.Time{}, false, fmt.Errorf("schedule trigger has neither cron nor interval")
}
