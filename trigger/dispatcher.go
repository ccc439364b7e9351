package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/workflow"
)

// Dispatcher consumes pending intents and starts workflow executions.
// Concurrency is bounded by the worker count; queued intents drain FIFO
// within a tenant and round-robin across tenants so one noisy tenant cannot
// starve the rest.
type Dispatcher struct {
	service *Service
	engine  *workflow.Engine
	workers int
	horizon time.Duration
	profile governance.Profile
	logger  *slog.Logger

	mu      sync.Mutex
	queues  map[string][]*Intent // per-tenant FIFO
	tenants []string             // round-robin rotation
	next    int
	wake    chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the bounded worker count.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRescanHorizon sets how old a pending intent must be before the
// startup re-scan reclaims it.
func WithRescanHorizon(horizon time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.horizon = horizon
	}
}

// WithCapabilityProfile sets the capability profile granted to dispatched
// executions.
func WithCapabilityProfile(p governance.Profile) DispatcherOption {
	return func(d *Dispatcher) {
		d.profile = p
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher wires a dispatcher to the intent service and the workflow
// engine, and registers itself as the service's submit sink.
func NewDispatcher(service *Service, engine *workflow.Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		service: service,
		engine:  engine,
		workers: 4,
		horizon: 30 * time.Second,
		profile: governance.ProfileWorkflowModule,
		logger:  slog.Default(),
		queues:  make(map[string][]*Intent),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}

	service.submit = d.enqueue
	return d
}

// Run starts the worker pool and blocks until ctx is canceled. The startup
// re-scan reclaims pending intents that a previous process never dispatched.
func (d *Dispatcher) Run(ctx context.Context, tenantIDs []string) {
	d.rescan(ctx, tenantIDs)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
}

// enqueue adds an intent to its tenant's FIFO and wakes a worker.
func (d *Dispatcher) enqueue(intent *Intent) {
	d.mu.Lock()
	if _, ok := d.queues[intent.TenantID]; !ok {
		d.tenants = append(d.tenants, intent.TenantID)
	}
	d.queues[intent.TenantID] = append(d.queues[intent.TenantID], intent)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dequeue takes the next intent in round-robin tenant order, or nil.
func (d *Dispatcher) dequeue() *Intent {
	d.mu.Lock()
	defer d.mu.Unlock()

	for range d.tenants {
		tenant := d.tenants[d.next%len(d.tenants)]
		d.next++

		q := d.queues[tenant]
		if len(q) > 0 {
			intent := q[0]
			d.queues[tenant] = q[1:]
			return intent
		}
	}
	return nil
}

// worker loops pulling intents until ctx is canceled.
func (d *Dispatcher) worker(ctx context.Context) {
	for {
		intent := d.dequeue()
		if intent == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		d.dispatch(ctx, intent)

		// Another worker may be parked while the queue is non-empty.
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// dispatch resolves the module execution context for one intent, checks its
// capability grants, starts the execution, and records the outcome.
// Duplicate or already-dispatched intents are skipped.
func (d *Dispatcher) dispatch(ctx context.Context, intent *Intent) {
	if intent.Status != IntentPending {
		return
	}

	op := governance.SystemContext(intent.TenantID)

	exec, err := d.start(ctx, op, intent)
	if err != nil {
		intent.Status = IntentFailed
		intent.Error = err.Error()
		d.logger.Warn("Intent dispatch failed",
			"intent_id", intent.ID,
			"definition_id", intent.DefinitionID,
			"error", err)
	} else {
		intent.Status = IntentDispatched
		intent.ExecutionID = exec.ID
	}

	if err := d.service.UpdateIntent(ctx, intent); err != nil {
		d.logger.Error("Failed to persist intent outcome",
			"intent_id", intent.ID,
			"error", err)
	}
}

// start verifies the dispatcher's profile grants what the definition needs,
// then hands the intent to the workflow engine. A missing capability fails
// the intent before any execution is created.
func (d *Dispatcher) start(ctx context.Context, op governance.OpContext, intent *Intent) (*workflow.Execution, error) {
	def, err := d.engine.GetDefinition(ctx, op, intent.DefinitionID)
	if err != nil {
		return nil, err
	}
	if err := governance.CheckCapabilities(d.profile, workflow.RequiredCapabilities(def)); err != nil {
		return nil, err
	}
	return d.engine.Start(ctx, op, intent.DefinitionID, intent.ID, intent.TriggerPayload)
}

// rescan re-queues pending intents older than the horizon. Run once at
// startup so intents stranded by a crash are recovered.
func (d *Dispatcher) rescan(ctx context.Context, tenantIDs []string) {
	cutoff := time.Now().Add(-d.horizon)

	for _, tenantID := range tenantIDs {
		cursor := ""
		for {
			page, next, err := d.service.intents.List(ctx, tenantID, cursor, 256)
			if err != nil {
				d.logger.Warn("Intent re-scan failed", "tenant_id", tenantID, "error", err)
				break
			}
			for _, intent := range page {
				if intent.Status == IntentPending && intent.CreatedAt.Before(cutoff) {
					d.logger.Info("Re-queueing stranded intent",
						"intent_id", intent.ID,
						"tenant_id", tenantID,
						"age", time.Since(intent.CreatedAt))
					d.enqueue(intent)
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
}
