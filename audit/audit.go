// Package audit records structured events from every mutating control-plane
// operation and exposes a tenant-scoped timeline over them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

// EntityType identifies which lifecycle an event belongs to.
type EntityType string

const (
	EntityChange          EntityType = "change"
	EntityDraft           EntityType = "draft"
	EntityPromotionIntent EntityType = "promotion-intent"
	EntityPullDown        EntityType = "pull-down"
)

// Event is one audit timeline entry.
type Event struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	EntityID     string            `json:"entityId"`
	EntityType   EntityType        `json:"entityType"`
	EventType    string            `json:"eventType"`
	Actor        string            `json:"actor"`
	CreatedAtIso string            `json:"createdAtIso"`
	RequestID    string            `json:"requestId,omitempty"`
	Source       string            `json:"source,omitempty"`
	DiffSummary  *pack.DiffSummary `json:"diffSummary,omitempty"`
	Detail       map[string]any    `json:"detail,omitempty"`
}

// Recorder persists events and fans them out to the messaging layer.
type Recorder struct {
	events *store.Collection[Event]
	nc     *natsclient.Client
	logger *slog.Logger
	now    func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithClock overrides the time source, used by tests for stable ordering.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates a Recorder over the audit bucket. The NATS client may
// be nil; events are then persisted without being published.
func NewRecorder(ctx context.Context, s store.Store, nc *natsclient.Client, opts ...RecorderOption) (*Recorder, error) {
	bucket, err := s.Bucket(ctx, store.BucketAudit)
	if err != nil {
		return nil, fmt.Errorf("open audit bucket: %w", err)
	}

	r := &Recorder{
		events: store.NewCollection[Event](bucket),
		nc:     nc,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record persists an event and publishes it to
// changeops.audit.{entityType}. Publish failures are logged, not returned;
// the timeline write is the source of truth.
func (r *Recorder) Record(ctx context.Context, op governance.OpContext, ev Event) error {
	if r == nil {
		return nil
	}

	ts := r.now().UTC()
	ev.ID = uuid.New().String()
	ev.TenantID = op.Tenant.TenantID
	ev.CreatedAtIso = ts.Format(time.RFC3339Nano)
	if ev.Actor == "" {
		ev.Actor = op.Actor.ID
	}
	if ev.RequestID == "" {
		ev.RequestID = op.RequestID
	}

	if _, err := r.events.Create(ctx, ev.TenantID, timelineKey(ts, ev.ID), &ev); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	r.publish(ctx, &ev)
	return nil
}

// publish fans the event out to the messaging layer, best effort.
func (r *Recorder) publish(ctx context.Context, ev *Event) {
	if r.nc == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("Failed to marshal audit event", "event_id", ev.ID, "error", err)
		return
	}

	subject := fmt.Sprintf("changeops.audit.%s", ev.EntityType)
	if err := r.nc.PublishToStream(ctx, subject, data); err != nil {
		r.logger.Warn("Failed to publish audit event",
			"event_id", ev.ID,
			"subject", subject,
			"error", err)
	}
}

// Timeline returns the tenant's events in reverse-chronological order, paged.
func (r *Recorder) Timeline(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Event, string, error) {
	return r.events.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// EntityTimeline returns events for one entity in reverse-chronological order.
// The underlying list is already tenant-ordered; this filters in-process,
// which is acceptable at audit-timeline volumes.
func (r *Recorder) EntityTimeline(ctx context.Context, op governance.OpContext, entityID string, limit int) ([]*Event, error) {
	var out []*Event
	cursor := ""
	for {
		page, next, err := r.events.List(ctx, op.Tenant.TenantID, cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if ev.EntityID == entityID {
				out = append(out, ev)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// timelineKey builds a bucket key whose lexical order is reverse-chronological,
// so key-ordered listing yields newest first. The inverted nanosecond stamp is
// zero-padded to keep lexical and numeric order aligned.
func timelineKey(ts time.Time, id string) string {
	inverted := math.MaxInt64 - ts.UnixNano()
	return fmt.Sprintf("%019d.%s", inverted, id[:8])
}
