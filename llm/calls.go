package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
)

// callsSubject is the NATS subject producer call records publish to.
const callsSubject = "changeops.llm.calls"

// CallRecord captures a single producer call for audit correlation.
type CallRecord struct {
	RequestID   string     `json:"request_id"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Response    string     `json:"response,omitempty"`
	Usage       TokenUsage `json:"usage"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
}

// CallLog publishes producer call records to the messaging layer.
type CallLog struct {
	nc     *natsclient.Client
	logger *slog.Logger
}

// NewCallLog creates a call log over an established NATS client.
func NewCallLog(nc *natsclient.Client, logger *slog.Logger) *CallLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallLog{nc: nc, logger: logger}
}

// Store publishes a call record. With no NATS client configured it degrades
// to a no-op so the producer path never depends on messaging being up.
func (l *CallLog) Store(ctx context.Context, rec *CallRecord) error {
	if l == nil || l.nc == nil {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	if err := l.nc.PublishToStream(ctx, callsSubject, data); err != nil {
		return fmt.Errorf("publish call record: %w", err)
	}
	return nil
}
