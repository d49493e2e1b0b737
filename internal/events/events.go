// Package events publishes memory lifecycle events to NATS so external
// consumers (the automation executor, audit pipelines) can observe checkpoint
// and learning activity without polling.
//
// Publishing is best-effort and fire-and-forget: a nil or disconnected
// publisher never fails the operation that triggered the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event subjects.
const (
	SubjectCheckpointCreated     = "agentmem.checkpoint.created"
	SubjectCheckpointResumed     = "agentmem.checkpoint.resumed"
	SubjectCheckpointInvalidated = "agentmem.checkpoint.invalidated"
	SubjectOutcomeProcessed      = "agentmem.outcome.processed"
	SubjectFeedbackProcessed     = "agentmem.feedback.processed"
)

// Event is the wire envelope for all published events.
type Event struct {
	Subject   string         `json:"subject"`
	TenantID  string         `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Publisher emits events to NATS. The zero/nil Publisher is disabled and
// silently drops events, so services can hold one unconditionally.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewPublisher creates a publisher over an established NATS connection.
// Pass a nil connection to disable publishing.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger}
}

// Publish emits one event. Failures are logged, never returned: event
// delivery must not affect store correctness.
func (p *Publisher) Publish(_ context.Context, subject, tenantID string, fields map[string]any) {
	if p == nil || p.nc == nil {
		return
	}

	evt := Event{
		Subject:   subject,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}

	if err := p.nc.Publish(subject, raw); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
