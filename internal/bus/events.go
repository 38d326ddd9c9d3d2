// Package bus implements the in-process context bus: a typed, ordered,
// fan-out event channel between the scheduler, adapters, correlation
// engine, and external subscribers.
//
// Publishers never block. Each subscriber owns a bounded buffer; a
// subscriber that falls more than a buffer behind is evicted and the
// remaining subscribers see a bus.loss event.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Topic names the event streams. Events for a given (audit, topic) pair are
// delivered to each subscriber in publish order.
type Topic string

const (
	TopicPlanCreated       Topic = "plan.created"
	TopicToolStarted       Topic = "tool.started"
	TopicToolFinished      Topic = "tool.finished"
	TopicToolFailed        Topic = "tool.failed"
	TopicToolTimeout       Topic = "tool.timeout"
	TopicToolSkipped       Topic = "tool.skipped"
	TopicFindingRaw        Topic = "finding.raw"
	TopicFindingNormalized Topic = "finding.normalized"
	TopicFindingCorrelated Topic = "finding.correlated"
	TopicAuditProgress     Topic = "audit.progress"
	TopicAuditCompleted    Topic = "audit.completed"
	TopicAuditCancelled    Topic = "audit.cancelled"
	TopicAuditFailed       Topic = "audit.failed"
	TopicBusLoss           Topic = "bus.loss"
	TopicGovernance        Topic = "governance.warning"
)

// Event is the envelope carried on every topic. Payload is topic-specific;
// subscribers match on Topic and type-switch the payload.
type Event struct {
	ID        string    `json:"id"`
	AuditID   string    `json:"audit_id"`
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps an envelope with a fresh id and the current time.
func NewEvent(auditID string, topic Topic, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		AuditID:   auditID,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ToolEvent is the payload for tool.* topics.
type ToolEvent struct {
	ToolID     string `json:"tool_id"`
	Layer      int    `json:"layer"`
	Kind       string `json:"kind,omitempty"` // error kind for failed/timeout/skipped
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Findings   int    `json:"findings,omitempty"`
	Retry      bool   `json:"retry,omitempty"`
}

// ProgressEvent is the payload for audit.progress.
type ProgressEvent struct {
	State          string `json:"state"`
	ToolsPending   int    `json:"tools_pending"`
	ToolsRunning   int    `json:"tools_running"`
	ToolsFinished  int    `json:"tools_finished"`
	RawFindings    int    `json:"raw_findings"`
	Correlated     int    `json:"correlated_findings"`
	PartialTimeout bool   `json:"partial_timeout,omitempty"`
}

// LossEvent is the payload for bus.loss, emitted to surviving subscribers
// when a slow subscriber is disconnected.
type LossEvent struct {
	SubscriberID int    `json:"subscriber_id"`
	Dropped      Topic  `json:"dropped_topic"`
	Message      string `json:"message"`
}

// GovernanceEvent is the payload for governance.warning.
type GovernanceEvent struct {
	ToolID  string `json:"tool_id"`
	Message string `json:"message"`
}
