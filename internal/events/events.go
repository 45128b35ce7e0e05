// Package events publishes lifecycle events for workflow runs and risk checks.
//
// The core only publishes; consumers (notification, settlement, analytics)
// live elsewhere. Publication is at-least-once: Reliable retries a failing
// sink, so subscribers must tolerate duplicates keyed by Event.ID.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/paycore/internal/idgen"
)

// Topic names an event stream.
type Topic string

const (
	TopicWorkflowStarted       Topic = "workflow.started"
	TopicWorkflowStepCompleted Topic = "workflow.step.completed"
	TopicWorkflowFailed        Topic = "workflow.failed"
	TopicWorkflowCancelled     Topic = "workflow.cancelled"
	TopicWorkflowCompleted     Topic = "workflow.completed"
	TopicFraudAlertCreated     Topic = "fraud.alert.created"
	TopicNotificationRequested Topic = "payment.notification.requested"
)

// Event is the envelope every sink receives.
type Event struct {
	ID        string         `json:"id"`
	Topic     Topic          `json:"topic"`
	Key       string         `json:"key"` // run id or transaction id; partitions keep per-key order
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New builds an event stamped with a fresh ID and the current time.
func New(topic Topic, key string, payload map[string]any) *Event {
	return &Event{
		ID:        idgen.EventID(),
		Topic:     topic,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Marshal encodes the event as JSON for wire sinks.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// Multi fans an event out to several sinks. Every sink is attempted; the
// joined error reports all that failed.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
