// Package workflow drives payment runs through ordered step templates.
//
// A run is created from a registered template with every step pending.
// A polling driver advances each non-terminal run by one unit of work per
// pass: execute the current step, or mark the run completed once every
// step has succeeded. Transient step failures are retried with capped
// exponential backoff; business rejections fail the run immediately.
// Every transition is persisted before its event is published.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paycore/internal/retry"
)

var (
	ErrUnknownTemplate = errors.New("workflow: unknown template")
	ErrRunNotFound     = errors.New("workflow: run not found")
	ErrAlreadyTerminal = errors.New("workflow: run already terminal")
	ErrRejected        = errors.New("workflow: rejected")
	ErrInvalidTemplate = errors.New("workflow: invalid template")
)

// Reject marks err as a business rejection: the run fails at once and the
// step's retry budget is untouched.
func Reject(format string, args ...any) error {
	return retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...)))
}

// IsRejection reports whether err is a business rejection rather than a
// transient or configuration failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// StepRecord is the audit trail of one step. Records are mutated in place
// and never removed.
type StepRecord struct {
	StepID        string         `json:"stepId"`
	Type          StepType       `json:"type"`
	Name          string         `json:"name"`
	Status        StepStatus     `json:"status"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	Error         string         `json:"error,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	FailedAt      *time.Time     `json:"failedAt,omitempty"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
	CompensatedAt *time.Time     `json:"compensatedAt,omitempty"`
}

// Run is one execution of a template for a single payment.
type Run struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Template      string          `json:"template"`
	OrderID       string          `json:"orderId"`
	PayerID       string          `json:"payerId"`
	PaymentMethod string          `json:"paymentMethod"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	CurrentStep   int             `json:"currentStep"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	Steps         []StepRecord    `json:"steps"`
	Metadata      map[string]any  `json:"metadata"`
	Error         string          `json:"error,omitempty"`
	CancelReason  string          `json:"cancelReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	FailedAt      *time.Time      `json:"failedAt,omitempty"`
	CancelledAt   *time.Time      `json:"cancelledAt,omitempty"`
}

// IsTerminal reports whether the run can no longer change.
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand outside the orchestrator.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	cp.Steps = make([]StepRecord, len(r.Steps))
	for i, s := range r.Steps {
		s.Input = maps.Clone(s.Input)
		s.Output = maps.Clone(s.Output)
		s.StartedAt = cloneTime(s.StartedAt)
		s.CompletedAt = cloneTime(s.CompletedAt)
		s.FailedAt = cloneTime(s.FailedAt)
		s.NextAttemptAt = cloneTime(s.NextAttemptAt)
		s.CompensatedAt = cloneTime(s.CompensatedAt)
		cp.Steps[i] = s
	}
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.FailedAt = cloneTime(r.FailedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	return &cp
}

// StartRequest carries the inputs of StartWorkflow.
type StartRequest struct {
	Template      string          `json:"template"`
	OrderID       string          `json:"orderId"`
	PayerID       string          `json:"payerId"`
	PaymentMethod string          `json:"paymentMethod"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Store is the durable record of runs, keyed by run ID.
type Store interface {
	// Save inserts or replaces the run.
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// ListActive returns every pending or processing run.
	ListActive(ctx context.Context) ([]*Run, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
