package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StepType names a step variant, e.g. "fraud_check".
type StepType string

// StepContext is what a step sees of its run.
type StepContext struct {
	RunID          string
	CorrelationID  string
	StepID         string
	OrderID        string
	PayerID        string
	PaymentMethod  string
	Amount         decimal.Decimal
	Currency       string
	Metadata       map[string]any
	Attempt        int                       // 0 on the first try
	IdempotencyKey string                    // stable per run and step
	Outputs        map[string]map[string]any // outputs of completed steps, by step ID
}

// Step is one executable step variant. Execute must be safe to re-invoke
// with the same IdempotencyKey after a crash.
//
// Returning an error wrapped by Reject (or retry.Permanent) fails the run
// without consuming retries; any other error is retried.
type Step interface {
	Type() StepType
	Execute(ctx context.Context, sc StepContext) (map[string]any, error)
}

// Compensator is implemented by steps whose effect must be undone when a
// later step fails the run.
type Compensator interface {
	Compensate(ctx context.Context, sc StepContext, output map[string]any) error
}

// StepSpec places a step variant in a template.
type StepSpec struct {
	ID         string
	Name       string
	Step       Step
	MaxRetries int
	Timeout    time.Duration // zero uses the orchestrator default
}

// Template is a named, ordered list of steps.
type Template struct {
	Name        string
	Description string
	Steps       []StepSpec
}

// TemplateInfo is the public description of a template.
type TemplateInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Steps       []StepInfo `json:"steps"`
}

// StepInfo describes one step of a template.
type StepInfo struct {
	ID          string   `json:"id"`
	Type        StepType `json:"type"`
	Name        string   `json:"name"`
	MaxRetries  int      `json:"maxRetries"`
	Compensable bool     `json:"compensable"`
}

// Registry holds the templates runs can be started from.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds or replaces a template after checking that every step has
// a handler and a unique ID.
func (r *Registry) Register(t Template) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidTemplate, t.Name)
	}
	seen := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s.Step == nil {
			return fmt.Errorf("%w: %s step %d has no handler", ErrInvalidTemplate, t.Name, i)
		}
		if s.ID == "" {
			return fmt.Errorf("%w: %s step %d has no id", ErrInvalidTemplate, t.Name, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s has duplicate step id %q", ErrInvalidTemplate, t.Name, s.ID)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("%w: %s step %q has negative maxRetries", ErrInvalidTemplate, t.Name, s.ID)
		}
		seen[s.ID] = true
	}

	cp := t
	cp.Steps = append([]StepSpec(nil), t.Steps...)

	r.mu.Lock()
	r.templates[t.Name] = &cp
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(t Template) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return t, nil
}

// List describes every registered template, sorted by name.
func (r *Registry) List() []TemplateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TemplateInfo, 0, len(r.templates))
	for _, t := range r.templates {
		info := TemplateInfo{Name: t.Name, Description: t.Description}
		for _, s := range t.Steps {
			_, compensable := s.Step.(Compensator)
			info.Steps = append(info.Steps, StepInfo{
				ID:          s.ID,
				Type:        s.Step.Type(),
				Name:        s.Name,
				MaxRetries:  s.MaxRetries,
				Compensable: compensable,
			})
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
