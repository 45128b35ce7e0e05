package events

import (
	"context"
	"sync"
)

// Recorder keeps every published event in memory. It backs tests and the
// development server when no broker is configured.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty in-memory recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events = append(r.events, &cp)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKey returns the events for one run or transaction, in publish order.
func (r *Recorder) ByKey(key string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// Topics returns the topic sequence for one key.
func (r *Recorder) Topics(key string) []Topic {
	evs := r.ByKey(key)
	out := make([]Topic, len(evs))
	for i, e := range evs {
		out[i] = e.Topic
	}
	return out
}
