package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paycore/internal/retry"
)

var (
	publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "events",
		Name:      "publish_total",
		Help:      "Total event publish attempts by topic.",
	}, []string{"topic"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Events that could not be published after all retries, by topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(publishTotal, publishErrors)
}

// Reliable retries a sink with backoff. It never returns an error to the
// caller: a publish that still fails after all attempts is logged and counted.
type Reliable struct {
	next      Publisher
	attempts  int
	baseDelay time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// NewReliable wraps next with bounded retries.
func NewReliable(next Publisher, attempts int, baseDelay time.Duration) *Reliable {
	return &Reliable{
		next:      next,
		attempts:  attempts,
		baseDelay: baseDelay,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (r *Reliable) WithLogger(l *slog.Logger) *Reliable {
	r.logger = l
	return r
}

func (r *Reliable) Publish(ctx context.Context, event *Event) error {
	publishTotal.WithLabelValues(string(event.Topic)).Inc()

	// Detach from the caller: a cancelled request must not drop a transition event.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err := retry.Do(pctx, r.attempts, r.baseDelay, func() error {
		return r.next.Publish(pctx, event)
	})
	if err != nil {
		publishErrors.WithLabelValues(string(event.Topic)).Inc()
		r.logger.Warn("event publish failed",
			"topic", event.Topic,
			"event_id", event.ID,
			"key", event.Key,
			"error", err,
		)
	}
	return nil
}
