package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paycore/internal/circuitbreaker"
	"github.com/mbd888/paycore/internal/metrics"
	"github.com/mbd888/paycore/internal/traces"
)

// GuardedGateway wraps a provider with a circuit breaker, metrics and a
// trace span per call. Only transient failures count against the breaker.
type GuardedGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// Guard wraps g. Gateways sharing a breaker are keyed by name.
func Guard(g Gateway, breaker *circuitbreaker.Breaker) *GuardedGateway {
	return &GuardedGateway{inner: g, breaker: breaker}
}

func (g *GuardedGateway) Name() string { return g.inner.Name() }

func (g *GuardedGateway) Authorize(ctx context.Context, req Request) (*Result, error) {
	return g.call(ctx, OpAuthorize, func(ctx context.Context) (*Result, error) {
		return g.inner.Authorize(ctx, req)
	})
}

func (g *GuardedGateway) Capture(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.call(ctx, OpCapture, func(ctx context.Context) (*Result, error) {
		return g.inner.Capture(ctx, ref, req)
	})
}

func (g *GuardedGateway) Void(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.call(ctx, OpVoid, func(ctx context.Context) (*Result, error) {
		return g.inner.Void(ctx, ref, req)
	})
}

func (g *GuardedGateway) Refund(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.call(ctx, OpRefund, func(ctx context.Context) (*Result, error) {
		return g.inner.Refund(ctx, ref, req)
	})
}

func (g *GuardedGateway) InitiateSettlement(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.call(ctx, OpSettle, func(ctx context.Context) (*Result, error) {
		return g.inner.InitiateSettlement(ctx, ref, req)
	})
}

func (g *GuardedGateway) Charge(ctx context.Context, req Request) (*Result, error) {
	return g.call(ctx, OpCharge, func(ctx context.Context) (*Result, error) {
		return g.inner.Charge(ctx, req)
	})
}

func (g *GuardedGateway) call(ctx context.Context, op Operation, fn func(context.Context) (*Result, error)) (*Result, error) {
	name := g.inner.Name()
	ctx, span := traces.StartSpan(ctx, "gateway."+string(op),
		traces.Gateway(name),
		traces.Operation(string(op)),
	)
	defer span.End()

	start := time.Now()
	var res *Result
	err := g.breaker.Do(name, countsAgainstBreaker, func() error {
		var err error
		res, err = fn(ctx)
		return err
	})
	metrics.GatewayCallDuration.WithLabelValues(name, string(op)).Observe(time.Since(start).Seconds())

	outcome := "success"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "rejected_open"
		err = fmt.Errorf("%w: %s circuit open", ErrGatewayUnavailable, name)
	case IsDecline(err):
		outcome = "declined"
	case err != nil:
		outcome = "error"
	}
	metrics.GatewayCalls.WithLabelValues(name, string(op), outcome).Inc()
	traces.RecordError(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func countsAgainstBreaker(err error) bool {
	return IsTransient(err) && !errors.Is(err, context.Canceled)
}
