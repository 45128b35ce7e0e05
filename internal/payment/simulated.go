package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulated transaction states.
const (
	simAuthorized = "authorized"
	simCaptured   = "captured"
	simVoided     = "voided"
	simRefunded   = "refunded"
	simSettling   = "settlement_pending"
)

type simTxn struct {
	status   string
	amount   decimal.Decimal
	currency string
}

// SimulatedGateway is a deterministic in-process provider for mobile-money
// methods in development and tests. Calls are idempotent per operation and
// idempotency key.
type SimulatedGateway struct {
	name          string
	declineAbove  decimal.Decimal
	declinePayers map[string]bool
	latency       time.Duration
	now           func() time.Time

	mu       sync.Mutex
	replies  map[string]*Result
	txns     map[string]*simTxn
	failures map[Operation][]error
	calls    map[Operation]int
}

// NewSimulatedGateway creates a simulated provider called name.
func NewSimulatedGateway(name string) *SimulatedGateway {
	return &SimulatedGateway{
		name:          name,
		declinePayers: make(map[string]bool),
		now:           time.Now,
		replies:       make(map[string]*Result),
		txns:          make(map[string]*simTxn),
		failures:      make(map[Operation][]error),
		calls:         make(map[Operation]int),
	}
}

// WithDeclineAbove declines authorizations and charges above limit.
func (g *SimulatedGateway) WithDeclineAbove(limit decimal.Decimal) *SimulatedGateway {
	g.declineAbove = limit
	return g
}

// WithDeclinedPayers declines every authorization for the given payers.
func (g *SimulatedGateway) WithDeclinedPayers(payers ...string) *SimulatedGateway {
	for _, p := range payers {
		g.declinePayers[p] = true
	}
	return g
}

// WithLatency delays every call.
func (g *SimulatedGateway) WithLatency(d time.Duration) *SimulatedGateway {
	g.latency = d
	return g
}

// WithClock overrides the time source.
func (g *SimulatedGateway) WithClock(now func() time.Time) *SimulatedGateway {
	g.now = now
	return g
}

// FailNext makes the next n calls of op fail with a transient error before
// reaching the ledger.
func (g *SimulatedGateway) FailNext(op Operation, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < n; i++ {
		g.failures[op] = append(g.failures[op], fmt.Errorf("%w: %s %s timed out", ErrGatewayUnavailable, g.name, op))
	}
}

// Calls returns how many times op was invoked, failed attempts included.
func (g *SimulatedGateway) Calls(op Operation) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *SimulatedGateway) Name() string { return g.name }

func (g *SimulatedGateway) Authorize(ctx context.Context, req Request) (*Result, error) {
	return g.do(ctx, OpAuthorize, req, func() (*Result, error) {
		if err := g.screen(req); err != nil {
			return nil, err
		}
		ref := g.reference("auth", req.IdempotencyKey)
		g.txns[ref] = &simTxn{status: simAuthorized, amount: req.Amount, currency: req.Currency}
		return g.result(ref, simAuthorized, req), nil
	})
}

func (g *SimulatedGateway) Capture(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.do(ctx, OpCapture, req, func() (*Result, error) {
		txn, err := g.lookup(ref)
		if err != nil {
			return nil, err
		}
		if txn.status != simAuthorized {
			return nil, fmt.Errorf("%w: cannot capture %s in state %s", ErrInvalidState, ref, txn.status)
		}
		txn.status = simCaptured
		capRef := g.reference("cap", req.IdempotencyKey)
		g.txns[capRef] = txn
		return g.result(capRef, simCaptured, req), nil
	})
}

func (g *SimulatedGateway) Void(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.do(ctx, OpVoid, req, func() (*Result, error) {
		txn, err := g.lookup(ref)
		if err != nil {
			return nil, err
		}
		switch txn.status {
		case simAuthorized:
			txn.status = simVoided
			return g.result(ref, simVoided, req), nil
		case simVoided:
			return g.result(ref, simVoided, req), nil
		default:
			// Funds already moved; the refund of the capture undoes it.
			return g.result(ref, "not_voidable", req), nil
		}
	})
}

func (g *SimulatedGateway) Refund(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.do(ctx, OpRefund, req, func() (*Result, error) {
		txn, err := g.lookup(ref)
		if err != nil {
			return nil, err
		}
		switch txn.status {
		case simCaptured, simSettling:
			txn.status = simRefunded
		case simRefunded:
		default:
			return nil, fmt.Errorf("%w: cannot refund %s in state %s", ErrInvalidState, ref, txn.status)
		}
		return g.result(g.reference("ref", req.IdempotencyKey), simRefunded, req), nil
	})
}

func (g *SimulatedGateway) InitiateSettlement(ctx context.Context, ref string, req Request) (*Result, error) {
	return g.do(ctx, OpSettle, req, func() (*Result, error) {
		txn, err := g.lookup(ref)
		if err != nil {
			return nil, err
		}
		if txn.status != simCaptured {
			return nil, fmt.Errorf("%w: cannot settle %s in state %s", ErrInvalidState, ref, txn.status)
		}
		txn.status = simSettling
		return g.result(g.reference("stl", req.IdempotencyKey), simSettling, req), nil
	})
}

func (g *SimulatedGateway) Charge(ctx context.Context, req Request) (*Result, error) {
	return g.do(ctx, OpCharge, req, func() (*Result, error) {
		if err := g.screen(req); err != nil {
			return nil, err
		}
		ref := g.reference("chg", req.IdempotencyKey)
		g.txns[ref] = &simTxn{status: simCaptured, amount: req.Amount, currency: req.Currency}
		return g.result(ref, simCaptured, req), nil
	})
}

// do applies latency, failure injection and idempotent replay around fn.
// fn runs under g.mu.
func (g *SimulatedGateway) do(ctx context.Context, op Operation, req Request, fn func() (*Result, error)) (*Result, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++

	if queued := g.failures[op]; len(queued) > 0 {
		g.failures[op] = queued[1:]
		return nil, queued[0]
	}

	replayKey := string(op) + ":" + req.IdempotencyKey
	if req.IdempotencyKey != "" {
		if prev, ok := g.replies[replayKey]; ok {
			cp := *prev
			return &cp, nil
		}
	}

	res, err := fn()
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		cp := *res
		g.replies[replayKey] = &cp
	}
	return res, nil
}

func (g *SimulatedGateway) screen(req Request) error {
	if g.declinePayers[req.PayerID] {
		return Decline(g.name, "insufficient_funds", "wallet balance too low")
	}
	if g.declineAbove.IsPositive() && req.Amount.GreaterThan(g.declineAbove) {
		return Decline(g.name, "limit_exceeded", "amount exceeds wallet transaction limit")
	}
	return nil
}

func (g *SimulatedGateway) lookup(ref string) (*simTxn, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	txn, ok := g.txns[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown reference %s", ErrInvalidState, ref)
	}
	return txn, nil
}

func (g *SimulatedGateway) reference(kind, key string) string {
	sum := sha256.Sum256([]byte(g.name + ":" + kind + ":" + key))
	return g.name + "_" + kind + "_" + hex.EncodeToString(sum[:8])
}

func (g *SimulatedGateway) result(ref, status string, req Request) *Result {
	return &Result{
		Gateway:     g.name,
		Reference:   ref,
		Status:      status,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ProcessedAt: g.now().UTC(),
	}
}
