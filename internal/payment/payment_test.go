package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"10.00", "USD", 1000},
		{"1500.5", "BDT", 150050},
		{"0.005", "usd", 1},
		{"1200", "JPY", 1200},
		{"99.6", "KRW", 100},
	}
	for _, tt := range tests {
		t.Run(tt.amount+tt.currency, func(t *testing.T) {
			assert.Equal(t, tt.want, MinorUnits(decimal.RequireFromString(tt.amount), tt.currency))
		})
	}

	assert.Equal(t, "15.5", FromMinorUnits(1550, "USD").String())
	assert.Equal(t, "1550", FromMinorUnits(1550, "JPY").String())
}

func TestErrorClassification(t *testing.T) {
	decline := Decline("bkash", "insufficient_funds", "low balance")
	assert.True(t, IsDecline(decline))
	assert.True(t, errors.Is(decline, ErrDeclined))
	assert.Contains(t, decline.Error(), "insufficient_funds")
	assert.False(t, IsTransient(decline))

	var de *DeclineError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", decline), &de)
	assert.Equal(t, "bkash", de.Gateway)

	assert.True(t, IsTransient(fmt.Errorf("%w: timeout", ErrGatewayUnavailable)))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(fmt.Errorf("%w: x", ErrInvalidState)))
	assert.False(t, IsTransient(fmt.Errorf("%w: x", ErrInvalidRequest)))
	assert.False(t, IsTransient(ErrMissingReference))
	assert.False(t, IsTransient(ErrUnsupportedMethod))
}

func TestRouter(t *testing.T) {
	bkash := NewSimulatedGateway("bkash")
	router := NewRouter().
		Register(MethodBkash, bkash).
		Register(MethodNagad, NewSimulatedGateway("nagad"))

	g, err := router.For(MethodBkash)
	require.NoError(t, err)
	assert.Same(t, bkash, g)

	_, err = router.For("paypal")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	assert.Equal(t, []string{"bkash", "nagad"}, router.Methods())
}

func simRequest(key string, amount int64) Request {
	return Request{
		IdempotencyKey: key,
		RunID:          "run_1",
		OrderID:        "order_1",
		PayerID:        "payer_1",
		Method:         MethodBkash,
		Amount:         decimal.NewFromInt(amount),
		Currency:       "BDT",
	}
}

func TestSimulatedGateway_Lifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewSimulatedGateway("bkash")

	auth, err := g.Authorize(ctx, simRequest("k-auth", 500))
	require.NoError(t, err)
	assert.Equal(t, "authorized", auth.Status)
	assert.Equal(t, "bkash", auth.Gateway)

	capture, err := g.Capture(ctx, auth.Reference, simRequest("k-cap", 500))
	require.NoError(t, err)
	assert.Equal(t, "captured", capture.Status)
	assert.NotEqual(t, auth.Reference, capture.Reference)

	_, err = g.Capture(ctx, auth.Reference, simRequest("k-cap-2", 500))
	assert.ErrorIs(t, err, ErrInvalidState)

	settle, err := g.InitiateSettlement(ctx, capture.Reference, simRequest("k-stl", 500))
	require.NoError(t, err)
	assert.Equal(t, "settlement_pending", settle.Status)

	refund, err := g.Refund(ctx, capture.Reference, simRequest("k-ref", 500))
	require.NoError(t, err)
	assert.Equal(t, "refunded", refund.Status)

	// Void after capture leaves the funds to the refund.
	void, err := g.Void(ctx, auth.Reference, simRequest("k-void", 500))
	require.NoError(t, err)
	assert.Equal(t, "not_voidable", void.Status)
}

func TestSimulatedGateway_Idempotent(t *testing.T) {
	ctx := context.Background()
	g := NewSimulatedGateway("nagad")

	first, err := g.Authorize(ctx, simRequest("same-key", 700))
	require.NoError(t, err)
	second, err := g.Authorize(ctx, simRequest("same-key", 700))
	require.NoError(t, err)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 2, g.Calls(OpAuthorize))

	cap1, err := g.Capture(ctx, first.Reference, simRequest("cap-key", 700))
	require.NoError(t, err)
	cap2, err := g.Capture(ctx, first.Reference, simRequest("cap-key", 700))
	require.NoError(t, err, "replayed capture does not hit the state check")
	assert.Equal(t, cap1.Reference, cap2.Reference)
}

func TestSimulatedGateway_VoidAuthorized(t *testing.T) {
	ctx := context.Background()
	g := NewSimulatedGateway("rocket")

	auth, err := g.Authorize(ctx, simRequest("a", 100))
	require.NoError(t, err)
	void, err := g.Void(ctx, auth.Reference, simRequest("v", 100))
	require.NoError(t, err)
	assert.Equal(t, "voided", void.Status)

	_, err = g.Capture(ctx, auth.Reference, simRequest("c", 100))
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = g.Void(ctx, "", simRequest("v2", 100))
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestSimulatedGateway_Declines(t *testing.T) {
	ctx := context.Background()
	g := NewSimulatedGateway("bkash").
		WithDeclineAbove(decimal.NewFromInt(1000)).
		WithDeclinedPayers("payer_broke")

	_, err := g.Authorize(ctx, simRequest("big", 5000))
	assert.True(t, IsDecline(err))

	req := simRequest("broke", 10)
	req.PayerID = "payer_broke"
	_, err = g.Charge(ctx, req)
	assert.True(t, IsDecline(err))

	res, err := g.Charge(ctx, simRequest("fine", 10))
	require.NoError(t, err)
	assert.Equal(t, "captured", res.Status)
}

func TestSimulatedGateway_FailNext(t *testing.T) {
	ctx := context.Background()
	g := NewSimulatedGateway("bkash")
	g.FailNext(OpCharge, 2)

	for i := 0; i < 2; i++ {
		_, err := g.Charge(ctx, simRequest("k", 10))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
		assert.True(t, IsTransient(err))
	}
	_, err := g.Charge(ctx, simRequest("k", 10))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Calls(OpCharge))
}

func TestSimulatedGateway_HonoursContext(t *testing.T) {
	g := NewSimulatedGateway("bkash").WithLatency(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Authorize(ctx, simRequest("k", 10))
	assert.ErrorIs(t, err, context.Canceled)
}
