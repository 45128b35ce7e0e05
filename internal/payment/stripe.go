package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

const stripeName = "stripe"

// StripeGateway processes card payments through Stripe PaymentIntents.
// Authorization places a manual-capture hold; Charge captures at once.
// The card's PaymentMethod token travels in Request.Metadata["payment_method"].
type StripeGateway struct {
	api *client.API
	now func() time.Time
}

// NewStripeGateway creates a Stripe client. backends may be nil for the
// live API.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, backends), now: time.Now}
}

func (g *StripeGateway) Name() string { return stripeName }

func (g *StripeGateway) Authorize(ctx context.Context, req Request) (*Result, error) {
	pi, err := g.createIntent(ctx, req, stripe.PaymentIntentCaptureMethodManual)
	if err != nil {
		return nil, err
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, g.unexpected(pi)
	}
	return g.result(pi.ID, "authorized", req), nil
}

func (g *StripeGateway) Capture(ctx context.Context, ref string, req Request) (*Result, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	pi, err := g.api.PaymentIntents.Capture(ref, params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return g.result(pi.ID, "captured", req), nil
}

func (g *StripeGateway) Void(ctx context.Context, ref string, req Request) (*Result, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("abandoned"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	_, err := g.api.PaymentIntents.Cancel(ref, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == "payment_intent_unexpected_state" {
			// Already captured; the capture's refund undoes it.
			return g.result(ref, "not_voidable", req), nil
		}
		return nil, classifyStripe(err)
	}
	return g.result(ref, "voided", req), nil
}

func (g *StripeGateway) Refund(ctx context.Context, ref string, req Request) (*Result, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("run_id", req.RunID)
	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return g.result(rf.ID, "refunded", req), nil
}

// InitiateSettlement confirms the funds were captured. Stripe pays out
// captured balances on its own schedule, so there is no call to make
// beyond the check.
func (g *StripeGateway) InitiateSettlement(ctx context.Context, ref string, req Request) (*Result, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrInvalidState, pi.ID, pi.Status)
	}
	return g.result("payout:"+pi.ID, "settlement_pending", req), nil
}

func (g *StripeGateway) Charge(ctx context.Context, req Request) (*Result, error) {
	pi, err := g.createIntent(ctx, req, stripe.PaymentIntentCaptureMethodAutomatic)
	if err != nil {
		return nil, err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return g.result(pi.ID, "captured", req), nil
	case stripe.PaymentIntentStatusProcessing:
		return g.result(pi.ID, "processing", req), nil
	default:
		return nil, g.unexpected(pi)
	}
}

func (g *StripeGateway) createIntent(ctx context.Context, req Request, capture stripe.PaymentIntentCaptureMethod) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(MinorUnits(req.Amount, req.Currency)),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod:      stripe.String(string(capture)),
		Confirm:            stripe.Bool(true),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if pm := req.Metadata["payment_method"]; pm != "" {
		params.PaymentMethod = stripe.String(pm)
	}
	if customer := req.Metadata["stripe_customer"]; customer != "" {
		params.Customer = stripe.String(customer)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("run_id", req.RunID)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("payer_id", req.PayerID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return pi, nil
}

// unexpected turns a non-final intent status into a decline: the card
// needs customer action this flow cannot take.
func (g *StripeGateway) unexpected(pi *stripe.PaymentIntent) error {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresAction:
		return Decline(stripeName, "authentication_required", "card requires customer authentication")
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return Decline(stripeName, "payment_method_failed", "card was not accepted")
	default:
		return fmt.Errorf("%w: payment intent %s is %s", ErrInvalidState, pi.ID, pi.Status)
	}
}

func (g *StripeGateway) result(ref, status string, req Request) *Result {
	return &Result{
		Gateway:     stripeName,
		Reference:   ref,
		Status:      status,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ProcessedAt: g.now().UTC(),
	}
}

// classifyStripe maps Stripe errors onto the package taxonomy: card errors
// are declines, request errors are permanent, the rest are transient.
func classifyStripe(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("%w: stripe: %v", ErrGatewayUnavailable, err)
	}
	switch serr.Type {
	case stripe.ErrorTypeCard:
		code := string(serr.DeclineCode)
		if code == "" {
			code = string(serr.Code)
		}
		return Decline(stripeName, code, serr.Msg)
	case stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
		if serr.HTTPStatusCode == 429 {
			return fmt.Errorf("%w: stripe rate limited: %s", ErrGatewayUnavailable, serr.Msg)
		}
		return fmt.Errorf("%w: stripe %s: %s", ErrInvalidRequest, serr.Code, serr.Msg)
	default:
		return fmt.Errorf("%w: stripe %s: %s", ErrGatewayUnavailable, serr.Type, serr.Msg)
	}
}
