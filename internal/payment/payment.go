// Package payment holds the payment step handlers run by the workflow
// orchestrator and the gateway adapters they call.
//
// Gateways expose one capability interface. Mobile-money methods (bkash,
// nagad, rocket) go through SimulatedGateway in development; cards go
// through StripeGateway. Every gateway call carries an idempotency key
// derived from the run and step, so a step re-invoked after a crash
// replays rather than double-charges.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDeclined           = errors.New("payment: declined")
	ErrUnsupportedMethod  = errors.New("payment: unsupported payment method")
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")
	ErrInvalidState       = errors.New("payment: transaction in wrong state")
	ErrMissingReference   = errors.New("payment: missing gateway reference")
	ErrInvalidRequest     = errors.New("payment: request rejected by gateway")
)

// Payment methods.
const (
	MethodBkash  = "bkash"
	MethodNagad  = "nagad"
	MethodRocket = "rocket"
	MethodCard   = "card"
)

// Operation names a gateway call for metrics and failure injection.
type Operation string

const (
	OpAuthorize Operation = "authorize"
	OpCapture   Operation = "capture"
	OpVoid      Operation = "void"
	OpRefund    Operation = "refund"
	OpSettle    Operation = "settle"
	OpCharge    Operation = "charge"
)

// Request is what a gateway needs to move money for one step.
type Request struct {
	IdempotencyKey string
	RunID          string
	OrderID        string
	PayerID        string
	Method         string
	Amount         decimal.Decimal
	Currency       string
	Metadata       map[string]string
}

// Result is a gateway's answer.
type Result struct {
	Gateway     string          `json:"gateway"`
	Reference   string          `json:"reference"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// Gateway is the capability every payment provider adapter implements.
// ref is the reference returned by the call being acted on: the
// authorization for Capture and Void, the capture or charge for Refund and
// InitiateSettlement.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req Request) (*Result, error)
	Capture(ctx context.Context, ref string, req Request) (*Result, error)
	Void(ctx context.Context, ref string, req Request) (*Result, error)
	Refund(ctx context.Context, ref string, req Request) (*Result, error)
	InitiateSettlement(ctx context.Context, ref string, req Request) (*Result, error)
	// Charge authorizes and captures in one call.
	Charge(ctx context.Context, req Request) (*Result, error)
}

// DeclineError is a business refusal by the provider. It is never retried.
type DeclineError struct {
	Gateway string
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("%s declined (%s): %s", e.Gateway, e.Code, e.Message)
}

func (e *DeclineError) Unwrap() error { return ErrDeclined }

// Decline builds a DeclineError.
func Decline(gateway, code, message string) error {
	return &DeclineError{Gateway: gateway, Code: code, Message: message}
}

// IsDecline reports whether err is a provider decline.
func IsDecline(err error) bool {
	return errors.Is(err, ErrDeclined)
}

// IsTransient reports whether err is worth retrying. Declines, state
// conflicts and malformed requests will fail the same way again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrDeclined) &&
		!errors.Is(err, ErrInvalidState) &&
		!errors.Is(err, ErrUnsupportedMethod) &&
		!errors.Is(err, ErrMissingReference) &&
		!errors.Is(err, ErrInvalidRequest)
}

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// MinorUnits converts amount to the currency's smallest unit, rounding
// half away from zero.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(units int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return decimal.NewFromInt(units)
	}
	return decimal.New(units, -2)
}
