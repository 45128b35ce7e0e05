package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paycore/internal/events"
	"github.com/mbd888/paycore/internal/logging"
	"github.com/mbd888/paycore/internal/retry"
	"github.com/mbd888/paycore/internal/risk"
	"github.com/mbd888/paycore/internal/validation"
	"github.com/mbd888/paycore/internal/workflow"
)

// Step IDs as they appear in templates and in StepContext.Outputs.
const (
	StepValidation    = "validation"
	StepFraudCheck    = "fraud_check"
	StepAuthorization = "authorization"
	StepCapture       = "capture"
	StepSettlement    = "settlement"
	StepNotification  = "notification"
	StepProcessing    = "processing"
)

// Step types.
const (
	TypeValidation        workflow.StepType = "validation"
	TypeFraudCheck        workflow.StepType = "fraud_check"
	TypeAuthorization     workflow.StepType = "authorization"
	TypeCapture           workflow.StepType = "capture"
	TypeSettlement        workflow.StepType = "settlement"
	TypeNotification      workflow.StepType = "notification"
	TypeExpressProcessing workflow.StepType = "express_processing"
)

// Output keys read by later steps and compensators.
const (
	OutGateway         = "gateway"
	OutAuthorizationID = "authorizationId"
	OutCaptureID       = "captureId"
	OutChargeID        = "chargeId"
	OutSettlementID    = "settlementId"
)

// Limit bounds one payment method.
type Limit struct {
	Min        decimal.Decimal
	Max        decimal.Decimal
	Currencies []string // empty allows any ISO currency
}

// DefaultLimits returns the per-method bounds.
func DefaultLimits() map[string]Limit {
	mobile := Limit{
		Min:        decimal.NewFromInt(10),
		Max:        decimal.NewFromInt(100_000),
		Currencies: []string{"BDT"},
	}
	return map[string]Limit{
		MethodBkash:  mobile,
		MethodNagad:  mobile,
		MethodRocket: mobile,
		MethodCard: {
			Min: decimal.RequireFromString("0.50"),
			Max: decimal.NewFromInt(1_000_000),
		},
	}
}

// ValidationStep rejects requests no gateway should see.
type ValidationStep struct {
	router *Router
	limits map[string]Limit
}

// NewValidationStep creates the validation step.
func NewValidationStep(router *Router, limits map[string]Limit) *ValidationStep {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &ValidationStep{router: router, limits: limits}
}

func (s *ValidationStep) Type() workflow.StepType { return TypeValidation }

func (s *ValidationStep) Execute(_ context.Context, sc workflow.StepContext) (map[string]any, error) {
	errs := validation.Validate(
		validation.Required("orderId", sc.OrderID),
		validation.Required("payerId", sc.PayerID),
		validation.OneOf("paymentMethod", sc.PaymentMethod, s.router.Methods()),
		validation.ValidCurrency("currency", sc.Currency),
		validation.PositiveAmount("amount", sc.Amount),
	)
	if limit, ok := s.limits[sc.PaymentMethod]; ok {
		errs = append(errs, validation.Validate(
			validation.AmountAtMost("amount", sc.Amount, limit.Max),
			atLeast("amount", sc.Amount, limit.Min),
		)...)
		if len(limit.Currencies) > 0 {
			errs = append(errs, validation.Validate(
				validation.OneOf("currency", sc.Currency, limit.Currencies),
			)...)
		}
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + " " + e.Message
		}
		return nil, workflow.Reject("invalid payment: %s", strings.Join(msgs, "; "))
	}

	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return nil, workflow.Reject("%v", err)
	}
	return map[string]any{
		"valid":    true,
		OutGateway: gw.Name(),
	}, nil
}

func atLeast(field string, value, min decimal.Decimal) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if min.IsPositive() && value.IsPositive() && value.LessThan(min) {
			return &validation.ValidationError{Field: field, Message: "amount is below the minimum of " + min.String()}
		}
		return nil
	}
}

// RiskChecker scores a transaction. *risk.Engine implements it.
type RiskChecker interface {
	CheckRisk(ctx context.Context, req *risk.Request) *risk.Score
}

// riskContext is the optional client context a caller attaches under
// metadata["risk"] when starting a run.
type riskContext struct {
	IPAddress       string                  `json:"ipAddress"`
	UserAgent       string                  `json:"userAgent"`
	Device          *risk.DeviceFingerprint `json:"device"`
	Geo             *risk.Geo               `json:"geo"`
	BillingAddress  *risk.Address           `json:"billingAddress"`
	ShippingAddress *risk.Address           `json:"shippingAddress"`
	Customer        *risk.CustomerProfile   `json:"customer"`
	Session         *risk.SessionBehavior   `json:"session"`
}

// FraudCheckStep scores the payment and fails the run on a decline.
type FraudCheckStep struct {
	checker RiskChecker
}

// NewFraudCheckStep creates the fraud check step.
func NewFraudCheckStep(checker RiskChecker) *FraudCheckStep {
	return &FraudCheckStep{checker: checker}
}

func (s *FraudCheckStep) Type() workflow.StepType { return TypeFraudCheck }

func (s *FraudCheckStep) Execute(ctx context.Context, sc workflow.StepContext) (map[string]any, error) {
	rc, err := decodeRiskContext(sc.Metadata)
	if err != nil {
		logging.L(ctx).Warn("ignoring malformed risk context", "run_id", sc.RunID, "error", err)
	}

	score := s.checker.CheckRisk(ctx, &risk.Request{
		TransactionID:   sc.RunID,
		OrderID:         sc.OrderID,
		PayerID:         sc.PayerID,
		Amount:          sc.Amount,
		Currency:        sc.Currency,
		PaymentMethod:   sc.PaymentMethod,
		IPAddress:       rc.IPAddress,
		UserAgent:       rc.UserAgent,
		Device:          rc.Device,
		Geo:             rc.Geo,
		BillingAddress:  rc.BillingAddress,
		ShippingAddress: rc.ShippingAddress,
		Customer:        rc.Customer,
		Session:         rc.Session,
	})

	output := map[string]any{
		"riskScore":      score.Score,
		"riskLevel":      string(score.Level),
		"confidence":     score.Confidence,
		"recommendation": string(score.Recommendation),
		"reasons":        append([]string(nil), score.Reasons...),
	}
	if score.Recommendation == risk.RecommendDecline {
		return nil, workflow.Reject("fraud check declined: score %.2f (%s)", score.Score, strings.Join(score.Reasons, "; "))
	}
	if score.Recommendation == risk.RecommendReview {
		output["review"] = true
	}
	return output, nil
}

func decodeRiskContext(metadata map[string]any) (riskContext, error) {
	var rc riskContext
	raw, ok := metadata["risk"]
	if !ok || raw == nil {
		return rc, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return riskContext{}, err
	}
	if err := json.Unmarshal(b, &rc); err != nil {
		return riskContext{}, err
	}
	return rc, nil
}

// AuthorizationStep places a hold on the payer's funds. A later failure
// voids it.
type AuthorizationStep struct {
	router *Router
}

// NewAuthorizationStep creates the authorization step.
func NewAuthorizationStep(router *Router) *AuthorizationStep {
	return &AuthorizationStep{router: router}
}

func (s *AuthorizationStep) Type() workflow.StepType { return TypeAuthorization }

func (s *AuthorizationStep) Execute(ctx context.Context, sc workflow.StepContext) (map[string]any, error) {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return nil, stepError(err)
	}
	res, err := gw.Authorize(ctx, gatewayRequest(sc))
	if err != nil {
		return nil, stepError(err)
	}
	return resultOutput(res, OutAuthorizationID), nil
}

func (s *AuthorizationStep) Compensate(ctx context.Context, sc workflow.StepContext, output map[string]any) error {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return retry.Permanent(err)
	}
	_, err = gw.Void(ctx, stringField(output, OutAuthorizationID), gatewayRequest(sc))
	return compensationError(err)
}

// CaptureStep captures the authorized funds. A later failure refunds them.
type CaptureStep struct {
	router *Router
}

// NewCaptureStep creates the capture step.
func NewCaptureStep(router *Router) *CaptureStep {
	return &CaptureStep{router: router}
}

func (s *CaptureStep) Type() workflow.StepType { return TypeCapture }

func (s *CaptureStep) Execute(ctx context.Context, sc workflow.StepContext) (map[string]any, error) {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return nil, stepError(err)
	}
	authID := stringField(sc.Outputs[StepAuthorization], OutAuthorizationID)
	if authID == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: no authorization to capture", ErrMissingReference))
	}
	res, err := gw.Capture(ctx, authID, gatewayRequest(sc))
	if err != nil {
		return nil, stepError(err)
	}
	return resultOutput(res, OutCaptureID), nil
}

func (s *CaptureStep) Compensate(ctx context.Context, sc workflow.StepContext, output map[string]any) error {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return retry.Permanent(err)
	}
	_, err = gw.Refund(ctx, stringField(output, OutCaptureID), gatewayRequest(sc))
	return compensationError(err)
}

// SettlementStep asks the gateway to move captured funds to the merchant.
type SettlementStep struct {
	router *Router
}

// NewSettlementStep creates the settlement step.
func NewSettlementStep(router *Router) *SettlementStep {
	return &SettlementStep{router: router}
}

func (s *SettlementStep) Type() workflow.StepType { return TypeSettlement }

func (s *SettlementStep) Execute(ctx context.Context, sc workflow.StepContext) (map[string]any, error) {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return nil, stepError(err)
	}
	ref := stringField(sc.Outputs[StepCapture], OutCaptureID)
	if ref == "" {
		ref = stringField(sc.Outputs[StepProcessing], OutChargeID)
	}
	if ref == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: nothing captured to settle", ErrMissingReference))
	}
	res, err := gw.InitiateSettlement(ctx, ref, gatewayRequest(sc))
	if err != nil {
		return nil, stepError(err)
	}
	return resultOutput(res, OutSettlementID), nil
}

// ExpressProcessingStep authorizes and captures in one gateway call for
// low-latency mobile-money flows. A later failure refunds the charge.
type ExpressProcessingStep struct {
	router *Router
}

// NewExpressProcessingStep creates the express processing step.
func NewExpressProcessingStep(router *Router) *ExpressProcessingStep {
	return &ExpressProcessingStep{router: router}
}

func (s *ExpressProcessingStep) Type() workflow.StepType { return TypeExpressProcessing }

func (s *ExpressProcessingStep) Execute(ctx context.Context, sc workflow.StepContext) (map[string]any, error) {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return nil, stepError(err)
	}
	res, err := gw.Charge(ctx, gatewayRequest(sc))
	if err != nil {
		return nil, stepError(err)
	}
	return resultOutput(res, OutChargeID), nil
}

func (s *ExpressProcessingStep) Compensate(ctx context.Context, sc workflow.StepContext, output map[string]any) error {
	gw, err := s.router.For(sc.PaymentMethod)
	if err != nil {
		return retry.Permanent(err)
	}
	_, err = gw.Refund(ctx, stringField(output, OutChargeID), gatewayRequest(sc))
	return compensationError(err)
}

// NotificationStep asks the notification service to tell the payer.
type NotificationStep struct {
	publisher events.Publisher
}

// NewNotificationStep creates the notification step.
func NewNotificationStep(publisher events.Publisher) *NotificationStep {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &NotificationStep{publisher: publisher}
}

func (s *NotificationStep) Type() workflow.StepType { return TypeNotification }

func (s *NotificationStep) Execute(ctx context.Context, sc workflow.StepContext) (map[string]any, error) {
	channel := "sms"
	if sc.PaymentMethod == MethodCard {
		channel = "email"
	}
	if c, ok := sc.Metadata["notifyChannel"].(string); ok && c != "" {
		channel = c
	}

	payload := map[string]any{
		"runId":         sc.RunID,
		"correlationId": sc.CorrelationID,
		"orderId":       sc.OrderID,
		"payerId":       sc.PayerID,
		"paymentMethod": sc.PaymentMethod,
		"amount":        sc.Amount.String(),
		"currency":      sc.Currency,
		"channel":       channel,
	}
	for _, ref := range []struct{ step, key string }{
		{StepAuthorization, OutAuthorizationID},
		{StepCapture, OutCaptureID},
		{StepSettlement, OutSettlementID},
		{StepProcessing, OutChargeID},
	} {
		if v := stringField(sc.Outputs[ref.step], ref.key); v != "" {
			payload[ref.key] = v
		}
	}

	event := events.New(events.TopicNotificationRequested, sc.RunID, payload)
	if err := s.publisher.Publish(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to request notification: %w", err)
	}
	return map[string]any{
		"notified": true,
		"channel":  channel,
		"eventId":  event.ID,
	}, nil
}

func gatewayRequest(sc workflow.StepContext) Request {
	meta := make(map[string]string, len(sc.Metadata))
	for k, v := range sc.Metadata {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	return Request{
		IdempotencyKey: sc.IdempotencyKey,
		RunID:          sc.RunID,
		OrderID:        sc.OrderID,
		PayerID:        sc.PayerID,
		Method:         sc.PaymentMethod,
		Amount:         sc.Amount,
		Currency:       sc.Currency,
		Metadata:       meta,
	}
}

func resultOutput(res *Result, refKey string) map[string]any {
	return map[string]any{
		refKey:        res.Reference,
		OutGateway:    res.Gateway,
		"status":      res.Status,
		"amount":      res.Amount.String(),
		"currency":    res.Currency,
		"processedAt": res.ProcessedAt,
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// stepError maps a gateway error onto the orchestrator's taxonomy: declines
// are business rejections, other non-transient errors are permanent.
func stepError(err error) error {
	switch {
	case IsDecline(err):
		return workflow.Reject("%v", err)
	case !IsTransient(err):
		return retry.Permanent(err)
	default:
		return err
	}
}

func compensationError(err error) error {
	if err != nil && !IsTransient(err) {
		return retry.Permanent(err)
	}
	return err
}
