package payment

import (
	"time"

	"github.com/mbd888/paycore/internal/events"
	"github.com/mbd888/paycore/internal/workflow"
)

// Template names.
const (
	TemplateStandard = "standard_payment"
	TemplateExpress  = "express_payment"
)

// Deps are the collaborators the payment steps call.
type Deps struct {
	Router    *Router
	Risk      RiskChecker
	Publisher events.Publisher
	Limits    map[string]Limit // nil uses DefaultLimits
}

// StandardPayment is validation → fraud check → authorization → capture →
// settlement → notification.
func StandardPayment(d Deps) workflow.Template {
	return workflow.Template{
		Name:        TemplateStandard,
		Description: "Full card or wallet payment with separate authorization and capture",
		Steps: []workflow.StepSpec{
			{ID: StepValidation, Name: "Validate payment", Step: NewValidationStep(d.Router, d.Limits)},
			{ID: StepFraudCheck, Name: "Fraud check", Step: NewFraudCheckStep(d.Risk), MaxRetries: 2, Timeout: 5 * time.Second},
			{ID: StepAuthorization, Name: "Authorize funds", Step: NewAuthorizationStep(d.Router), MaxRetries: 3},
			{ID: StepCapture, Name: "Capture funds", Step: NewCaptureStep(d.Router), MaxRetries: 5},
			{ID: StepSettlement, Name: "Initiate settlement", Step: NewSettlementStep(d.Router), MaxRetries: 5},
			{ID: StepNotification, Name: "Notify payer", Step: NewNotificationStep(d.Publisher), MaxRetries: 3},
		},
	}
}

// ExpressPayment is validation → processing → notification for
// low-latency mobile-money flows.
func ExpressPayment(d Deps) workflow.Template {
	return workflow.Template{
		Name:        TemplateExpress,
		Description: "Single-call mobile-money charge",
		Steps: []workflow.StepSpec{
			{ID: StepValidation, Name: "Validate payment", Step: NewValidationStep(d.Router, d.Limits)},
			{ID: StepProcessing, Name: "Charge wallet", Step: NewExpressProcessingStep(d.Router), MaxRetries: 3},
			{ID: StepNotification, Name: "Notify payer", Step: NewNotificationStep(d.Publisher), MaxRetries: 3},
		},
	}
}

// RegisterTemplates adds both payment templates to reg.
func RegisterTemplates(reg *workflow.Registry, d Deps) error {
	for _, t := range []workflow.Template{StandardPayment(d), ExpressPayment(d)} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
