// Package risk implements real-time fraud scoring for payment transactions.
//
// Every check runs five independent analyzers (velocity, behavioral, device,
// geographic, amount) concurrently against one immutable request snapshot
// and merges them into a weighted ensemble score from 0 (safe) to 100
// (certain fraud). Blacklisted users, addresses and devices short-circuit
// to a decline before any analyzer runs. The engine is deterministic for a
// fixed request, tracker state and clock.
package risk

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paycore/internal/pagination"
)

var (
	ErrScoreNotFound = errors.New("risk: score not found")
	ErrScoreExists   = errors.New("risk: score already recorded for transaction")
	ErrInvalidKey    = errors.New("risk: invalid blacklist key")
)

// Level buckets the overall score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Recommendation is the action the payment flow should take.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendDecline Recommendation = "decline"
)

// Category identifies which analyzer produced a signal.
type Category string

const (
	CategoryVelocity   Category = "velocity"
	CategoryBehavioral Category = "behavioral"
	CategoryDevice     Category = "device"
	CategoryGeographic Category = "geographic"
	CategoryAmount     Category = "amount"
	CategoryBlacklist  Category = "blacklist"
)

// ScorerVersion is stamped on every score for audit.
const ScorerVersion = "ensemble-1.3.0"

// Geo is a resolved network-address location.
type Geo struct {
	Country string  `json:"country"` // ISO-3166-1 alpha-2
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Address is a billing or shipping address.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
}

// DeviceFingerprint describes the client device.
type DeviceFingerprint struct {
	DeviceID         string `json:"deviceId"`
	BrowserSignature string `json:"browserSignature,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Platform         string `json:"platform,omitempty"`
	IsProxy          bool   `json:"isProxy,omitempty"`
	IsVPN            bool   `json:"isVpn,omitempty"`
	IsTor            bool   `json:"isTor,omitempty"`
}

// CustomerProfile summarizes the payer's account.
type CustomerProfile struct {
	AccountCreatedAt  time.Time `json:"accountCreatedAt"`
	EmailVerified     bool      `json:"emailVerified"`
	PhoneVerified     bool      `json:"phoneVerified"`
	TotalTransactions int       `json:"totalTransactions"`
}

// SessionBehavior summarizes the checkout session.
type SessionBehavior struct {
	DurationSeconds    float64   `json:"durationSeconds"`
	PageViews          int       `json:"pageViews"`
	KeystrokeIntervals []float64 `json:"keystrokeIntervals,omitempty"` // milliseconds between keystrokes
}

// Request is the snapshot scored by CheckRisk. It is never mutated once
// handed to the engine.
type Request struct {
	TransactionID   string             `json:"transactionId"`
	OrderID         string             `json:"orderId"`
	PayerID         string             `json:"payerId"`
	Amount          decimal.Decimal    `json:"amount"`
	Currency        string             `json:"currency"`
	PaymentMethod   string             `json:"paymentMethod"`
	IPAddress       string             `json:"ipAddress,omitempty"`
	UserAgent       string             `json:"userAgent,omitempty"`
	Device          *DeviceFingerprint `json:"device,omitempty"`
	Geo             *Geo               `json:"geo,omitempty"`
	BillingAddress  *Address           `json:"billingAddress,omitempty"`
	ShippingAddress *Address           `json:"shippingAddress,omitempty"`
	Customer        *CustomerProfile   `json:"customer,omitempty"`
	Session         *SessionBehavior   `json:"session,omitempty"`
}

// Factor is one analyzer's weighted contribution.
type Factor struct {
	Category    Category `json:"category"`
	Score       float64  `json:"score"`
	Weight      float64  `json:"weight"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
}

// Score is the ensemble verdict for one transaction. Immutable once built.
type Score struct {
	TransactionID  string         `json:"transactionId"`
	OrderID        string         `json:"orderId,omitempty"`
	PayerID        string         `json:"payerId,omitempty"`
	Score          float64        `json:"score"`
	Level          Level          `json:"level"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Reasons        []string       `json:"reasons"`
	Factors        []Factor       `json:"factors"`
	Version        string         `json:"version"`
	ProcessingTime time.Duration  `json:"processingTime"`
	CheckedAt      time.Time      `json:"checkedAt"`
}

// Thresholds holds the ensemble classification boundaries.
type Thresholds struct {
	MediumScore     float64 // level medium at or above
	HighScore       float64 // level high at or above
	CriticalScore   float64 // level critical at or above
	DeclineScore    float64 // decline needs score >= this ...
	DeclineMinConf  float64 // ... and confidence > this
	ReviewScore     float64 // review at score >= this ...
	ReviewBelowConf float64 // ... or confidence < this
}

// DefaultThresholds returns the production classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MediumScore:     30,
		HighScore:       60,
		CriticalScore:   80,
		DeclineScore:    75,
		DeclineMinConf:  0.7,
		ReviewScore:     40,
		ReviewBelowConf: 0.6,
	}
}

// LevelFor maps a score to its risk level.
func (t Thresholds) LevelFor(score float64) Level {
	switch {
	case score >= t.CriticalScore:
		return LevelCritical
	case score >= t.HighScore:
		return LevelHigh
	case score >= t.MediumScore:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Recommend is a pure function of score and confidence.
func (t Thresholds) Recommend(score, confidence float64) Recommendation {
	if score >= t.DeclineScore && confidence > t.DeclineMinConf {
		return RecommendDecline
	}
	if score >= t.ReviewScore || confidence < t.ReviewBelowConf {
		return RecommendReview
	}
	return RecommendApprove
}

// Store persists scores for audit, keyed by transaction ID.
type Store interface {
	// Record inserts score. Recorded scores are never replaced; a second
	// record for the same transaction returns ErrScoreExists.
	Record(ctx context.Context, score *Score) error
	Get(ctx context.Context, transactionID string) (*Score, error)
	ListByPayer(ctx context.Context, payerID string, limit int, opts ...ListOption) ([]*Score, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor restricts results to scores checked before the cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}


func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func cloneScore(s *Score) *Score {
	cp := *s
	cp.Reasons = append([]string(nil), s.Reasons...)
	cp.Factors = append([]Factor(nil), s.Factors...)
	return &cp
}
