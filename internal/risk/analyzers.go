package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Signal is one analyzer's verdict.
type Signal struct {
	Category   Category
	Score      float64 // 0-100
	Confidence float64 // 0-1
	Reasons    []string
}

// Analyzer scores one aspect of a request. Analyze must not mutate shared
// state; cache updates happen in the engine after all analyzers return.
type Analyzer interface {
	Category() Category
	Analyze(ctx context.Context, req *Request) (Signal, error)
}

// AnalyzerConfig holds the product-tuned rule thresholds.
type AnalyzerConfig struct {
	UserVelocityLimit   int     // tx/window per user before flagging
	IPVelocityLimit     int     // tx/window per IP
	DeviceVelocityLimit int     // tx/window per device
	AmountSpikeMultiple float64 // amount vs recent average
	MinSpikeHistory     int     // retained entries needed before the spike rule applies

	MinSessionSeconds float64
	MinPageViews      int
	NewAccountAge     time.Duration

	LargeAmount     float64
	VeryLargeAmount float64
	RoundAmountMin  float64

	HighRiskCountries []string
	CountryCurrencies map[string]string
}

// DefaultAnalyzerConfig returns the production rule thresholds.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		UserVelocityLimit:   10,
		IPVelocityLimit:     20,
		DeviceVelocityLimit: 15,
		AmountSpikeMultiple: 5,
		MinSpikeHistory:     3,
		MinSessionSeconds:   30,
		MinPageViews:        2,
		NewAccountAge:       24 * time.Hour,
		LargeAmount:         10_000,
		VeryLargeAmount:     50_000,
		RoundAmountMin:      1_000,
		HighRiskCountries:   []string{"AF", "IR", "KP", "MM", "SY", "VE", "YE"},
		CountryCurrencies: map[string]string{
			"AE": "AED", "AU": "AUD", "BD": "BDT", "CA": "CAD", "DE": "EUR",
			"ES": "EUR", "FR": "EUR", "GB": "GBP", "IE": "EUR", "IN": "INR",
			"IT": "EUR", "JP": "JPY", "KE": "KES", "NG": "NGN", "NL": "EUR",
			"PK": "PKR", "SG": "SGD", "US": "USD",
		},
	}
}

// Confidence levels by how much of the analyzer's input was present.
const (
	confNoData   = 0.6
	confPartial  = 0.75
	confFullData = 0.9
)

// --- Velocity ---

type velocityAnalyzer struct {
	cfg     AnalyzerConfig
	tracker *VelocityTracker
}

// NewVelocityAnalyzer flags bursts of transactions per user, IP and device.
func NewVelocityAnalyzer(cfg AnalyzerConfig, tracker *VelocityTracker) Analyzer {
	return &velocityAnalyzer{cfg: cfg, tracker: tracker}
}

func (a *velocityAnalyzer) Category() Category { return CategoryVelocity }

func (a *velocityAnalyzer) Analyze(_ context.Context, req *Request) (Signal, error) {
	sig := Signal{Category: CategoryVelocity}
	window := a.tracker.Config().Window

	checks := []struct {
		key    string
		label  string
		limit  int
		points float64
	}{
		{UserKey(req.PayerID), "user", a.cfg.UserVelocityLimit, 60},
		{IPKey(req.IPAddress), "IP address", a.cfg.IPVelocityLimit, 30},
		{DeviceKey(deviceID(req)), "device", a.cfg.DeviceVelocityLimit, 30},
	}

	withHistory := 0
	for _, c := range checks {
		if c.key == "" {
			continue
		}
		stats := a.tracker.Stats(c.key)
		if stats.RetainedCount > 0 {
			withHistory++
		}
		if stats.WindowCount > c.limit {
			sig.Score += c.points
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("high transaction frequency for %s: %d in last %s", c.label, stats.WindowCount, window))
		}
	}

	amount := req.Amount.InexactFloat64()
	if stats := a.tracker.Stats(UserKey(req.PayerID)); stats.RetainedCount >= a.cfg.MinSpikeHistory && stats.Average > 0 {
		if ratio := amount / stats.Average; ratio > a.cfg.AmountSpikeMultiple {
			sig.Score += 40
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("amount is %.1fx the payer's recent average", ratio))
		}
	}

	sig.Score = clamp(sig.Score, 0, 100)
	sig.Confidence = math.Min(confNoData+0.1*float64(withHistory), confFullData)
	return sig, nil
}

// --- Behavioral ---

type behavioralAnalyzer struct {
	cfg AnalyzerConfig
	now func() time.Time
}

// NewBehavioralAnalyzer flags bot-like sessions and immature accounts.
func NewBehavioralAnalyzer(cfg AnalyzerConfig, now func() time.Time) Analyzer {
	return &behavioralAnalyzer{cfg: cfg, now: now}
}

func (a *behavioralAnalyzer) Category() Category { return CategoryBehavioral }

func (a *behavioralAnalyzer) Analyze(_ context.Context, req *Request) (Signal, error) {
	sig := Signal{Category: CategoryBehavioral}
	present := 0

	if s := req.Session; s != nil {
		present++
		if s.DurationSeconds < a.cfg.MinSessionSeconds {
			sig.Score += 20
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("very short session: %.0fs", s.DurationSeconds))
		}
		if s.PageViews < a.cfg.MinPageViews {
			sig.Score += 15
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("few page views before checkout: %d", s.PageViews))
		}
		if botLikeTyping(s.KeystrokeIntervals) {
			sig.Score += 30
			sig.Reasons = append(sig.Reasons, "keystroke timing is machine-regular")
		}
	} else {
		sig.Score += 15
		sig.Reasons = append(sig.Reasons, "no session telemetry supplied")
	}

	if p := req.Customer; p != nil {
		present++
		if !p.AccountCreatedAt.IsZero() && a.now().Sub(p.AccountCreatedAt) < a.cfg.NewAccountAge {
			sig.Score += 25
			sig.Reasons = append(sig.Reasons, "account created less than a day ago")
		}
		if !p.EmailVerified {
			sig.Score += 10
			sig.Reasons = append(sig.Reasons, "email address not verified")
		}
		if !p.PhoneVerified {
			sig.Score += 10
			sig.Reasons = append(sig.Reasons, "phone number not verified")
		}
		if p.TotalTransactions == 0 {
			sig.Score += 15
			sig.Reasons = append(sig.Reasons, "first transaction on this account")
		}
	}

	sig.Score = clamp(sig.Score, 0, 100)
	sig.Confidence = confidenceFor(present, 2)
	return sig, nil
}

// botLikeTyping reports near-constant or superhuman keystroke intervals.
func botLikeTyping(intervals []float64) bool {
	if len(intervals) < 5 {
		return false
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return true
	}
	if mean < 30 {
		return true
	}
	var sq float64
	for _, v := range intervals {
		sq += (v - mean) * (v - mean)
	}
	cv := math.Sqrt(sq/float64(len(intervals))) / mean
	return cv < 0.1
}

// --- Device ---

type deviceAnalyzer struct {
	registry *DeviceRegistry
}

// NewDeviceAnalyzer flags anonymizing networks, unseen devices and
// fingerprint drift.
func NewDeviceAnalyzer(registry *DeviceRegistry) Analyzer {
	return &deviceAnalyzer{registry: registry}
}

func (a *deviceAnalyzer) Category() Category { return CategoryDevice }

func (a *deviceAnalyzer) Analyze(_ context.Context, req *Request) (Signal, error) {
	sig := Signal{Category: CategoryDevice}
	fp := req.Device
	if fp == nil || fp.DeviceID == "" {
		sig.Score = 20
		sig.Confidence = confNoData
		sig.Reasons = []string{"no device fingerprint supplied"}
		return sig, nil
	}

	switch {
	case fp.IsTor:
		sig.Score += 50
		sig.Reasons = append(sig.Reasons, "connection via Tor exit node")
	case fp.IsVPN:
		sig.Score += 25
		sig.Reasons = append(sig.Reasons, "connection via VPN")
	case fp.IsProxy:
		sig.Score += 25
		sig.Reasons = append(sig.Reasons, "connection via proxy")
	}

	prev, seen := a.registry.Lookup(fp.DeviceID)
	if !seen {
		sig.Score += 15
		sig.Reasons = append(sig.Reasons, "device not seen before")
	} else {
		if prev.BrowserSignature != "" && fp.BrowserSignature != "" && prev.BrowserSignature != fp.BrowserSignature {
			sig.Score += 25
			sig.Reasons = append(sig.Reasons, "browser signature changed for known device")
		}
		if prev.Timezone != "" && fp.Timezone != "" && prev.Timezone != fp.Timezone {
			sig.Score += 15
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("device timezone changed from %s to %s", prev.Timezone, fp.Timezone))
		}
	}

	sig.Score = clamp(sig.Score, 0, 100)
	sig.Confidence = 0.85
	return sig, nil
}

// --- Geographic ---

type geographicAnalyzer struct {
	highRisk map[string]bool
}

// NewGeographicAnalyzer flags high-risk jurisdictions and location mismatches.
func NewGeographicAnalyzer(cfg AnalyzerConfig) Analyzer {
	hr := make(map[string]bool, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		hr[strings.ToUpper(c)] = true
	}
	return &geographicAnalyzer{highRisk: hr}
}

func (a *geographicAnalyzer) Category() Category { return CategoryGeographic }

func (a *geographicAnalyzer) Analyze(_ context.Context, req *Request) (Signal, error) {
	sig := Signal{Category: CategoryGeographic}
	geoCountry := ""
	if req.Geo != nil {
		geoCountry = strings.ToUpper(req.Geo.Country)
	}
	billing := addressCountry(req.BillingAddress)
	shipping := addressCountry(req.ShippingAddress)

	for _, c := range []string{geoCountry, billing} {
		if c != "" && a.highRisk[c] {
			sig.Score += 40
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("high-risk country: %s", c))
			break
		}
	}
	if billing != "" && shipping != "" && billing != shipping {
		sig.Score += 20
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("billing country %s differs from shipping country %s", billing, shipping))
	}
	if geoCountry != "" && billing != "" && geoCountry != billing {
		sig.Score += 25
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("IP located in %s but billing address in %s", geoCountry, billing))
	}

	present := 0
	if geoCountry != "" {
		present++
	}
	if billing != "" {
		present++
	}
	sig.Score = clamp(sig.Score, 0, 100)
	sig.Confidence = confidenceFor(present, 2)
	return sig, nil
}

// --- Amount ---

type amountAnalyzer struct {
	cfg AnalyzerConfig
}

// NewAmountAnalyzer flags large, suspiciously round, or region-inconsistent amounts.
func NewAmountAnalyzer(cfg AnalyzerConfig) Analyzer {
	return &amountAnalyzer{cfg: cfg}
}

func (a *amountAnalyzer) Category() Category { return CategoryAmount }

func (a *amountAnalyzer) Analyze(_ context.Context, req *Request) (Signal, error) {
	sig := Signal{Category: CategoryAmount, Confidence: 0.8}
	amount := req.Amount.InexactFloat64()

	switch {
	case amount > a.cfg.VeryLargeAmount:
		sig.Score += 80
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("very large amount: %s %s", req.Amount.String(), req.Currency))
	case amount > a.cfg.LargeAmount:
		sig.Score += 50
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("large amount: %s %s", req.Amount.String(), req.Currency))
	}

	if amount >= a.cfg.RoundAmountMin && req.Amount.IsInteger() && req.Amount.IntPart()%1000 == 0 {
		sig.Score += 20
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("suspiciously round amount: %s", req.Amount.String()))
	}

	region := ""
	if req.Geo != nil && req.Geo.Country != "" {
		region = strings.ToUpper(req.Geo.Country)
	} else {
		region = addressCountry(req.BillingAddress)
	}
	if expected, ok := a.cfg.CountryCurrencies[region]; ok && req.Currency != "" && !strings.EqualFold(expected, req.Currency) {
		sig.Score += 30
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("currency %s unusual for region %s (expected %s)", strings.ToUpper(req.Currency), region, expected))
	}

	sig.Score = clamp(sig.Score, 0, 100)
	return sig, nil
}

func addressCountry(a *Address) string {
	if a == nil {
		return ""
	}
	return strings.ToUpper(a.Country)
}

func deviceID(req *Request) string {
	if req.Device == nil {
		return ""
	}
	return req.Device.DeviceID
}

func confidenceFor(present, total int) float64 {
	switch {
	case present >= total:
		return confFullData
	case present > 0:
		return confPartial
	default:
		return confNoData
	}
}
