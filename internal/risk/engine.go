package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/paycore/internal/events"
	"github.com/mbd888/paycore/internal/idgen"
	"github.com/mbd888/paycore/internal/logging"
	"github.com/mbd888/paycore/internal/metrics"
	"github.com/mbd888/paycore/internal/traces"
)

// DefaultWeights are the ensemble weights per analyzer category.
func DefaultWeights() map[Category]float64 {
	return map[Category]float64{
		CategoryVelocity:   0.30,
		CategoryBehavioral: 0.25,
		CategoryDevice:     0.20,
		CategoryGeographic: 0.15,
		CategoryAmount:     0.10,
	}
}

// DefaultAnalyzerTimeout bounds the fan-out join.
const DefaultAnalyzerTimeout = 2 * time.Second

var errNoSignals = errors.New("risk: no analyzer produced a signal")

// Engine runs the analyzer ensemble for each check.
type Engine struct {
	store     Store
	tracker   *VelocityTracker
	devices   *DeviceRegistry
	blacklist Blacklist
	publisher events.Publisher

	analyzers  []Analyzer
	weights    map[Category]float64
	thresholds Thresholds
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewEngine creates an engine with the five standard analyzers.
func NewEngine(store Store, tracker *VelocityTracker, devices *DeviceRegistry, cfg AnalyzerConfig) *Engine {
	e := &Engine{
		store:      store,
		tracker:    tracker,
		devices:    devices,
		publisher:  events.Nop{},
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		timeout:    DefaultAnalyzerTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
	clock := func() time.Time { return e.now() }
	e.analyzers = []Analyzer{
		NewVelocityAnalyzer(cfg, tracker),
		NewBehavioralAnalyzer(cfg, clock),
		NewDeviceAnalyzer(devices),
		NewGeographicAnalyzer(cfg),
		NewAmountAnalyzer(cfg),
	}
	return e
}

// WithBlacklist enables the blacklist short-circuit.
func (e *Engine) WithBlacklist(b Blacklist) *Engine {
	e.blacklist = b
	return e
}

// WithPublisher sets the sink for fraud.alert.created events.
func (e *Engine) WithPublisher(p events.Publisher) *Engine {
	e.publisher = p
	return e
}

// WithThresholds overrides the classification boundaries.
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.thresholds = t
	return e
}

// WithTimeout overrides the analyzer join timeout.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// WithClock overrides the time source for the engine and its tracker.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.tracker.WithClock(now)
	return e
}

// WithLogger sets a structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithAnalyzers replaces the analyzer set. Categories without a weight are
// ignored during combination.
func (e *Engine) WithAnalyzers(analyzers ...Analyzer) *Engine {
	e.analyzers = analyzers
	return e
}

// Thresholds returns the active classification boundaries.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// CheckRisk scores a transaction. It never fails: an internal error yields
// the conservative default (50, medium, review, 0.5). The score is persisted
// and fraud.alert.created is published before returning.
//
// Re-checking a transaction that already has a recorded score for the same
// payer and order returns the recorded score without touching the caches,
// so a retried or recovered fraud-check step sees the verdict it was given.
func (e *Engine) CheckRisk(ctx context.Context, req *Request) *Score {
	began := time.Now()
	if req.TransactionID == "" {
		cp := *req
		cp.TransactionID = idgen.WithPrefix("tx_")
		req = &cp
	}
	ctx, span := traces.StartSpan(ctx, "risk.CheckRisk",
		traces.TransactionID(req.TransactionID),
		traces.Amount(req.Amount.String()),
	)
	defer span.End()
	log := logging.L(ctx).With("transaction_id", req.TransactionID)

	if prior := e.recorded(ctx, req); prior != nil {
		log.Debug("returning recorded risk score", "recommendation", prior.Recommendation)
		e.publishScore(ctx, prior, log)
		return prior
	}

	score, observe, err := e.evaluate(ctx, req)
	if err != nil {
		log.Warn("risk check fell back to default score", "error", err)
		traces.RecordError(span, err)
		score = e.defaultScore(req)
		observe = true
	}
	score.ProcessingTime = time.Since(began)

	if observe {
		e.observe(req, score.CheckedAt)
	}

	if e.store != nil {
		if err := e.store.Record(ctx, score); err != nil {
			log.Warn("failed to persist risk score", "error", err)
		}
	}
	e.publishScore(ctx, score, log)

	metrics.RiskChecksTotal.WithLabelValues(string(score.Recommendation)).Inc()
	metrics.RiskCheckDuration.Observe(score.ProcessingTime.Seconds())
	log.Debug("risk check completed",
		"score", score.Score,
		"level", score.Level,
		"recommendation", score.Recommendation,
	)
	return score
}

// recorded returns the stored score for req's transaction when it belongs
// to the same payer and order.
func (e *Engine) recorded(ctx context.Context, req *Request) *Score {
	if e.store == nil {
		return nil
	}
	prior, err := e.store.Get(ctx, req.TransactionID)
	if err != nil {
		return nil
	}
	if prior.PayerID != req.PayerID || prior.OrderID != req.OrderID {
		return nil
	}
	return prior
}

func (e *Engine) publishScore(ctx context.Context, score *Score, log *slog.Logger) {
	event := events.New(events.TopicFraudAlertCreated, score.TransactionID, scorePayload(score))
	if err := e.publisher.Publish(ctx, event); err != nil {
		log.Warn("failed to publish fraud alert", "error", err)
	}
}

// Get returns the persisted score for a transaction.
func (e *Engine) Get(ctx context.Context, transactionID string) (*Score, error) {
	if e.store == nil {
		return nil, ErrScoreNotFound
	}
	return e.store.Get(ctx, transactionID)
}

// evaluate returns the score and whether the request should feed the caches.
func (e *Engine) evaluate(ctx context.Context, req *Request) (score *Score, observe bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			score, observe, err = nil, false, fmt.Errorf("risk: panic during evaluation: %v", r)
		}
	}()

	if e.blacklist != nil {
		key, hit, berr := e.blacklist.Match(ctx, blacklistKeys(req)...)
		if berr != nil {
			return nil, false, fmt.Errorf("blacklist lookup: %w", berr)
		}
		if hit {
			metrics.RiskBlacklistHits.Inc()
			return e.blacklisted(req, key), false, nil
		}
	}

	signals := e.fanOut(ctx, req)
	score, err = e.combine(req, signals)
	if err != nil {
		return nil, false, err
	}
	return score, true, nil
}

// fanOut runs every analyzer concurrently and returns the signals that
// arrived before the deadline, in analyzer order.
func (e *Engine) fanOut(ctx context.Context, req *Request) []Signal {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		idx int
		sig Signal
		err error
	}
	results := make(chan result, len(e.analyzers))
	for i, a := range e.analyzers {
		go func(i int, a Analyzer) {
			defer func() {
				if r := recover(); r != nil {
					results <- result{idx: i, err: fmt.Errorf("panic: %v", r)}
				}
			}()
			sig, err := a.Analyze(actx, req)
			results <- result{idx: i, sig: sig, err: err}
		}(i, a)
	}

	got := make([]*Signal, len(e.analyzers))
	pending := len(e.analyzers)
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			cat := e.analyzers[r.idx].Category()
			if r.err != nil {
				metrics.RiskAnalyzerFailures.WithLabelValues(string(cat), "error").Inc()
				e.logger.Warn("risk analyzer failed", "category", cat, "error", r.err)
				continue
			}
			sig := r.sig
			sig.Category = cat
			got[r.idx] = &sig
		case <-actx.Done():
			for i, s := range got {
				if s == nil {
					metrics.RiskAnalyzerFailures.WithLabelValues(string(e.analyzers[i].Category()), "timeout").Inc()
				}
			}
			e.logger.Warn("risk analyzers timed out", "pending", pending, "timeout", e.timeout)
			pending = 0
		}
	}

	signals := make([]Signal, 0, len(got))
	for _, s := range got {
		if s != nil {
			signals = append(signals, *s)
		}
	}
	return signals
}

// combine merges signals into a score. Missing analyzers are omitted from
// both numerator and denominator, and confidence is scaled by coverage.
func (e *Engine) combine(req *Request, signals []Signal) (*Score, error) {
	var weighted, weightSum, confSum float64
	var reasons []string
	factors := make([]Factor, 0, len(signals))
	counted := 0

	for _, s := range signals {
		w, ok := e.weights[s.Category]
		if !ok || w <= 0 {
			continue
		}
		sc := clamp(s.Score, 0, 100)
		conf := clamp(s.Confidence, 0, 1)
		weighted += sc * w
		weightSum += w
		confSum += conf
		counted++
		reasons = append(reasons, s.Reasons...)
		factors = append(factors, Factor{
			Category:    s.Category,
			Score:       round(sc, 2),
			Weight:      w,
			Confidence:  round(conf, 3),
			Description: describe(s),
		})
	}
	if counted == 0 || weightSum == 0 {
		return nil, errNoSignals
	}

	expected := 0
	for _, a := range e.analyzers {
		if w, ok := e.weights[a.Category()]; ok && w > 0 {
			expected++
		}
	}
	coverage := 1.0
	if expected > 0 && counted < expected {
		coverage = float64(counted) / float64(expected)
	}

	value := round(clamp(weighted/weightSum, 0, 100), 2)
	confidence := round(clamp(confSum/float64(counted)*coverage, 0, 1), 3)
	if reasons == nil {
		reasons = []string{}
	}

	return &Score{
		TransactionID:  req.TransactionID,
		OrderID:        req.OrderID,
		PayerID:        req.PayerID,
		Score:          value,
		Level:          e.thresholds.LevelFor(value),
		Confidence:     confidence,
		Recommendation: e.thresholds.Recommend(value, confidence),
		Reasons:        reasons,
		Factors:        factors,
		Version:        ScorerVersion,
		CheckedAt:      e.now().UTC(),
	}, nil
}

func (e *Engine) blacklisted(req *Request, key string) *Score {
	reason := fmt.Sprintf("blacklisted: %s", key)
	return &Score{
		TransactionID:  req.TransactionID,
		OrderID:        req.OrderID,
		PayerID:        req.PayerID,
		Score:          100,
		Level:          LevelCritical,
		Confidence:     1,
		Recommendation: RecommendDecline,
		Reasons:        []string{reason},
		Factors: []Factor{{
			Category:    CategoryBlacklist,
			Score:       100,
			Weight:      1,
			Confidence:  1,
			Description: reason,
		}},
		Version:   ScorerVersion,
		CheckedAt: e.now().UTC(),
	}
}

func (e *Engine) defaultScore(req *Request) *Score {
	return &Score{
		TransactionID:  req.TransactionID,
		OrderID:        req.OrderID,
		PayerID:        req.PayerID,
		Score:          50,
		Level:          LevelMedium,
		Confidence:     0.5,
		Recommendation: RecommendReview,
		Reasons:        []string{"risk evaluation unavailable, manual review required"},
		Factors:        []Factor{},
		Version:        ScorerVersion,
		CheckedAt:      e.now().UTC(),
	}
}

// observe feeds the velocity windows and device registry once scoring is done.
func (e *Engine) observe(req *Request, at time.Time) {
	entry := VelocityEntry{
		Timestamp:     at,
		Amount:        req.Amount.InexactFloat64(),
		TransactionID: req.TransactionID,
	}
	for _, key := range []string{UserKey(req.PayerID), IPKey(req.IPAddress), DeviceKey(deviceID(req))} {
		e.tracker.Record(key, entry)
	}
	if req.Device != nil && req.Device.DeviceID != "" {
		e.devices.Remember(*req.Device)
	}
}

func blacklistKeys(req *Request) []string {
	var keys []string
	for _, k := range []string{UserKey(req.PayerID), IPKey(req.IPAddress), DeviceKey(deviceID(req))} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func describe(s Signal) string {
	if len(s.Reasons) == 0 {
		return fmt.Sprintf("no %s risk indicators", s.Category)
	}
	return strings.Join(s.Reasons, "; ")
}

func scorePayload(s *Score) map[string]any {
	return map[string]any{
		"transactionId":  s.TransactionID,
		"orderId":        s.OrderID,
		"payerId":        s.PayerID,
		"score":          s.Score,
		"level":          string(s.Level),
		"confidence":     s.Confidence,
		"recommendation": string(s.Recommendation),
		"reasons":        s.Reasons,
		"version":        s.Version,
		"checkedAt":      s.CheckedAt,
	}
}
