package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, a Analyzer, req *Request) Signal {
	t.Helper()
	sig, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.Category(), sig.Category)
	assert.GreaterOrEqual(t, sig.Score, 0.0)
	assert.LessOrEqual(t, sig.Score, 100.0)
	return sig
}

func TestVelocityAnalyzer(t *testing.T) {
	cfg := DefaultAnalyzerConfig()

	t.Run("no history", func(t *testing.T) {
		a := NewVelocityAnalyzer(cfg, newTestTracker(DefaultVelocityConfig()))
		sig := analyze(t, a, baseRequest("tx", 500))
		assert.Zero(t, sig.Score)
		assert.Equal(t, 0.6, sig.Confidence)
		assert.Empty(t, sig.Reasons)
	})

	t.Run("ip and device bursts", func(t *testing.T) {
		tr := newTestTracker(DefaultVelocityConfig())
		for i := 0; i < 21; i++ {
			e := VelocityEntry{Timestamp: fixedNow.Add(-time.Duration(i) * time.Minute), Amount: 500}
			tr.Record(IPKey("10.1.1.1"), e)
			if i < 16 {
				tr.Record(DeviceKey("d1"), e)
			}
		}
		req := baseRequest("tx", 500)
		req.IPAddress = "10.1.1.1"
		req.Device = &DeviceFingerprint{DeviceID: "d1"}

		sig := analyze(t, NewVelocityAnalyzer(cfg, tr), req)
		assert.Equal(t, 60.0, sig.Score)
		assert.InDelta(t, 0.8, sig.Confidence, 1e-9)
		assert.Len(t, sig.Reasons, 2)
	})

	t.Run("spike needs history", func(t *testing.T) {
		tr := newTestTracker(DefaultVelocityConfig())
		tr.Record(UserKey("7"), VelocityEntry{Timestamp: fixedNow.Add(-time.Hour * 3), Amount: 10})
		tr.Record(UserKey("7"), VelocityEntry{Timestamp: fixedNow.Add(-time.Hour * 2), Amount: 10})

		sig := analyze(t, NewVelocityAnalyzer(cfg, tr), baseRequest("tx", 1000))
		assert.Zero(t, sig.Score, "two prior transactions are not enough for a spike")

		tr.Record(UserKey("7"), VelocityEntry{Timestamp: fixedNow.Add(-time.Hour), Amount: 10})
		sig = analyze(t, NewVelocityAnalyzer(cfg, tr), baseRequest("tx", 1000))
		assert.Equal(t, 40.0, sig.Score)
	})
}

func TestBehavioralAnalyzer(t *testing.T) {
	cfg := DefaultAnalyzerConfig()
	a := NewBehavioralAnalyzer(cfg, fixedClock)

	t.Run("no telemetry", func(t *testing.T) {
		sig := analyze(t, a, baseRequest("tx", 500))
		assert.Equal(t, 15.0, sig.Score)
		assert.Equal(t, 0.6, sig.Confidence)
	})

	t.Run("established customer with a normal session", func(t *testing.T) {
		req := baseRequest("tx", 500)
		req.Session = &SessionBehavior{DurationSeconds: 240, PageViews: 6, KeystrokeIntervals: []float64{120, 180, 95, 210, 160}}
		req.Customer = &CustomerProfile{
			AccountCreatedAt:  fixedNow.AddDate(-1, 0, 0),
			EmailVerified:     true,
			PhoneVerified:     true,
			TotalTransactions: 40,
		}
		sig := analyze(t, a, req)
		assert.Zero(t, sig.Score)
		assert.Equal(t, 0.9, sig.Confidence)
	})

	t.Run("bot-like new account", func(t *testing.T) {
		req := baseRequest("tx", 500)
		req.Session = &SessionBehavior{DurationSeconds: 8, PageViews: 1, KeystrokeIntervals: []float64{50, 50, 51, 50, 50, 49}}
		req.Customer = &CustomerProfile{AccountCreatedAt: fixedNow.Add(-2 * time.Hour)}
		sig := analyze(t, a, req)
		// capped at 100
		assert.Equal(t, 100.0, sig.Score)
		assert.Contains(t, sig.Reasons, "keystroke timing is machine-regular")
		assert.Contains(t, sig.Reasons, "account created less than a day ago")
	})
}

func TestBotLikeTyping(t *testing.T) {
	assert.False(t, botLikeTyping([]float64{10, 10, 10}), "too few samples")
	assert.True(t, botLikeTyping([]float64{100, 100, 101, 99, 100}))
	assert.True(t, botLikeTyping([]float64{5, 20, 12, 8, 15}), "superhuman speed")
	assert.False(t, botLikeTyping([]float64{120, 300, 90, 210, 160}))
}

func TestDeviceAnalyzer(t *testing.T) {
	reg := NewDeviceRegistry(100, time.Hour)
	a := NewDeviceAnalyzer(reg)

	sig := analyze(t, a, baseRequest("tx", 500))
	assert.Equal(t, 20.0, sig.Score)
	assert.Equal(t, 0.6, sig.Confidence)

	req := baseRequest("tx", 500)
	req.Device = &DeviceFingerprint{DeviceID: "d1", BrowserSignature: "chrome-120", Timezone: "Asia/Dhaka", IsTor: true}
	sig = analyze(t, a, req)
	assert.Equal(t, 65.0, sig.Score) // tor + unseen
	assert.Equal(t, 0.85, sig.Confidence)

	reg.Remember(*req.Device)
	req.Device = &DeviceFingerprint{DeviceID: "d1", BrowserSignature: "firefox-121", Timezone: "Asia/Dhaka"}
	sig = analyze(t, a, req)
	assert.Equal(t, 25.0, sig.Score)
	assert.Equal(t, []string{"browser signature changed for known device"}, sig.Reasons)
}

func TestGeographicAnalyzer(t *testing.T) {
	a := NewGeographicAnalyzer(DefaultAnalyzerConfig())

	req := baseRequest("tx", 500)
	req.Geo = &Geo{Country: "bd"}
	req.BillingAddress = &Address{Country: "BD"}
	req.ShippingAddress = &Address{Country: "BD"}
	sig := analyze(t, a, req)
	assert.Zero(t, sig.Score)
	assert.Equal(t, 0.9, sig.Confidence)

	req.Geo = &Geo{Country: "IR"}
	req.ShippingAddress = &Address{Country: "AE"}
	sig = analyze(t, a, req)
	assert.Equal(t, 85.0, sig.Score) // high-risk + shipping mismatch + ip mismatch
	assert.Len(t, sig.Reasons, 3)
}

func TestAmountAnalyzer(t *testing.T) {
	a := NewAmountAnalyzer(DefaultAnalyzerConfig())

	tests := []struct {
		name    string
		amount  string
		country string
		curr    string
		want    float64
	}{
		{"small", "500", "BD", "BDT", 0},
		{"round thousand", "2000", "", "BDT", 20},
		{"not round", "2000.50", "", "BDT", 0},
		{"large", "10500", "", "BDT", 50},
		{"very large round", "60000", "", "BDT", 100},
		{"currency mismatch", "500", "BD", "USD", 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest("tx", 0)
			req.Amount = decimal.RequireFromString(tc.amount)
			req.Currency = tc.curr
			if tc.country != "" {
				req.Geo = &Geo{Country: tc.country}
			}
			sig := analyze(t, a, req)
			assert.Equal(t, tc.want, sig.Score)
			assert.Equal(t, 0.8, sig.Confidence)
		})
	}
}
