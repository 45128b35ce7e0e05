package risk

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// VelocityConfig bounds the tracker. The defaults are product-tuned and
// overridable through config.
type VelocityConfig struct {
	Window           time.Duration // active window used for frequency counts
	Retention        time.Duration // entries older than this are pruned
	MaxEntriesPerKey int           // oldest entries dropped beyond this
	MaxKeys          int           // least-recently-used keys evicted beyond this
}

// DefaultVelocityConfig returns a 1h window with 24h retention.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		Window:           time.Hour,
		Retention:        24 * time.Hour,
		MaxEntriesPerKey: 1000,
		MaxKeys:          100_000,
	}
}

// VelocityEntry is one observed transaction for a key.
type VelocityEntry struct {
	Timestamp     time.Time
	Amount        float64
	TransactionID string
}

// VelocityStats summarizes a key's history at a point in time.
type VelocityStats struct {
	WindowCount   int     // transactions inside the active window
	WindowTotal   float64 // amount inside the active window
	RetainedCount int     // transactions inside retention
	Average       float64 // mean amount over retention
}

type keyWindow struct {
	mu      sync.Mutex
	entries []VelocityEntry // time-ordered, oldest first
}

// VelocityTracker keeps per-key sliding windows (user:<id>, ip:<addr>,
// device:<id>). Keys idle for longer than the retention period, or pushed
// out by MaxKeys, are evicted.
type VelocityTracker struct {
	cfg     VelocityConfig
	now     func() time.Time
	mu      sync.Mutex // serializes get-or-create
	windows *ttlcache.Cache[string, *keyWindow]
}

// NewVelocityTracker creates a tracker with the given bounds.
func NewVelocityTracker(cfg VelocityConfig) *VelocityTracker {
	def := DefaultVelocityConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Retention < cfg.Window {
		cfg.Retention = def.Retention
	}
	if cfg.MaxEntriesPerKey <= 0 {
		cfg.MaxEntriesPerKey = def.MaxEntriesPerKey
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	return &VelocityTracker{
		cfg: cfg,
		now: time.Now,
		windows: ttlcache.New(
			ttlcache.WithTTL[string, *keyWindow](cfg.Retention),
			ttlcache.WithCapacity[string, *keyWindow](uint64(cfg.MaxKeys)),
		),
	}
}

// WithClock overrides the time source used for windowing.
func (t *VelocityTracker) WithClock(now func() time.Time) *VelocityTracker {
	t.now = now
	return t
}

// Config returns the tracker's bounds.
func (t *VelocityTracker) Config() VelocityConfig {
	return t.cfg
}

// StartEviction runs the idle-key sweeper until ctx is done.
func (t *VelocityTracker) StartEviction(ctx context.Context) {
	go t.windows.Start()
	<-ctx.Done()
	t.windows.Stop()
}

// Record appends an observation for key, pruning expired and overflow entries.
// An entry whose TransactionID is already in the window is ignored, so a
// re-run check for the same transaction counts once.
func (t *VelocityTracker) Record(key string, entry VelocityEntry) {
	if key == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}

	w := t.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry.TransactionID != "" {
		for _, e := range w.entries {
			if e.TransactionID == entry.TransactionID {
				return
			}
		}
	}

	// Keep time order even if a retried step reports an older timestamp.
	i := len(w.entries)
	for i > 0 && w.entries[i-1].Timestamp.After(entry.Timestamp) {
		i--
	}
	w.entries = append(w.entries, VelocityEntry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = entry

	t.prune(w)
}

// Stats summarizes key's history as of now. Unknown keys report zeros.
// Reads do not extend the key's idle expiry.
func (t *VelocityTracker) Stats(key string) VelocityStats {
	item := t.peek(key)
	if item == nil {
		return VelocityStats{}
	}
	w := item.Value()
	w.mu.Lock()
	defer w.mu.Unlock()

	now := t.now()
	windowStart := now.Add(-t.cfg.Window)
	retentionStart := now.Add(-t.cfg.Retention)

	var stats VelocityStats
	var retainedTotal float64
	for _, e := range w.entries {
		if e.Timestamp.Before(retentionStart) || e.Timestamp.After(now) {
			continue
		}
		stats.RetainedCount++
		retainedTotal += e.Amount
		if !e.Timestamp.Before(windowStart) {
			stats.WindowCount++
			stats.WindowTotal += e.Amount
		}
	}
	if stats.RetainedCount > 0 {
		stats.Average = retainedTotal / float64(stats.RetainedCount)
	}
	return stats
}

// Entries returns a copy of key's retained history.
func (t *VelocityTracker) Entries(key string) []VelocityEntry {
	item := t.peek(key)
	if item == nil {
		return nil
	}
	w := item.Value()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]VelocityEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Keys returns the number of tracked keys.
func (t *VelocityTracker) Keys() int {
	return t.windows.Len()
}

func (t *VelocityTracker) peek(key string) *ttlcache.Item[string, *keyWindow] {
	return t.windows.Get(key, ttlcache.WithDisableTouchOnHit[string, *keyWindow]())
}

func (t *VelocityTracker) window(key string) *keyWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item := t.windows.Get(key); item != nil {
		return item.Value()
	}
	w := &keyWindow{}
	t.windows.Set(key, w, ttlcache.DefaultTTL)
	return w
}

// prune drops entries past retention and caps the slice. Caller holds w.mu.
func (t *VelocityTracker) prune(w *keyWindow) {
	cutoff := t.now().Add(-t.cfg.Retention)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = append(w.entries[:0], w.entries[start:]...)
	}
	if over := len(w.entries) - t.cfg.MaxEntriesPerKey; over > 0 {
		w.entries = append(w.entries[:0], w.entries[over:]...)
	}
}

// Velocity key helpers.

func UserKey(id string) string {
	if id == "" {
		return ""
	}
	return "user:" + id
}

func IPKey(addr string) string {
	if addr == "" {
		return ""
	}
	return "ip:" + addr
}

func DeviceKey(id string) string {
	if id == "" {
		return ""
	}
	return "device:" + id
}
