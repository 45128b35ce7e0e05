package risk

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DeviceRegistry remembers the last fingerprint seen for each device ID so
// the device analyzer can flag first sightings and attribute drift.
type DeviceRegistry struct {
	cache *ttlcache.Cache[string, DeviceFingerprint]
}

// NewDeviceRegistry keeps up to capacity fingerprints, each for ttl after
// its last sighting.
func NewDeviceRegistry(capacity int, ttl time.Duration) *DeviceRegistry {
	if capacity <= 0 {
		capacity = 100_000
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &DeviceRegistry{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, DeviceFingerprint](ttl),
			ttlcache.WithCapacity[string, DeviceFingerprint](uint64(capacity)),
		),
	}
}

// Lookup returns the previously seen fingerprint for deviceID. It does not
// extend the entry's lifetime; only Remember does.
func (r *DeviceRegistry) Lookup(deviceID string) (DeviceFingerprint, bool) {
	item := r.cache.Get(deviceID, ttlcache.WithDisableTouchOnHit[string, DeviceFingerprint]())
	if item == nil {
		return DeviceFingerprint{}, false
	}
	return item.Value(), true
}

// Remember stores fp as the latest fingerprint for its device.
func (r *DeviceRegistry) Remember(fp DeviceFingerprint) {
	if fp.DeviceID == "" {
		return
	}
	r.cache.Set(fp.DeviceID, fp, ttlcache.DefaultTTL)
}

// StartEviction runs the expiry sweeper until ctx is done.
func (r *DeviceRegistry) StartEviction(ctx context.Context) {
	go r.cache.Start()
	<-ctx.Done()
	r.cache.Stop()
}
