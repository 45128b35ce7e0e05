package risk

import (
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRegistry_RememberAndLookup(t *testing.T) {
	r := NewDeviceRegistry(10, time.Hour)

	_, ok := r.Lookup("dev-1")
	assert.False(t, ok)

	r.Remember(DeviceFingerprint{DeviceID: "dev-1", Timezone: "Asia/Dhaka"})
	r.Remember(DeviceFingerprint{})

	fp, ok := r.Lookup("dev-1")
	require.True(t, ok)
	assert.Equal(t, "Asia/Dhaka", fp.Timezone)
	assert.Equal(t, 1, r.cache.Len())
}

func TestDeviceRegistry_LookupDoesNotExtendExpiry(t *testing.T) {
	r := NewDeviceRegistry(10, time.Hour)
	r.Remember(DeviceFingerprint{DeviceID: "dev-1"})

	expiry := func() time.Time {
		return r.cache.Get("dev-1", ttlcache.WithDisableTouchOnHit[string, DeviceFingerprint]()).ExpiresAt()
	}
	before := expiry()
	time.Sleep(5 * time.Millisecond)
	_, _ = r.Lookup("dev-1")
	assert.Equal(t, before, expiry())

	time.Sleep(5 * time.Millisecond)
	r.Remember(DeviceFingerprint{DeviceID: "dev-1"})
	assert.True(t, expiry().After(before))
}
