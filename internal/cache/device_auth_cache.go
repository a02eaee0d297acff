package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const defaultDeviceAuthTTL = 5 * time.Minute

// DeviceAuthCache remembers successful secret verifications so the argon2
// hash is not recomputed on every ingest request. Entries are keyed by a
// sha256 of device id and secret, never by the secret itself.
type DeviceAuthCache interface {
	Verified(deviceID, secret string) (tier string, ok bool)
	Remember(deviceID, secret, tier string)
	Forget(deviceID string)
}

type deviceAuthCache struct {
	entries Cache[string, deviceAuthEntry]
	ttl     time.Duration
}

type deviceAuthEntry struct {
	deviceID string
	tier     string
}

func NewDeviceAuthCache(ttl time.Duration, opts ...Option) DeviceAuthCache {
	if ttl <= 0 {
		ttl = defaultDeviceAuthTTL
	}
	return &deviceAuthCache{
		entries: NewTTLCache[string, deviceAuthEntry](opts...),
		ttl:     ttl,
	}
}

func (c *deviceAuthCache) Verified(deviceID, secret string) (string, bool) {
	e, ok := c.entries.Get(cacheKey(deviceID, secret))
	if !ok || e.deviceID != normalize(deviceID) {
		return "", false
	}
	return e.tier, true
}

func (c *deviceAuthCache) Remember(deviceID, secret, tier string) {
	if strings.TrimSpace(deviceID) == "" || secret == "" {
		return
	}
	c.entries.Set(cacheKey(deviceID, secret), deviceAuthEntry{deviceID: normalize(deviceID), tier: tier}, c.ttl)
}

// Forget drops every cached verification for the device, used after a tier
// change so the new tier is visible immediately.
func (c *deviceAuthCache) Forget(deviceID string) {
	id := normalize(deviceID)
	c.entries.DeleteFunc(func(e deviceAuthEntry) bool { return e.deviceID == id })
}

func cacheKey(deviceID, secret string) string {
	sum := sha256.Sum256([]byte(normalize(deviceID) + "|" + secret))
	return hex.EncodeToString(sum[:])
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
