package device

import (
	"sync"
	"time"
)

// credentialCache holds short-lived pen credentials between commands.
// The one-time password ages out; the device ID sticks until the link
// drops.
type credentialCache struct {
	mu sync.Mutex

	totpValue  string
	totpIssued time.Time

	deviceID string
}

func (c *credentialCache) totp(now time.Time, maxAge time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totpValue == "" || c.totpIssued.IsZero() {
		return "", false
	}
	if now.Sub(c.totpIssued) >= maxAge {
		return "", false
	}
	return c.totpValue, true
}

func (c *credentialCache) setTotp(value string, issued time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totpValue = value
	c.totpIssued = issued
}

func (c *credentialCache) device() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID, c.deviceID != ""
}

func (c *credentialCache) setDevice(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = id
}

func (c *credentialCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totpValue = ""
	c.totpIssued = time.Time{}
	c.deviceID = ""
}
