// Package presence implements the time-bounded "seen recently" caches for
// BLE and classic Bluetooth addresses described by the BLE Adapter: a
// generic timed map guarded by a single mutex, with RSSI-driven visibility
// for BLE and detection-smoothing for classic inquiry.
package presence

import (
	"sync"
	"time"

	"github.com/srg/iotgw/internal/gwmsg"
)

// entry is one presence record. rssi is meaningful only for BLE entries.
type entry struct {
	lastSeenAt time.Time
	rssi       int16
}

// timedCache is a mutex-guarded MAC->entry map. All mutations hold the lock
// for the minimum critical section; snapshots copy into a fresh map so
// callers never iterate under the lock.
type timedCache struct {
	mu      sync.Mutex
	entries map[gwmsg.MACAddress]entry
}

func newTimedCache() *timedCache {
	return &timedCache{entries: make(map[gwmsg.MACAddress]entry)}
}

func (c *timedCache) touch(mac gwmsg.MACAddress, now time.Time, rssi int16) {
	c.mu.Lock()
	c.entries[mac] = entry{lastSeenAt: now, rssi: rssi}
	c.mu.Unlock()
}

func (c *timedCache) get(mac gwmsg.MACAddress) (entry, bool) {
	c.mu.Lock()
	e, ok := c.entries[mac]
	c.mu.Unlock()
	return e, ok
}

func (c *timedCache) snapshot() map[gwmsg.MACAddress]entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[gwmsg.MACAddress]entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *timedCache) delete(mac gwmsg.MACAddress) {
	c.mu.Lock()
	delete(c.entries, mac)
	c.mu.Unlock()
}

// BLECache tracks BLE addresses by RSSI property updates.
type BLECache struct {
	cache *timedCache
}

// NewBLECache creates an empty BLE presence cache.
func NewBLECache() *BLECache {
	return &BLECache{cache: newTimedCache()}
}

// Touch records an RSSI property change for mac at now.
func (c *BLECache) Touch(mac gwmsg.MACAddress, now time.Time, rssi int16) {
	c.cache.touch(mac, now, rssi)
}

// Visible reports whether mac is visible for scan results: seen within
// maxAgeRSSI and its current RSSI is non-zero.
func (c *BLECache) Visible(mac gwmsg.MACAddress, now time.Time, maxAgeRSSI time.Duration) bool {
	e, ok := c.cache.get(mac)
	if !ok {
		return false
	}
	return now.Sub(e.lastSeenAt) <= maxAgeRSSI && e.rssi != 0
}

// Snapshot returns every address visible under the same rule as Visible.
func (c *BLECache) Snapshot(now time.Time, maxAgeRSSI time.Duration) []gwmsg.MACAddress {
	all := c.cache.snapshot()
	out := make([]gwmsg.MACAddress, 0, len(all))
	for mac, e := range all {
		if now.Sub(e.lastSeenAt) <= maxAgeRSSI && e.rssi != 0 {
			out = append(out, mac)
		}
	}
	return out
}

// EvictStale returns the addresses stale beyond maxUnavailability among the
// given set of unwatched addresses, and removes them from the cache. Watched
// addresses are never evicted here; the adapter must exclude them from
// unwatched before calling.
func (c *BLECache) EvictStale(now time.Time, maxUnavailability time.Duration, unwatched []gwmsg.MACAddress) []gwmsg.MACAddress {
	var stale []gwmsg.MACAddress
	for _, mac := range unwatched {
		e, ok := c.cache.get(mac)
		if !ok {
			continue
		}
		if now.Sub(e.lastSeenAt) > maxUnavailability {
			stale = append(stale, mac)
		}
	}
	for _, mac := range stale {
		c.cache.delete(mac)
	}
	return stale
}

// ClassicCache tracks classic Bluetooth addresses by synchronous inquiry,
// smoothing detection flaps over an artificial-availability window.
type ClassicCache struct {
	cache *timedCache
}

// NewClassicCache creates an empty classic presence cache.
func NewClassicCache() *ClassicCache {
	return &ClassicCache{cache: newTimedCache()}
}

// Detect records the backend's raw detection result for mac at now and
// returns the smoothed presence: if backendDetected is true, mac is marked
// seen now and true is returned; if false, mac is still reported present
// when it was seen within artificialAvailability of now.
func (c *ClassicCache) Detect(mac gwmsg.MACAddress, now time.Time, backendDetected bool, artificialAvailability time.Duration) bool {
	if backendDetected {
		c.cache.touch(mac, now, 0)
		return true
	}
	e, ok := c.cache.get(mac)
	if !ok {
		return false
	}
	return now.Sub(e.lastSeenAt) <= artificialAvailability
}
