// Package ble implements the BLE Adapter and AdapterManager: the D-Bus/HCI
// abstraction over power state, discovery, connect, and manufacturer-data
// watch, built on the go-ble/ble backend already wrapped by
// internal/device and internal/device/go-ble.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/iotgw/internal/bledb"
	"github.com/srg/iotgw/internal/device"
	"github.com/srg/iotgw/internal/gwmsg"
	"github.com/srg/iotgw/internal/groutine"
	"github.com/srg/iotgw/internal/presence"
)

// powerPollAttempts and powerPollDelay bound how long Up waits for the
// underlying device factory to settle before giving up with ErrTimeout.
const (
	powerPollAttempts = 5
	powerPollDelay    = 200 * time.Millisecond
)

// WatchCallback receives manufacturer-data advertisements for a watched device.
type WatchCallback func(mac gwmsg.MACAddress, data []byte)

// deviceRecord is the BLE-internal record for one advertised device: a MAC,
// its last known RSSI/last-seen (mirrored into the presence cache), and an
// optional watch callback. A record is "watched" iff callback is non-nil.
type deviceRecord struct {
	mac      gwmsg.MACAddress
	lastSeen time.Time
	rssi     int16
	callback WatchCallback
	services []string // normalized advertised service UUIDs, most recent advertisement
}

// Info describes an adapter from its own power/discovery state and device
// map. Adapter.Info leaves Address and ScanErrors at their zero values.
type Info struct {
	Name          string
	Address       string
	Powered       bool
	Discovering   bool
	DeviceCount   int
	ScanErrors    int64
	FatalFailures int
}

// Adapter is one named BLE radio: power/discovery state, its presence
// caches, and its device map. All handler-held locks are released before
// invoking user watch callbacks, so a callback can safely call back into the
// Adapter without deadlocking.
type Adapter struct {
	name   string
	logger *logrus.Logger

	newScanningDevice func() (device.ScanningDevice, error)
	newDevice         func(address string, logger *logrus.Logger) device.Device
	classic           ClassicBackend

	bleCache     *presence.BLECache
	classicCache *presence.ClassicCache

	powerMu     sync.Mutex
	powered     bool
	discovering bool
	scanCancel  context.CancelFunc
	resetCh     chan struct{}
	fatal       int

	devMu   sync.Mutex
	devices map[gwmsg.MACAddress]*deviceRecord
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithScanningDeviceFactory overrides how the adapter obtains its LE scanning
// backend, for tests.
func WithScanningDeviceFactory(f func() (device.ScanningDevice, error)) Option {
	return func(a *Adapter) { a.newScanningDevice = f }
}

// WithDeviceFactory overrides how the adapter constructs per-device GATT
// handles for Connect, for tests.
func WithDeviceFactory(f func(address string, logger *logrus.Logger) device.Device) Option {
	return func(a *Adapter) { a.newDevice = f }
}

// WithClassicBackend wires a classic Bluetooth backend; defaults to NoClassicBackend.
func WithClassicBackend(b ClassicBackend) Option {
	return func(a *Adapter) { a.classic = b }
}

// newAdapter builds an Adapter named name. Not exported: obtained only via
// AdapterManager.Get so repeated lookups return the same instance.
func newAdapter(name string, logger *logrus.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	a := &Adapter{
		name:         name,
		logger:       logger,
		classic:      NoClassicBackend{},
		bleCache:     presence.NewBLECache(),
		classicCache: presence.NewClassicCache(),
		devices:      make(map[gwmsg.MACAddress]*deviceRecord),
		resetCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the adapter's name as looked up in the AdapterManager.
func (a *Adapter) Name() string { return a.name }

// Up powers the adapter on and starts LE discovery, idempotently. It polls
// up to powerPollAttempts times for the backend to become available before
// failing with device.ErrTimeout.
func (a *Adapter) Up(ctx context.Context) error {
	a.powerMu.Lock()
	defer a.powerMu.Unlock()

	if a.powered {
		return nil
	}
	if a.newScanningDevice == nil {
		return fmt.Errorf("ble: adapter %q has no scanning device factory", a.name)
	}

	var scanDev device.ScanningDevice
	var err error
	for attempt := 0; attempt < powerPollAttempts; attempt++ {
		scanDev, err = a.newScanningDevice()
		if err == nil {
			break
		}
		a.logger.WithFields(logrus.Fields{"adapter": a.name, "attempt": attempt}).
			WithError(err).Warn("ble: adapter power-on attempt failed")
		time.Sleep(powerPollDelay)
	}
	if err != nil {
		a.fatal++
		return fmt.Errorf("%w: adapter %q did not power on: %v", device.ErrTimeout, a.name, err)
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.powered = true
	a.discovering = true
	a.fatal = 0

	groutine.Go(scanCtx, "ble-adapter-"+a.name, func(loopCtx context.Context) {
		scanErr := scanDev.Scan(loopCtx, true, a.handleAdvertisement)
		if scanErr != nil && loopCtx.Err() == nil {
			a.logger.WithField("adapter", a.name).WithError(scanErr).Error("ble: discovery loop exited")
		}
	})

	return nil
}

// Down powers the adapter off, idempotently, and wakes any in-progress
// LEScan waiting on the reset condition.
func (a *Adapter) Down(context.Context) error {
	a.powerMu.Lock()
	defer a.powerMu.Unlock()

	if !a.powered {
		return nil
	}
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.powered = false
	a.discovering = false

	close(a.resetCh)
	a.resetCh = make(chan struct{})
	return nil
}

// Reset powers the adapter off then on again.
func (a *Adapter) Reset(ctx context.Context) error {
	if err := a.Down(ctx); err != nil {
		return err
	}
	return a.Up(ctx)
}

// handleAdvertisement is the single owner-thread callback translating
// discovery events into presence-cache updates and, for watched devices,
// user callbacks. The callback is invoked with no lock held.
func (a *Adapter) handleAdvertisement(adv device.Advertisement) {
	mac, err := gwmsg.ParseMAC(adv.Addr())
	if err != nil {
		return
	}
	now := time.Now()
	rssi := int16(adv.RSSI())
	a.bleCache.Touch(mac, now, rssi)

	a.devMu.Lock()
	rec, ok := a.devices[mac]
	if !ok {
		rec = &deviceRecord{mac: mac}
		a.devices[mac] = rec
	}
	rec.lastSeen = now
	rec.rssi = rssi
	if svcs := adv.Services(); len(svcs) > 0 {
		rec.services = device.NormalizeUUIDs(svcs)
	}
	cb := rec.callback
	a.devMu.Unlock()

	if cb != nil {
		if data := adv.ManufacturerData(); len(data) > 0 {
			cb(mac, data)
		}
	}
}

// LEScan returns a snapshot of the BLE presence cache filtered by
// maxAgeRSSI. It returns early, with whatever has accumulated so far, if
// Down is invoked concurrently.
func (a *Adapter) LEScan(ctx context.Context, timeout, maxAgeRSSI time.Duration) []gwmsg.MACAddress {
	a.powerMu.Lock()
	resetCh := a.resetCh
	a.powerMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-resetCh:
	case <-ctx.Done():
	}
	return a.bleCache.Snapshot(time.Now(), maxAgeRSSI)
}

// Scan performs a synchronous classic-Bluetooth inquiry via the configured
// ClassicBackend, returning MAC -> model string.
func (a *Adapter) Scan(ctx context.Context) (map[gwmsg.MACAddress]string, error) {
	return a.classic.Inquiry(ctx)
}

// Detect performs a classic presence test with artificial-availability
// smoothing: a device seen within artificialAvailability of the last
// successful detection is still reported present.
func (a *Adapter) Detect(ctx context.Context, mac gwmsg.MACAddress, artificialAvailability time.Duration) (bool, error) {
	found, err := a.classic.Detect(ctx, mac)
	if err != nil {
		return false, err
	}
	return a.classicCache.Detect(mac, time.Now(), found, artificialAvailability), nil
}

// Connect opens a GATT session to mac. It fails with device.NotFoundError if
// mac was never seen by discovery, and normalizes a "backend already
// connecting to this device" error into success.
func (a *Adapter) Connect(ctx context.Context, mac gwmsg.MACAddress, timeout time.Duration) (device.Device, error) {
	a.devMu.Lock()
	_, known := a.devices[mac]
	a.devMu.Unlock()
	if !known {
		return nil, &device.NotFoundError{Resource: "device", UUIDs: []string{mac.String()}}
	}
	if a.newDevice == nil {
		return nil, fmt.Errorf("ble: adapter %q has no device factory", a.name)
	}

	dev := a.newDevice(mac.String(), a.logger)
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := dev.Connect(connCtx, &device.ConnectOptions{Address: mac.String(), ConnectTimeout: timeout})
	if err != nil && !isInProgress(err) {
		return nil, device.NormalizeError(err)
	}
	return dev, nil
}

// Watch subscribes callback to manufacturer-data advertisements from mac.
// A no-op if mac is already watched.
func (a *Adapter) Watch(mac gwmsg.MACAddress, callback WatchCallback) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	rec, ok := a.devices[mac]
	if !ok {
		rec = &deviceRecord{mac: mac}
		a.devices[mac] = rec
	}
	if rec.callback != nil {
		return
	}
	rec.callback = callback
}

// Unwatch removes any manufacturer-data subscription for mac.
func (a *Adapter) Unwatch(mac gwmsg.MACAddress) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	if rec, ok := a.devices[mac]; ok {
		rec.callback = nil
	}
}

// EvictStale drops device records that are neither watched nor seen within
// maxUnavailability, requesting their removal from the presence cache too.
func (a *Adapter) EvictStale(maxUnavailability time.Duration) []gwmsg.MACAddress {
	now := time.Now()
	a.devMu.Lock()
	var unwatched []gwmsg.MACAddress
	for mac, rec := range a.devices {
		if rec.callback == nil {
			unwatched = append(unwatched, mac)
		}
	}
	a.devMu.Unlock()

	evicted := a.bleCache.EvictStale(now, maxUnavailability, unwatched)

	if len(evicted) > 0 {
		a.devMu.Lock()
		for _, mac := range evicted {
			delete(a.devices, mac)
		}
		a.devMu.Unlock()
	}
	return evicted
}

// ServiceNames resolves the Bluetooth SIG names for mac's most recently
// advertised service UUIDs, skipping any UUID with no known name. Returns
// nil if mac has never been seen or advertised no services.
func (a *Adapter) ServiceNames(mac gwmsg.MACAddress) []string {
	a.devMu.Lock()
	rec, ok := a.devices[mac]
	var uuids []string
	if ok {
		uuids = append(uuids, rec.services...)
	}
	a.devMu.Unlock()
	if !ok {
		return nil
	}

	names := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		if name := bledb.LookupService(uuid); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Info reports adapter metadata and counters.
func (a *Adapter) Info() Info {
	a.powerMu.Lock()
	powered, discovering, fatal := a.powered, a.discovering, a.fatal
	a.powerMu.Unlock()

	a.devMu.Lock()
	count := len(a.devices)
	a.devMu.Unlock()

	return Info{
		Name:          a.name,
		Powered:       powered,
		Discovering:   discovering,
		DeviceCount:   count,
		FatalFailures: fatal,
	}
}

// Healthy reports whether repeated power toggles have not exhausted the
// adapter (spec's Fatal error class: adapter marked unhealthy, retried at
// the next Up call).
func (a *Adapter) Healthy() bool {
	a.powerMu.Lock()
	defer a.powerMu.Unlock()
	return a.fatal < powerPollAttempts
}
