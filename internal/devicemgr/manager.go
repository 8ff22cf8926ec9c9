// Package devicemgr routes commands from the uplink to device drivers and
// orchestrates accept/unpair/list/listen, bridging the uplink and the
// drivers registered with it.
package devicemgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/iotgw/internal/gwmsg"
)

// Requester is the subset of the uplink connector needed to issue a
// request and block for its correlated response, letting the Manager query
// the server without depending on the uplink package.
type Requester interface {
	SendAndWait(msg gwmsg.GWMessage, timeout time.Duration) (gwmsg.GWMessageOutcome, error)
}

// Distributor is how a driver publishes a reading upstream during Poll.
type Distributor interface {
	Publish(msg gwmsg.GWMessage)
}

// DriverManager is the capability set a device driver family implements: a
// cheap type check (Accept), the actual command handling (Handle), a poll
// hook invoked on schedule, and static identity/module metadata.
type DriverManager interface {
	Accept(cmd gwmsg.GWMessage) bool
	Handle(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage)
	Poll(dist Distributor)
	Vendor() string
	Product() string
	ModuleTypes() []gwmsg.ModuleType
}

// DeviceCache is the external, assumed-thread-safe collaborator persisting
// pairing state across restarts. The core only consumes it.
type DeviceCache interface {
	IsPaired(id gwmsg.DeviceID) bool
	SetPaired(id gwmsg.DeviceID, paired bool)
	PairedDevices() []gwmsg.DeviceID
}

type deviceEntry struct {
	description *gwmsg.DeviceDescription
	driver      DriverManager
}

// Manager holds every discovered device across all driver families, keyed by
// DeviceID, and reconciles pairing state against a DeviceCache. All
// compound map operations that must be atomic (accept/unpair/reconcile) hold
// devicesLock; single-key reads reachable from Handle are safe on the
// underlying concurrent map without it.
type Manager struct {
	logger      *logrus.Logger
	cache       DeviceCache
	scheduler   Scheduler
	devicesLock sync.Mutex
	devices     *hashmap.Map[gwmsg.DeviceID, *deviceEntry]
	drivers     []DriverManager
}

// Scheduler is the external DevicePoller collaborator: it owns the pool of
// driver poll workers and is told which devices should currently be polled.
type Scheduler interface {
	Schedule(id gwmsg.DeviceID)
	Cancel(id gwmsg.DeviceID)
}

// nullScheduler is used when no Scheduler is wired; schedule/cancel are no-ops.
type nullScheduler struct{}

func (nullScheduler) Schedule(gwmsg.DeviceID) {}
func (nullScheduler) Cancel(gwmsg.DeviceID)   {}

// New creates a Manager backed by cache for pairing persistence and
// scheduler for poll scheduling. A nil scheduler is replaced with a no-op.
func New(cache DeviceCache, scheduler Scheduler, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if scheduler == nil {
		scheduler = nullScheduler{}
	}
	return &Manager{
		logger:    logger,
		cache:     cache,
		scheduler: scheduler,
		devices:   hashmap.New[gwmsg.DeviceID, *deviceEntry](),
	}
}

// RegisterDriver adds a driver family the Manager will route commands to.
func (m *Manager) RegisterDriver(d DriverManager) {
	m.devicesLock.Lock()
	defer m.devicesLock.Unlock()
	m.drivers = append(m.drivers, d)
}

// AddDevice registers a newly discovered device under the driver that
// discovered it. The device starts unpaired and unscheduled.
func (m *Manager) AddDevice(desc *gwmsg.DeviceDescription, driver DriverManager) {
	m.devices.Set(desc.ID(), &deviceEntry{description: desc, driver: driver})
}

// Get returns the description of a known device.
func (m *Manager) Get(id gwmsg.DeviceID) (*gwmsg.DeviceDescription, bool) {
	e, ok := m.devices.Get(id)
	if !ok {
		return nil, false
	}
	return e.description, true
}

// Route dispatches cmd to the first registered driver willing to accept it,
// delivering the reply to answer. Returns false if no driver accepted it.
func (m *Manager) Route(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) bool {
	m.devicesLock.Lock()
	drivers := append([]DriverManager(nil), m.drivers...)
	m.devicesLock.Unlock()

	for _, d := range drivers {
		if d.Accept(cmd) {
			d.Handle(cmd, answer)
			return true
		}
	}
	return false
}

// Handle implements the four standard commands directly against the shared
// device map and DeviceCache, independent of any specific driver family.
func (m *Manager) Handle(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) {
	switch cmd.Kind {
	case gwmsg.KindGatewayListenCommand:
		m.handleListen(answer)
	case gwmsg.KindDeviceAcceptCommand:
		m.handleAccept(cmd, answer)
	case gwmsg.KindDeviceUnpairCommand:
		m.handleUnpair(cmd, answer)
	case gwmsg.KindDeviceSetValueCommand:
		m.handleSetValue(cmd, answer)
	}
}

func (m *Manager) handleListen(answer chan<- gwmsg.GWMessage) {
	m.devices.Range(func(id gwmsg.DeviceID, e *deviceEntry) bool {
		if m.cache == nil || !m.cache.IsPaired(id) {
			answer <- gwmsg.NewMessage(gwmsg.KindNewDeviceRequest, gwmsg.NewDeviceRequestPayload{Description: e.description})
		}
		return true
	})
}

func (m *Manager) handleAccept(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) {
	payload, ok := cmd.Payload.(gwmsg.DeviceAcceptCommandPayload)
	if !ok {
		return
	}
	m.devicesLock.Lock()
	defer m.devicesLock.Unlock()

	_, known := m.devices.Get(payload.Device)
	if !known {
		answer <- errorReply(cmd, gwmsg.ErrNotFound)
		return
	}
	if m.cache != nil && m.cache.IsPaired(payload.Device) {
		m.logger.WithField("device", payload.Device).Warn("devicemgr: accept on already-paired device")
	}
	if m.cache != nil {
		m.cache.SetPaired(payload.Device, true)
	}
	m.scheduler.Schedule(payload.Device)
	answer <- gwmsg.GWMessage{Kind: gwmsg.KindRegisterAck, CorrelationID: cmd.CorrelationID, Payload: gwmsg.RegisterAckPayload{Accepted: true}}
}

func (m *Manager) handleUnpair(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) {
	payload, ok := cmd.Payload.(gwmsg.DeviceUnpairCommandPayload)
	if !ok {
		return
	}
	m.devicesLock.Lock()
	defer m.devicesLock.Unlock()

	if _, known := m.devices.Get(payload.Device); !known {
		m.logger.WithField("device", payload.Device).Warn("devicemgr: unpair on unknown device")
		return
	}
	if m.cache != nil {
		m.cache.SetPaired(payload.Device, false)
	}
	m.scheduler.Cancel(payload.Device)
	if answer != nil {
		answer <- gwmsg.GWMessage{Kind: gwmsg.KindRegisterAck, CorrelationID: cmd.CorrelationID, Payload: gwmsg.RegisterAckPayload{Accepted: true}}
	}
}

func (m *Manager) handleSetValue(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) {
	payload, ok := cmd.Payload.(gwmsg.DeviceSetValueCommandPayload)
	if !ok {
		return
	}
	e, known := m.devices.Get(payload.Device)
	if !known {
		answer <- errorReply(cmd, gwmsg.ErrNotFound)
		return
	}
	module, ok := e.description.Module(payload.Module)
	if !ok {
		answer <- errorReply(cmd, gwmsg.ErrNotFound)
		return
	}
	if module.Reaction == gwmsg.ReactionNone {
		answer <- errorReply(cmd, gwmsg.ErrIllegalState)
		return
	}
	if e.driver == nil {
		answer <- errorReply(cmd, gwmsg.ErrIllegalState)
		return
	}
	e.driver.Handle(cmd, answer)
}

// ReconcileRemoteStatus applies a batch paired/unpaired snapshot from the
// server: every locally-known paired device is scheduled, every unpaired one
// is cancelled.
func (m *Manager) ReconcileRemoteStatus() {
	m.devicesLock.Lock()
	defer m.devicesLock.Unlock()

	m.devices.Range(func(id gwmsg.DeviceID, _ *deviceEntry) bool {
		if m.cache != nil && m.cache.IsPaired(id) {
			m.scheduler.Schedule(id)
		} else {
			m.scheduler.Cancel(id)
		}
		return true
	})
}

// SyncDeviceList issues a DeviceListRequest against req and marks every
// device the server reports as paired locally, then reconciles the poll
// scheduler against the result. Devices absent from the server's list are
// left untouched: DeviceListResponse is additive, never a source of truth
// for unpairing (that's DeviceUnpairCommand's job).
func (m *Manager) SyncDeviceList(req Requester, timeout time.Duration) error {
	outcome, err := req.SendAndWait(gwmsg.NewMessage(gwmsg.KindDeviceListRequest, nil), timeout)
	if err != nil {
		return fmt.Errorf("devicemgr: device list request: %w", err)
	}
	if outcome.Outcome != gwmsg.OutcomeFulfilled {
		return fmt.Errorf("devicemgr: device list request did not complete: outcome=%v", outcome.Outcome)
	}
	payload, ok := outcome.Response.Payload.(*gwmsg.DeviceListResponsePayload)
	if !ok {
		return fmt.Errorf("devicemgr: device list response had unexpected payload type %T", outcome.Response.Payload)
	}

	for _, desc := range payload.Devices {
		if desc == nil {
			continue
		}
		id := desc.ID()
		if _, known := m.devices.Get(id); !known {
			continue
		}
		if m.cache != nil {
			m.cache.SetPaired(id, true)
		}
	}
	m.ReconcileRemoteStatus()
	return nil
}

// FetchLastValue issues a LastValueRequest for device/module and returns the
// server's last recorded value, if any.
func (m *Manager) FetchLastValue(req Requester, device gwmsg.DeviceID, module gwmsg.ModuleID, timeout time.Duration) ([]byte, bool, error) {
	msg := gwmsg.NewMessage(gwmsg.KindLastValueRequest, gwmsg.LastValueRequestPayload{Device: device, Module: module})
	outcome, err := req.SendAndWait(msg, timeout)
	if err != nil {
		return nil, false, fmt.Errorf("devicemgr: last value request: %w", err)
	}
	if outcome.Outcome != gwmsg.OutcomeFulfilled {
		return nil, false, fmt.Errorf("devicemgr: last value request did not complete: outcome=%v", outcome.Outcome)
	}
	payload, ok := outcome.Response.Payload.(*gwmsg.LastValueResponsePayload)
	if !ok {
		return nil, false, fmt.Errorf("devicemgr: last value response had unexpected payload type %T", outcome.Response.Payload)
	}
	return payload.Value, payload.Found, nil
}

func errorReply(cmd gwmsg.GWMessage, err error) gwmsg.GWMessage {
	return gwmsg.GWMessage{Kind: gwmsg.KindError, CorrelationID: cmd.CorrelationID, Payload: gwmsg.ErrorPayload{Message: err.Error()}}
}
