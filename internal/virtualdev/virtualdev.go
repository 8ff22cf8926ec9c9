// Package virtualdev implements a synthetic driver family for exercising the
// device manager and uplink without real BLE hardware: devices and their
// module layout are loaded from YAML, values live in memory, and Poll emits
// one synthetic sensor reading per module on every call; the configured
// refresh time is recorded in each description but does not gate Poll.
package virtualdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/iotgw/internal/devicemgr"
	"github.com/srg/iotgw/internal/gwmsg"
)

// VirtualPrefix is the DeviceID driver-family byte reserved for synthetic devices.
const VirtualPrefix = 0xFF

// moduleSpec is one module entry in a device's YAML definition.
type moduleSpec struct {
	Kind     string `yaml:"kind"`
	Reactive bool   `yaml:"reactive"`
	Initial  []byte `yaml:"initial"`
}

// deviceSpec is one device entry in the YAML device list.
type deviceSpec struct {
	Serial  uint64       `yaml:"serial"`
	Vendor  string       `yaml:"vendor"`
	Product string       `yaml:"product"`
	Refresh string       `yaml:"refresh"`
	Modules []moduleSpec `yaml:"modules"`
}

// definitions is the top-level shape of a virtual device YAML file.
type definitions struct {
	Devices []deviceSpec `yaml:"devices"`
}

var kindNames = map[string]gwmsg.ModuleKind{
	"unknown":     gwmsg.ModuleKindUnknown,
	"temperature": gwmsg.ModuleKindTemperature,
	"humidity":    gwmsg.ModuleKindHumidity,
	"battery":     gwmsg.ModuleKindBattery,
	"switch":      gwmsg.ModuleKindSwitch,
	"dimmer":      gwmsg.ModuleKindDimmer,
	"button":      gwmsg.ModuleKindButton,
}

func parseKind(s string) (gwmsg.ModuleKind, error) {
	k, ok := kindNames[s]
	if !ok {
		return 0, fmt.Errorf("virtualdev: unknown module kind %q", s)
	}
	return k, nil
}

// Manager is a devicemgr.DriverManager backed by an in-memory value table,
// loaded once from a YAML definitions file.
type Manager struct {
	logger *logrus.Logger
	mu     sync.Mutex
	values map[gwmsg.DeviceID]map[gwmsg.ModuleID][]byte
	descs  map[gwmsg.DeviceID]*gwmsg.DeviceDescription
}

// New creates an empty virtual device manager.
func New(logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		logger: logger,
		values: make(map[gwmsg.DeviceID]map[gwmsg.ModuleID][]byte),
		descs:  make(map[gwmsg.DeviceID]*gwmsg.DeviceDescription),
	}
}

// LoadYAML parses device definitions and registers each one with dm,
// tagging it as owned by this Manager so DeviceSetValueCommand routes back here.
func (m *Manager) LoadYAML(data []byte, dm *devicemgr.Manager) error {
	var defs definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("virtualdev: parse definitions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ds := range defs.Devices {
		desc, values, err := m.buildDevice(ds)
		if err != nil {
			return err
		}
		m.descs[desc.ID()] = desc
		m.values[desc.ID()] = values
		if dm != nil {
			dm.AddDevice(desc, m)
		}
	}
	return nil
}

func (m *Manager) buildDevice(ds deviceSpec) (*gwmsg.DeviceDescription, map[gwmsg.ModuleID][]byte, error) {
	var identifier [7]byte
	for i := 0; i < 7; i++ {
		identifier[i] = byte(ds.Serial >> (48 - 8*i))
	}
	id := gwmsg.NewDeviceID(VirtualPrefix, identifier)

	refresh := gwmsg.NoRefresh()
	if ds.Refresh != "" {
		d, err := time.ParseDuration(ds.Refresh)
		if err != nil {
			return nil, nil, fmt.Errorf("virtualdev: device %d: %w", ds.Serial, err)
		}
		refresh, err = gwmsg.Every(d)
		if err != nil {
			return nil, nil, fmt.Errorf("virtualdev: device %d: %w", ds.Serial, err)
		}
	}

	values := make(map[gwmsg.ModuleID][]byte, len(ds.Modules))
	modules := make([]gwmsg.ModuleType, 0, len(ds.Modules))
	for i, ms := range ds.Modules {
		kind, err := parseKind(ms.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("virtualdev: device %d: %w", ds.Serial, err)
		}
		reaction := gwmsg.ReactionNone
		if ms.Reactive {
			reaction = gwmsg.ReactionSetValue
		}
		modules = append(modules, gwmsg.ModuleType{Kind: kind, Reaction: reaction})
		values[gwmsg.ModuleID(i)] = ms.Initial
	}

	desc := gwmsg.NewDeviceDescription(id, ds.Vendor, ds.Product, modules, refresh)
	return desc, values, nil
}

// Accept claims any command targeting a device this Manager owns.
func (m *Manager) Accept(cmd gwmsg.GWMessage) bool {
	id, ok := targetDevice(cmd)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, known := m.descs[id]
	return known
}

// Handle implements DeviceSetValueCommand against the in-memory value table.
// Other command kinds are handled centrally by devicemgr.Manager and never
// reach here.
func (m *Manager) Handle(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) {
	payload, ok := cmd.Payload.(gwmsg.DeviceSetValueCommandPayload)
	if !ok {
		return
	}

	m.mu.Lock()
	table, known := m.values[payload.Device]
	if known {
		table[payload.Module] = payload.Value
	}
	m.mu.Unlock()

	if !known {
		answer <- gwmsg.GWMessage{
			Kind:          gwmsg.KindError,
			CorrelationID: cmd.CorrelationID,
			Payload:       gwmsg.ErrorPayload{Message: gwmsg.NewDeviceError(payload.Device, gwmsg.ErrNotFound).Error()},
		}
		return
	}
	answer <- gwmsg.GWMessage{
		Kind:          gwmsg.KindRegisterAck,
		CorrelationID: cmd.CorrelationID,
		Payload:       gwmsg.RegisterAckPayload{Accepted: true},
	}
}

// Poll emits one SensorDataPayload per module of every registered device.
// A real driver would only emit for modules whose refresh period elapsed;
// this synthetic implementation emits every call since callers control cadence.
func (m *Manager) Poll(dist devicemgr.Distributor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, table := range m.values {
		for modID, value := range table {
			dist.Publish(gwmsg.NewMessage(gwmsg.KindSensorData, gwmsg.SensorDataPayload{
				Device: id,
				Module: modID,
				Value:  value,
			}))
		}
	}
}

func (m *Manager) Vendor() string  { return "virtual" }
func (m *Manager) Product() string { return "synthetic" }

func (m *Manager) ModuleTypes() []gwmsg.ModuleType {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[gwmsg.ModuleType]bool)
	var out []gwmsg.ModuleType
	for _, desc := range m.descs {
		for _, mt := range desc.Modules() {
			if !seen[mt] {
				seen[mt] = true
				out = append(out, mt)
			}
		}
	}
	return out
}

func targetDevice(cmd gwmsg.GWMessage) (gwmsg.DeviceID, bool) {
	switch p := cmd.Payload.(type) {
	case gwmsg.DeviceSetValueCommandPayload:
		return p.Device, true
	case gwmsg.DeviceAcceptCommandPayload:
		return p.Device, true
	case gwmsg.DeviceUnpairCommandPayload:
		return p.Device, true
	default:
		return 0, false
	}
}
