package gwmsg

import (
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ModuleID is a small dense-from-0 integer identifying a module within a device.
type ModuleID uint16

// ModuleKind names the sensor/actuator kind a module implements.
type ModuleKind int

const (
	ModuleKindUnknown ModuleKind = iota
	ModuleKindTemperature
	ModuleKindHumidity
	ModuleKindBattery
	ModuleKindSwitch
	ModuleKindDimmer
	ModuleKindButton
)

// ReactionType describes whether a module accepts DeviceSetValueCommand.
type ReactionType int

const (
	// ReactionNone modules are read-only; set-value is rejected with ErrIllegalState.
	ReactionNone ReactionType = iota
	// ReactionSetValue modules accept a driver-defined value on set-value.
	ReactionSetValue
)

// ModuleType names a module's kind and whether it reacts to commands.
type ModuleType struct {
	Kind     ModuleKind
	Reaction ReactionType
}

// RefreshTime is either "no periodic refresh" or a duration of at least one second.
type RefreshTime struct {
	set bool
	d   time.Duration
}

// NoRefresh returns a RefreshTime meaning "event-driven only".
func NoRefresh() RefreshTime {
	return RefreshTime{}
}

// Every returns a periodic RefreshTime. Durations under one second are rejected.
func Every(d time.Duration) (RefreshTime, error) {
	if d < time.Second {
		return RefreshTime{}, fmt.Errorf("gwmsg: refresh time %s below 1s minimum", d)
	}
	return RefreshTime{set: true, d: d}, nil
}

// IsSet reports whether a periodic refresh is configured.
func (r RefreshTime) IsSet() bool { return r.set }

// Duration returns the configured period, or 0 if unset.
func (r RefreshTime) Duration() time.Duration { return r.d }

// DeviceDescription is an immutable description of a discovered device,
// built once via NewDeviceDescription.
type DeviceDescription struct {
	id          DeviceID
	vendor      string
	product     string
	modules     *orderedmap.OrderedMap[ModuleID, ModuleType]
	refreshTime RefreshTime
}

// NewDeviceDescription builds a DeviceDescription from modules in ModuleID order.
// modules must already be dense from 0; the order of the slice is preserved.
func NewDeviceDescription(id DeviceID, vendor, product string, modules []ModuleType, refresh RefreshTime) *DeviceDescription {
	om := orderedmap.New[ModuleID, ModuleType]()
	for i, m := range modules {
		om.Set(ModuleID(i), m)
	}
	return &DeviceDescription{
		id:          id,
		vendor:      vendor,
		product:     product,
		modules:     om,
		refreshTime: refresh,
	}
}

func (d *DeviceDescription) ID() DeviceID             { return d.id }
func (d *DeviceDescription) Vendor() string            { return d.vendor }
func (d *DeviceDescription) Product() string           { return d.product }
func (d *DeviceDescription) RefreshTime() RefreshTime  { return d.refreshTime }

// Modules returns the modules in ModuleID order.
func (d *DeviceDescription) Modules() []ModuleType {
	out := make([]ModuleType, 0, d.modules.Len())
	for pair := d.modules.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Module looks up a single module by id.
func (d *DeviceDescription) Module(id ModuleID) (ModuleType, bool) {
	return d.modules.Get(id)
}
