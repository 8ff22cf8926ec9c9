package ble

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/iotgw/internal/device"
	"github.com/srg/iotgw/internal/devicefactory"
)

// AdapterManager maintains name -> *Adapter, returning the same instance on
// repeated lookup.
type AdapterManager struct {
	adapters *hashmap.Map[string, *Adapter]
	logger   *logrus.Logger
	opts     []Option
}

// NewAdapterManager creates a manager whose adapters use the shared BLE
// device factories wired in internal/devicefactory, plus any extra options
// (e.g. a ClassicBackend) applied to every adapter it creates.
func NewAdapterManager(logger *logrus.Logger, opts ...Option) *AdapterManager {
	if logger == nil {
		logger = logrus.New()
	}
	defaultOpts := []Option{
		WithScanningDeviceFactory(func() (device.ScanningDevice, error) {
			return devicefactory.DeviceFactory()
		}),
		WithDeviceFactory(devicefactory.NewDevice),
	}
	return &AdapterManager{
		adapters: hashmap.New[string, *Adapter](),
		logger:   logger,
		opts:     append(defaultOpts, opts...),
	}
}

// Get returns the adapter named name, creating it on first lookup.
func (m *AdapterManager) Get(name string) *Adapter {
	adapter, _ := m.adapters.GetOrInsert(name, newAdapter(name, m.logger, m.opts...))
	return adapter
}

// Names returns every adapter name currently managed.
func (m *AdapterManager) Names() []string {
	var names []string
	m.adapters.Range(func(name string, _ *Adapter) bool {
		names = append(names, name)
		return true
	})
	return names
}
