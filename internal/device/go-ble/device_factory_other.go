//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// No go-ble backend exists for this platform; the gateway builds but
// Connect/Scan fail immediately with a clear error rather than at link time.
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("goble: no BLE backend available for GOOS=%s", runtime.GOOS)
}
