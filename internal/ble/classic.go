package ble

import (
	"context"

	"github.com/srg/iotgw/internal/gwmsg"
)

// ClassicBackend performs classic (BR/EDR) Bluetooth inquiry and per-device
// presence checks. The go-ble/ble library backing this package's LE side has
// no classic Bluetooth support, so the inquiry mechanism itself is left
// pluggable; the smoothing and caching logic around it (presence.ClassicCache)
// is real and independently testable regardless of which backend is wired in.
type ClassicBackend interface {
	// Inquiry performs one synchronous scan, returning MAC -> device model name.
	Inquiry(ctx context.Context) (map[gwmsg.MACAddress]string, error)
	// Detect performs one synchronous presence check for mac.
	Detect(ctx context.Context, mac gwmsg.MACAddress) (bool, error)
}

// NoClassicBackend is a ClassicBackend that reports every device absent. It is
// the default when no hardware-specific backend is configured.
type NoClassicBackend struct{}

func (NoClassicBackend) Inquiry(context.Context) (map[gwmsg.MACAddress]string, error) {
	return map[gwmsg.MACAddress]string{}, nil
}

func (NoClassicBackend) Detect(context.Context, gwmsg.MACAddress) (bool, error) {
	return false, nil
}
