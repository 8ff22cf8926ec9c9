// Package device defines the BLE central-role abstractions the gateway
// discovers and connects against: scanning, advertisement data, the
// connect/disconnect lifecycle, and the typed errors go-ble's backend
// raises along the way. It stops at the connected/disconnected boundary;
// per-device protocol handling lives in the driver families registered
// with internal/devicemgr.
package device
