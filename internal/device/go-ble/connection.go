package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/iotgw/internal/device"
	"github.com/srg/iotgw/internal/groutine"
)

// BLEConnection represents a live BLE central connection: dial and
// disconnect-detection only. The gateway routes device data through the
// uplink's own driver layer, so this stops at the connected/disconnected
// boundary and never discovers a GATT profile.
type BLEConnection struct {
	client      ble.Client
	logger      *logrus.Logger
	connMutex   sync.RWMutex
	isConnected bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewBLEConnection(logger *logrus.Logger) *BLEConnection {
	return &BLEConnection{
		ctx:    context.Background(),
		logger: logger,
	}
}

// Connect dials the peer at address and waits for the link to come up.
func (c *BLEConnection) Connect(ctx context.Context, address string, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	if c.isConnectedInternal() {
		c.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	c.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address \"%s\": %w", address, NormalizeError(err))
	}

	c.client = client
	c.isConnected = true
	c.ctx, c.cancel = context.WithCancelCause(ctx)

	// Monitor the backend's Disconnected() channel, when it has one, so a
	// backend-reported drop flips isConnected without a poll. Both the
	// darwin (CoreBluetooth) and linux (BlueZ/HCI) go-ble backends expose it.
	if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(monitorCtx context.Context) {
			select {
			case <-monitored.Disconnected():
				c.connMutex.Lock()
				c.isConnected = false
				c.connMutex.Unlock()
				if c.logger != nil {
					c.logger.Warn("BLE backend reported disconnection, cancelling connection context")
				}
				if c.cancel != nil {
					c.cancel(device.ErrNotConnected)
				}
			case <-c.ctx.Done():
			}
		})
	} else if c.logger != nil {
		c.logger.Debug("Client does not support Disconnected() channel")
	}

	c.logger.WithField("address", address).Info("BLE device connected successfully")
	return nil
}

func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.client == nil || !c.isConnected {
		c.connMutex.Unlock()
		if c.logger != nil {
			c.logger.Debug("Disconnect called but already disconnected")
		}
		return nil
	}

	client := c.client
	cancel := c.cancel
	c.client = nil
	c.cancel = nil
	c.isConnected = false
	c.connMutex.Unlock()

	if cancel != nil {
		cancel(nil)
	}

	disconnectErr := client.CancelConnection()
	if c.logger != nil {
		if disconnectErr != nil {
			c.logger.WithField("error", disconnectErr).Warn("BLE device disconnected with errors")
		} else {
			c.logger.Info("BLE device disconnected successfully")
		}
	}
	return disconnectErr
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called when the caller already holds connMutex.
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}

// ConnectionContext returns the connection context, cancelled on disconnect
// or connection error. Callers may select on it to react to a dropped link.
func (c *BLEConnection) ConnectionContext() context.Context {
	return c.ctx
}
