package goble

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/srg/iotgw/internal/device"
)

type fakeAdvertisement struct {
	addr      string
	localName string
	rssi      int
	txPower   int
	mfg       []byte
	services  []string
}

func (f fakeAdvertisement) LocalName() string       { return f.localName }
func (f fakeAdvertisement) ManufacturerData() []byte { return f.mfg }
func (f fakeAdvertisement) ServiceData() []struct {
	UUID string
	Data []byte
} {
	return nil
}
func (f fakeAdvertisement) Services() []string         { return f.services }
func (f fakeAdvertisement) OverflowService() []string  { return nil }
func (f fakeAdvertisement) TxPowerLevel() int          { return f.txPower }
func (f fakeAdvertisement) Connectable() bool          { return true }
func (f fakeAdvertisement) SolicitedService() []string { return nil }
func (f fakeAdvertisement) RSSI() int                  { return f.rssi }
func (f fakeAdvertisement) Addr() string               { return f.addr }

func TestNewBLEDeviceFromAdvertisement_PopulatesDeviceInfo(t *testing.T) {
	adv := fakeAdvertisement{
		addr:      "AA:BB:CC:DD:EE:FF",
		localName: "Widget",
		rssi:      -55,
		txPower:   4,
		services:  []string{"180F"},
	}
	dev := NewBLEDeviceFromAdvertisement(adv, logrus.New())

	var _ device.Device = dev // BLEDevice must satisfy device.Device
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", dev.Address())
	assert.Equal(t, "Widget", dev.Name())
	assert.Equal(t, -55, dev.RSSI())
	assert.Equal(t, 4, *dev.TxPower())
	assert.Contains(t, dev.AdvertisedServices(), "180f")
}

func TestBLEDevice_NameFallsBackToAddress(t *testing.T) {
	dev := NewBLEDeviceWithAddress("11:22:33:44:55:66", logrus.New())
	assert.Equal(t, "11:22:33:44:55:66", dev.Name())
}

func TestBLEDevice_VendorNameResolvesKnownCompany(t *testing.T) {
	dev := NewBLEDeviceWithAddress("11:22:33:44:55:66", logrus.New())
	// Company ID 0xFFFE (BLIMCo), device type + hw/fw version bytes.
	dev.manufData = []byte{0xFE, 0xFF, 0x01, 0x10, 0x02, 0x01, 0x03}
	assert.Equal(t, "BLIMCo", dev.VendorName())
}

func TestBLEDevice_VendorNameUnknownCompanyIsEmpty(t *testing.T) {
	dev := NewBLEDeviceWithAddress("11:22:33:44:55:66", logrus.New())
	dev.manufData = []byte{0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, "", dev.VendorName())
}
