// Package bledb resolves well-known Bluetooth SIG UUIDs and appearance codes
// to human-readable names. The lookup tables are a curated subset of the
// public Bluetooth assigned-numbers registry, hand-maintained rather than
// generated, and are meant for diagnostic naming only: an empty string
// means "not in our table", never "invalid UUID".
package bledb

import "strings"

// NormalizeUUID reduces a UUID to a canonical lowercase form: 16-bit SIG
// UUIDs are reduced to their 4 hex-digit short form, everything else is
// returned as a dash-free lowercase string.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(uuid)
	u = strings.TrimPrefix(u, "0x")
	u = strings.Trim(u, "{}")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasSuffix(u, sigBase) && strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u
}

const sigBase = "1000800000805f9b34fb"

// NormalizeUUIDs applies NormalizeUUID to every element of uuids.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the assigned name of a GATT service UUID, or "" if unknown.
func LookupService(uuid string) string {
	return serviceNames[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name of a GATT characteristic UUID, or "" if unknown.
func LookupCharacteristic(uuid string) string {
	return characteristicNames[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name of a GATT descriptor UUID, or "" if unknown.
func LookupDescriptor(uuid string) string {
	return descriptorNames[NormalizeUUID(uuid)]
}

// LookupAppearanceCode returns the assigned name of a GAP appearance value, or "" if unknown.
func LookupAppearanceCode(code uint16) string {
	return appearanceNames[code]
}

var serviceNames = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1812": "Human Interface Device",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"fe59": "Nordic DFU",
}

var characteristicNames = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
}

var descriptorNames = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
}

var appearanceNames = map[uint16]string{
	0:    "Unknown",
	64:   "Generic Phone",
	128:  "Generic Computer",
	192:  "Generic Watch",
	256:  "Generic Clock",
	320:  "Generic Display",
	576:  "Generic Sensor",
	833:  "Generic Heart Rate Sensor",
	960:  "Generic Blood Pressure",
	1024: "Generic HID",
}
