package ble

import "strings"

// isInProgress reports whether err is the D-Bus "operation already in
// progress" error (G_DBUS_ERROR_IN_PROGRESS, code 36), which BlueZ raises
// for a connect issued while one is already underway. Kept as a documented
// success case: the caller's original connect attempt races the one already
// running and both converge on the same GATT session.
func isInProgress(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "in progress") || strings.Contains(msg, "in-progress")
}
