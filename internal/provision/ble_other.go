//go:build !linux

package provision

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrBLEUnsupported is returned on platforms without a BLE peripheral stack.
var ErrBLEUnsupported = errors.New("ble provisioning is only supported on linux")

// BLETransport is unavailable on this platform
type BLETransport struct {
	Transport
}

// NewBLETransport always fails on this platform
func NewBLETransport(logger *logrus.Entry) (*BLETransport, error) {
	return nil, ErrBLEUnsupported
}
