//go:build !linux

package device

import (
	"errors"
	"time"
)

// ErrHotplugUnsupported is returned on platforms without kernel uevents
var ErrHotplugUnsupported = errors.New("usb hotplug monitoring requires linux")

// Netlink is unavailable on this platform
type Netlink struct{}

// OpenNetlink always fails on this platform
func OpenNetlink() (*Netlink, error) {
	return nil, ErrHotplugUnsupported
}

// Receive always fails on this platform
func (n *Netlink) Receive(timeout time.Duration) ([]Event, error) {
	return nil, ErrHotplugUnsupported
}

// Close is a no-op on this platform
func (n *Netlink) Close() error {
	return nil
}
