package device

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// Hotplug actions of interest
const (
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// ErrTransient marks a hotplug source error after which listening can continue
var ErrTransient = errors.New("transient hotplug error")

// Event is a kernel uevent
type Event struct {
	Action    string
	DevPath   string
	Subsystem string
	DevType   string
	Env       map[string]string
}

// IsUSBDevice reports whether the event concerns a whole USB device
func (e Event) IsUSBDevice() bool {
	return e.Subsystem == "usb" && e.DevType == "usb_device"
}

// Source delivers hotplug events. Receive waits at most timeout and returns
// no events when nothing arrived. Errors wrapping ErrTransient are
// recoverable; any other error ends the listener.
type Source interface {
	Receive(timeout time.Duration) ([]Event, error)
	Close() error
}

// ParseUevent decodes a kernel uevent datagram of the form
// "action@devpath\0KEY=VALUE\0...". Messages rebroadcast by udev are ignored.
func ParseUevent(msg []byte) (Event, bool) {
	if bytes.HasPrefix(msg, []byte("libudev")) {
		return Event{}, false
	}

	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 || !bytes.Contains(fields[0], []byte("@")) {
		return Event{}, false
	}

	ev := Event{Env: make(map[string]string)}
	header := string(fields[0])
	at := strings.IndexByte(header, '@')
	ev.Action = header[:at]
	ev.DevPath = header[at+1:]

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(string(field), "=")
		if !ok {
			continue
		}
		ev.Env[key] = value
		switch key {
		case "ACTION":
			ev.Action = value
		case "DEVPATH":
			ev.DevPath = value
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVTYPE":
			ev.DevType = value
		}
	}

	if ev.Action == "" || ev.DevPath == "" {
		return Event{}, false
	}
	return ev, true
}
