package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/svrl/svrl/internal/adb"
	"github.com/svrl/svrl/internal/broadcast"
	"github.com/svrl/svrl/internal/logger"
)

var (
	// ErrDeviceUnreachable is returned when the headset is neither attached
	// over USB nor reachable over the network
	ErrDeviceUnreachable = errors.New("vr device unreachable")
	// ErrNoDevice is returned when no supported headset has been detected
	ErrNoDevice = fmt.Errorf("%w: no device detected", ErrDeviceUnreachable)
)

const (
	defaultTCPIPPort    = 5555
	defaultPollInterval = 500 * time.Millisecond
	addressLookup       = 3 * time.Second
)

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithTCPIPPort sets the port used for network fallback connections
func WithTCPIPPort(port int) Option {
	return func(r *Registry) {
		r.tcpipPort = port
	}
}

// WithPollInterval bounds how long the hotplug listener waits for an event
// before checking for a stop signal
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.pollInterval = d
	}
}

// WithEventObserver registers a callback invoked for every handled hotplug action
func WithEventObserver(fn func(action string)) Option {
	return func(r *Registry) {
		r.observe = fn
	}
}

// Registry owns the current headset snapshot
type Registry struct {
	sysfs        *Sysfs
	bridge       adb.Bridge
	log          *logger.Logger
	tcpipPort    int
	pollInterval time.Duration
	observe      func(action string)

	mu      sync.RWMutex
	current *Device

	force *broadcast.Hub[struct{}]
}

// NewRegistry seeds the registry with a synchronous scan of attached USB
// devices. A failed scan leaves the registry empty.
func NewRegistry(ctx context.Context, sysfs *Sysfs, bridge adb.Bridge, opts ...Option) *Registry {
	r := &Registry{
		sysfs:        sysfs,
		bridge:       bridge,
		log:          logger.Nop(),
		tcpipPort:    defaultTCPIPPort,
		pollInterval: defaultPollInterval,
		force:        broadcast.New[struct{}](1),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.Scan(ctx); err != nil {
		r.log.Warnw("initial usb scan failed", "error", err)
	}
	return r
}

// Scan enumerates attached USB devices and adopts the first supported headset
func (r *Registry) Scan(ctx context.Context) error {
	paths, err := r.sysfs.USBDevices()
	if err != nil {
		return err
	}

	for _, path := range paths {
		dev, ok := r.classify(ctx, path)
		if !ok {
			continue
		}
		r.mu.Lock()
		r.current = &dev
		r.mu.Unlock()
		r.log.Infow("found vr device", "vendor", dev.Vendor, "serial", dev.Serial, "path", dev.Path)
		return nil
	}
	return nil
}

// Current returns a snapshot of the current device
func (r *Registry) Current() (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return Device{}, false
	}
	return *r.current, true
}

// ForceUpdates subscribes to device change notifications
func (r *Registry) ForceUpdates() (<-chan struct{}, func()) {
	return r.force.Subscribe()
}

// Close ends all force-update subscriptions
func (r *Registry) Close() {
	r.force.Close()
}

// classify builds a Device for a supported headset at devpath
func (r *Registry) classify(ctx context.Context, devpath string) (Device, bool) {
	attrs, err := r.sysfs.Attributes(devpath)
	if err != nil {
		return Device{}, false
	}
	vendor, ok := LookupVendor(attrs.VendorID)
	if !ok || attrs.Serial == "" {
		return Device{}, false
	}

	dev := Device{
		Path:      devpath,
		Vendor:    vendor,
		ProductID: attrs.ProductID,
		Serial:    attrs.Serial,
		Name:      strings.TrimSpace(attrs.Manufacturer + " " + attrs.Product),
		Connected: true,
	}
	dev.IP = r.lookupAddress(ctx, dev.Serial)
	return dev, true
}

// lookupAddress asks the headset for its wireless address; failures are not fatal
func (r *Registry) lookupAddress(ctx context.Context, serial string) string {
	if r.bridge == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, addressLookup)
	defer cancel()

	out, err := r.bridge.Shell(ctx, serial, "ip", "addr", "show", "wlan0")
	if err != nil {
		r.log.Debugw("network address lookup failed", "serial", serial, "error", err)
		return ""
	}
	ip, _ := adb.ParseInterfaceAddress(string(out))
	return ip
}

// Run consumes hotplug events until stop is closed or the source fails
// permanently. It exits within one poll interval of stop closing.
func (r *Registry) Run(ctx context.Context, src Source, stop <-chan struct{}) {
	// Stop also cancels in-flight bridge calls made while handling an event
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			r.log.Debug("hotplug listener stopping")
			return
		case <-ctx.Done():
			return
		default:
		}

		events, err := src.Receive(r.pollInterval)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				r.log.Debugw("transient hotplug error", "error", err)
				continue
			}
			r.log.Errorw("hotplug listener terminated", "error", err)
			return
		}

		for _, ev := range events {
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one hotplug event to the registry
func (r *Registry) HandleEvent(ctx context.Context, ev Event) {
	if !ev.IsUSBDevice() {
		return
	}

	switch ev.Action {
	case ActionBind:
		dev, ok := r.classify(ctx, ev.DevPath)
		if !ok {
			return
		}
		r.mu.Lock()
		r.current = &dev
		r.mu.Unlock()
		r.log.Infow("vr device attached", "vendor", dev.Vendor, "serial", dev.Serial, "path", dev.Path)

	case ActionUnbind:
		r.mu.Lock()
		matched := r.current != nil && r.current.Path == ev.DevPath
		if matched {
			r.current.Connected = false
		}
		r.mu.Unlock()
		if !matched {
			return
		}
		r.log.Infow("vr device detached", "path", ev.DevPath)

	default:
		return
	}

	if r.observe != nil {
		r.observe(ev.Action)
	}
	r.force.Publish(struct{}{})
}

// Target resolves the bridge address of the current device: its USB serial
// while attached, otherwise its network address after a connect attempt.
func (r *Registry) Target(ctx context.Context) (string, error) {
	dev, ok := r.Current()
	if !ok {
		return "", ErrNoDevice
	}
	if dev.Connected {
		return dev.Serial, nil
	}
	if dev.IP == "" {
		return "", fmt.Errorf("%w: %s is detached and has no network address", ErrDeviceUnreachable, dev.Serial)
	}

	hostport := r.networkAddress(dev)
	if err := r.bridge.Connect(ctx, hostport); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	return hostport, nil
}

func (r *Registry) networkAddress(dev Device) string {
	return net.JoinHostPort(dev.IP, strconv.Itoa(r.tcpipPort))
}

// Shell runs a remote shell command on the current device
func (r *Registry) Shell(ctx context.Context, args ...string) ([]byte, error) {
	target, err := r.Target(ctx)
	if err != nil {
		return nil, err
	}
	return r.bridge.Shell(ctx, target, args...)
}

// OpenTunnel forwards the device's tcp:port back to the host
func (r *Registry) OpenTunnel(ctx context.Context, port int) error {
	target, err := r.Target(ctx)
	if err != nil {
		return err
	}
	return r.bridge.Reverse(ctx, target, port)
}

// StartActivity launches an activity on the current device
func (r *Registry) StartActivity(ctx context.Context, intent adb.Intent) error {
	target, err := r.Target(ctx)
	if err != nil {
		return err
	}
	return r.bridge.StartActivity(ctx, target, intent)
}

// IsMounted reports whether the headset is awake, i.e. being worn
func (r *Registry) IsMounted(ctx context.Context) (bool, error) {
	out, err := r.Shell(ctx, "dumpsys", "power")
	if err != nil {
		return false, err
	}
	return adb.ParseWakefulness(string(out)), nil
}

// DisconnectNetwork drops any network fallback connection to the current device
func (r *Registry) DisconnectNetwork(ctx context.Context) error {
	dev, ok := r.Current()
	if !ok || dev.IP == "" {
		return nil
	}
	return r.bridge.Disconnect(ctx, r.networkAddress(dev))
}
