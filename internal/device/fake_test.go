package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svrl/svrl/internal/adb"
)

// fakeSysfs lays out a minimal /sys tree with bus symlinks into /devices
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "usb", "devices"), 0755))
	return &fakeSysfs{t: t, root: root}
}

// add creates a device and returns its devpath
func (f *fakeSysfs) add(port string, vendor, product uint16, serial, manufacturer, name string) string {
	f.t.Helper()
	devpath := "/devices/pci0000:00/0000:00:14.0/usb1/" + port
	dir := filepath.Join(f.root, filepath.FromSlash(devpath))
	require.NoError(f.t, os.MkdirAll(dir, 0755))

	attrs := map[string]string{
		"idVendor":     fmt.Sprintf("%04x\n", vendor),
		"idProduct":    fmt.Sprintf("%04x\n", product),
		"manufacturer": manufacturer + "\n",
		"product":      name + "\n",
	}
	if serial != "" {
		attrs["serial"] = serial + "\n"
	}
	for file, content := range attrs {
		require.NoError(f.t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	}

	link := filepath.Join(f.root, "bus", "usb", "devices", port)
	require.NoError(f.t, os.Symlink(dir, link))
	return devpath
}

// addInterface creates an interface entry, which has no idVendor
func (f *fakeSysfs) addInterface(name string) {
	f.t.Helper()
	dir := filepath.Join(f.root, "devices", "pci0000:00", "0000:00:14.0", "usb1", name)
	require.NoError(f.t, os.MkdirAll(dir, 0755))
	require.NoError(f.t, os.Symlink(dir, filepath.Join(f.root, "bus", "usb", "devices", name)))
}

// fakeBridge records bridge calls and answers with canned responses
type fakeBridge struct {
	mu         sync.Mutex
	calls      []string
	shellOut   map[string]string
	shellErr   error
	connectErr error
	// shellBlock makes Shell wait for its context, announcing each call
	shellBlock chan struct{}
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{shellOut: make(map[string]string)}
}

func (b *fakeBridge) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBridge) Shell(ctx context.Context, target string, args ...string) ([]byte, error) {
	key := fmt.Sprint(args)
	b.record(fmt.Sprintf("shell %s %s", target, key))
	if b.shellBlock != nil {
		b.shellBlock <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.shellErr != nil {
		return nil, b.shellErr
	}
	return []byte(b.shellOut[key]), nil
}

func (b *fakeBridge) Reverse(ctx context.Context, target string, port int) error {
	b.record(fmt.Sprintf("reverse %s %d", target, port))
	return nil
}

func (b *fakeBridge) Connect(ctx context.Context, hostport string) error {
	b.record("connect " + hostport)
	return b.connectErr
}

func (b *fakeBridge) Disconnect(ctx context.Context, hostport string) error {
	b.record("disconnect " + hostport)
	return nil
}

func (b *fakeBridge) StartActivity(ctx context.Context, target string, intent adb.Intent) error {
	b.record(fmt.Sprintf("activity %s %s", target, intent.Data))
	return nil
}

// fakeSource replays scripted hotplug results
type fakeSource struct {
	results chan sourceResult
	closed  bool
}

type sourceResult struct {
	events []Event
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{results: make(chan sourceResult, 16)}
}

func (s *fakeSource) push(events []Event, err error) {
	s.results <- sourceResult{events: events, err: err}
}

func (s *fakeSource) Receive(timeout time.Duration) ([]Event, error) {
	select {
	case r := <-s.results:
		return r.events, r.err
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

var errSocketGone = errors.New("socket gone")
