package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/backend"
	"github.com/svrl/svrl/internal/catalog"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/proctable"
	"github.com/svrl/svrl/internal/session"
)

type fakeBackend struct {
	mu         sync.Mutex
	info       backend.StartInfo
	startErr   error
	readyErr   error
	audioMatch string
	starts     int
	stops      int
	reconnects int
}

func (b *fakeBackend) Type() string { return "wivrn" }

func (b *fakeBackend) Start(ctx context.Context, ch *logsession.Channel) (backend.StartInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return backend.StartInfo{}, b.startErr
	}
	return b.info, nil
}

func (b *fakeBackend) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects++
	return nil
}

func (b *fakeBackend) IsReady() bool { return b.readyErr == nil }

func (b *fakeBackend) WaitReady(ctx context.Context, timeout time.Duration) error {
	return b.readyErr
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *fakeBackend) MatchesAudioDevice(d audio.Device) bool {
	return b.audioMatch != "" && strings.Contains(d.Description, b.audioMatch)
}

func (b *fakeBackend) LaunchModifiers() ([]launcher.Modifier, error) {
	return []launcher.Modifier{launcher.EnvModifier{"XR_RUNTIME_JSON": "/tmp/runtime.json"}}, nil
}

func (b *fakeBackend) counts() (starts, stops, reconnects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops, b.reconnects
}

type fakeFactory struct {
	backend *fakeBackend
	err     error
}

func (f *fakeFactory) New(variant string) (backend.Backend, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.backend, nil
}

type fakeCatalog struct {
	apps  map[uint32]launcher.AppDescriptor
	tools map[string]launcher.CompatTool
}

func (c *fakeCatalog) FindInstalledApp(steamID uint32) (launcher.AppDescriptor, error) {
	app, ok := c.apps[steamID]
	if !ok {
		return launcher.AppDescriptor{}, fmt.Errorf("%w: app %d", catalog.ErrNotFound, steamID)
	}
	return app, nil
}

func (c *fakeCatalog) FindCompatTool(name string) (launcher.CompatTool, error) {
	tool, ok := c.tools[name]
	if !ok {
		return launcher.CompatTool{}, fmt.Errorf("%w: compat tool %s", catalog.ErrNotFound, name)
	}
	return tool, nil
}

type fakeProcess struct {
	pid    int
	token  string
	done   chan struct{}
	onExit func(GameProcess)
	once   sync.Once
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Token() string         { return p.token }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// exit simulates the process ending on its own
func (p *fakeProcess) exit() {
	p.once.Do(func() {
		close(p.done)
		if p.onExit != nil {
			p.onExit(p)
		}
	})
}

type launchCall struct {
	app  launcher.AppDescriptor
	tool launcher.CompatTool
	mods []launcher.Modifier
}

type fakeLauncher struct {
	mu        sync.Mutex
	err       error
	exitEarly bool
	calls     []launchCall
	procs     []*fakeProcess
}

func (l *fakeLauncher) Launch(app launcher.AppDescriptor, tool launcher.CompatTool, mods []launcher.Modifier, onExit func(GameProcess), ch *logsession.Channel) (GameProcess, error) {
	l.mu.Lock()
	l.calls = append(l.calls, launchCall{app: app, tool: tool, mods: mods})
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	p := &fakeProcess{
		pid:    1000 + len(l.procs),
		token:  fmt.Sprintf("session-%d", len(l.procs)+1),
		done:   make(chan struct{}),
		onExit: onExit,
	}
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	if l.exitEarly {
		p.exit()
	}
	return p, nil
}

func (l *fakeLauncher) TokenEnv() string { return launcher.DefaultTokenEnv }

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type fakeDevices struct {
	mu           sync.Mutex
	dev          device.Device
	present      bool
	mounted      bool
	disconnected int
}

func (d *fakeDevices) Current() (device.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev, d.present
}

func (d *fakeDevices) IsMounted(ctx context.Context) (bool, error) {
	return d.mounted, nil
}

func (d *fakeDevices) DisconnectNetwork(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected++
	return nil
}

// fakeProcs maps session tokens to the pids carrying them
type fakeProcs struct {
	mu      sync.Mutex
	byToken map[string][]int
	killed  []int
}

func (p *fakeProcs) FindByEnv(key, value string) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key != launcher.DefaultTokenEnv {
		return nil, nil
	}
	return p.byToken[value], nil
}

func (p *fakeProcs) FindByName(name string) ([]int, error) {
	return nil, nil
}

func (p *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sig != syscall.SIGKILL {
		return errors.New("unexpected signal")
	}
	p.killed = append(p.killed, pid)
	return nil
}

func (p *fakeProcs) killedPIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.killed...)
}

var _ proctable.Table = (*fakeProcs)(nil)

type fakeAudio struct {
	mu         sync.Mutex
	outputs    []audio.Device
	inputs     []audio.Device
	setOutputs []audio.Device
	setInputs  []audio.Device
}

func (a *fakeAudio) OutputDevices(ctx context.Context) ([]audio.Device, error) {
	return a.outputs, nil
}

func (a *fakeAudio) InputDevices(ctx context.Context) ([]audio.Device, error) {
	return a.inputs, nil
}

func (a *fakeAudio) SetDefaultOutput(ctx context.Context, d audio.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setOutputs = append(a.setOutputs, d)
	return nil
}

func (a *fakeAudio) SetDefaultInput(ctx context.Context, d audio.Device) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setInputs = append(a.setInputs, d)
	return nil
}

type fakeOverlay struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (o *fakeOverlay) Start(ch *logsession.Channel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	return nil
}

func (o *fakeOverlay) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops++
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]session.Record
	saves   int
}

func (h *fakeHistory) Save(record *session.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.records == nil {
		h.records = make(map[string]session.Record)
	}
	h.records[record.ID] = *record
	h.saves++
	return nil
}

func (h *fakeHistory) get(id string) (session.Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[id]
	return r, ok
}

type fakePlaytime struct {
	mu    sync.Mutex
	added map[string]int
}

func (p *fakePlaytime) AddPlaytime(ctx context.Context, id string, seconds int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.added == nil {
		p.added = make(map[string]int)
	}
	p.added[id]++
	return nil
}

type recordingHub struct {
	mu        sync.Mutex
	messages  []string
	onPublish func(msg string)
}

func (h *recordingHub) Publish(msg string) int {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	hook := h.onPublish
	h.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return 1
}

func (h *recordingHub) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}
