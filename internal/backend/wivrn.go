package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/svrl/svrl/internal/adb"
	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/config"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/proctable"
)

const (
	serverProcessName = "wivrn-server"
	systemManifest    = "/usr/share/openxr/1/openxr_wivrn.json"
	unknownError      = "Unknown error"
	drainTimeout      = 500 * time.Millisecond
	stopTimeout       = 3 * time.Second
	readyPoll         = 100 * time.Millisecond
)

// Options tunes the WiVRn runtime
type Options struct {
	StartGrace       time.Duration
	ReconnectDelay   time.Duration
	TunnelPort       int
	ClientPackage    string
	AudioMatch       string
	ReconnectPattern string

	// RuntimeDir defaults to $XDG_RUNTIME_DIR
	RuntimeDir string
	// ConfigHome defaults to ~/.config
	ConfigHome string
	// SystemManifest defaults to the distribution package location
	SystemManifest string
}

// OptionsFromConfig maps the backend configuration section to Options
func OptionsFromConfig(cfg config.Backend) Options {
	return Options{
		StartGrace:       cfg.StartGrace,
		ReconnectDelay:   cfg.ReconnectDelay,
		TunnelPort:       cfg.TunnelPort,
		ClientPackage:    cfg.WiVRn.ClientPackage,
		AudioMatch:       cfg.WiVRn.AudioMatch,
		ReconnectPattern: cfg.WiVRn.ReconnectPattern,
	}
}

func (o Options) withDefaults() Options {
	if o.StartGrace <= 0 {
		o.StartGrace = 2 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.TunnelPort == 0 {
		o.TunnelPort = 9757
	}
	if o.ClientPackage == "" {
		o.ClientPackage = "org.meumeu.wivrn.github"
	}
	if o.AudioMatch == "" {
		o.AudioMatch = "wivrn"
	}
	if o.ReconnectPattern == "" {
		o.ReconnectPattern = "Exception in network thread: Socket shutdown"
	}
	if o.RuntimeDir == "" {
		o.RuntimeDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if o.ConfigHome == "" {
		if home, err := homedir.Dir(); err == nil {
			o.ConfigHome = filepath.Join(home, ".config")
		}
	}
	if o.SystemManifest == "" {
		o.SystemManifest = systemManifest
	}
	return o
}

// WiVRn runs wivrn-server and points the headset's WiVRn client at it
type WiVRn struct {
	binary string
	opts   Options
	link   DeviceLink
	procs  proctable.Table
	log    *logger.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewWiVRn resolves binary on PATH and returns an unstarted backend
func NewWiVRn(binary string, opts Options, link DeviceLink, procs proctable.Table, log *logger.Logger) (*WiVRn, error) {
	if binary == "" {
		binary = serverProcessName
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("wivrn server binary not found: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &WiVRn{
		binary: path,
		opts:   opts.withDefaults(),
		link:   link,
		procs:  procs,
		log:    log.Named("wivrn"),
	}, nil
}

// Type returns "wivrn"
func (w *WiVRn) Type() string {
	return string(KindWiVRn)
}

// Binary returns the resolved server binary path
func (w *WiVRn) Binary() string {
	return w.binary
}

func (w *WiVRn) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Start spawns the server unless one this backend started is still alive,
// then connects the headset client to it.
func (w *WiVRn) Start(ctx context.Context, ch *logsession.Channel) (StartInfo, error) {
	restarted := !w.running()
	if restarted {
		w.killOrphans()
		if err := w.spawn(ctx, ch); err != nil {
			return StartInfo{}, err
		}
	}

	if err := w.Reconnect(ctx); err != nil {
		return StartInfo{}, err
	}

	dev, ok := w.link.Current()
	if !ok {
		return StartInfo{}, device.ErrNoDevice
	}
	return StartInfo{Serial: dev.Serial, IP: dev.IP, WasRestarted: restarted}, nil
}

func (w *WiVRn) killOrphans() {
	if w.procs == nil {
		return
	}
	pids, err := w.procs.FindByName(serverProcessName)
	if err != nil {
		w.log.Warnw("failed to list orphaned servers", "error", err)
		return
	}
	if len(pids) == 0 {
		return
	}
	w.log.Infow("killing orphaned wivrn servers", "pids", pids)
	if err := proctable.KillAll(w.procs, pids, stopTimeout); err != nil {
		w.log.Warnw("failed to kill orphaned servers", "error", err)
	}
}

func (w *WiVRn) spawn(ctx context.Context, ch *logsession.Channel) error {
	w.log.Infow("starting wivrn server", "binary", w.binary)

	cmd := exec.Command(w.binary, "--early-active-runtime")
	ch.SetLineHandler(w.handleLine)
	if err := ch.StartCommand(cmd); err != nil {
		return fmt.Errorf("failed to start wivrn server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	w.mu.Lock()
	w.cmd = cmd
	w.done = done
	w.mu.Unlock()

	timer := time.NewTimer(w.opts.StartGrace)
	defer timer.Stop()

	select {
	case <-done:
		ch.Drain(drainTimeout)
		line, ok := ch.LastLine(logsession.Stderr)
		if !ok || line == "" {
			line = unknownError
		}
		w.clear(cmd)
		w.log.Errorw("wivrn server exited during startup", "exit", cmd.ProcessState.String(), "last_line", line)
		return &StartError{LastLine: line}
	case <-ctx.Done():
		_ = w.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	w.log.Infow("wivrn server started", "pid", cmd.Process.Pid)
	return nil
}

func (w *WiVRn) clear(cmd *exec.Cmd) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == cmd {
		w.cmd = nil
		w.done = nil
	}
}

func (w *WiVRn) handleLine(line string, _ logsession.Stream) {
	if !strings.Contains(line, w.opts.ReconnectPattern) {
		return
	}
	w.log.Warnw("wivrn client lost connection, reconnecting", "delay", w.opts.ReconnectDelay)
	go func() {
		time.Sleep(w.opts.ReconnectDelay)
		if err := w.Reconnect(context.Background()); err != nil {
			w.log.Warnw("automatic reconnect failed", "error", err)
		}
	}()
}

// Reconnect reopens the tunnel and restarts the headset client. It does
// nothing if the server is not running.
func (w *WiVRn) Reconnect(ctx context.Context) error {
	if !w.running() {
		return nil
	}

	if err := w.link.OpenTunnel(ctx, w.opts.TunnelPort); err != nil {
		return fmt.Errorf("failed to forward wivrn port: %w", err)
	}
	err := w.link.StartActivity(ctx, adb.Intent{
		Action:  "android.intent.action.VIEW",
		Data:    fmt.Sprintf("wivrn+tcp://127.0.0.1:%d", w.opts.TunnelPort),
		Package: w.opts.ClientPackage,
	})
	if err != nil {
		return fmt.Errorf("failed to start wivrn client: %w", err)
	}
	return nil
}

func (w *WiVRn) readyMarker() string {
	return filepath.Join(w.opts.RuntimeDir, "wivrn", "comp_ipc")
}

// IsReady reports whether the compositor IPC socket exists
func (w *WiVRn) IsReady() bool {
	if w.opts.RuntimeDir == "" {
		return false
	}
	_, err := os.Stat(w.readyMarker())
	return err == nil
}

// WaitReady blocks until IsReady or timeout
func (w *WiVRn) WaitReady(ctx context.Context, timeout time.Duration) error {
	if w.opts.RuntimeDir == "" {
		return fmt.Errorf("%w: XDG_RUNTIME_DIR is not set", ErrNotReady)
	}
	return WaitForPath(ctx, w.readyMarker(), timeout, readyPoll)
}

// Stop kills the server if this backend started one
func (w *WiVRn) Stop() error {
	w.mu.Lock()
	cmd, done := w.cmd, w.done
	w.cmd, w.done = nil, nil
	w.mu.Unlock()

	if cmd == nil {
		return nil
	}

	w.log.Infow("stopping wivrn server", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill wivrn server: %w", err)
	}

	select {
	case <-done:
	case <-time.After(stopTimeout):
		return fmt.Errorf("wivrn server %d did not exit", cmd.Process.Pid)
	}
	return nil
}

// MatchesAudioDevice reports whether d is one of the virtual endpoints the
// server creates
func (w *WiVRn) MatchesAudioDevice(d audio.Device) bool {
	return strings.Contains(strings.ToLower(d.Description), strings.ToLower(w.opts.AudioMatch))
}

// LaunchModifiers exposes the runtime to pressure-vessel and makes it the
// active OpenXR runtime
func (w *WiVRn) LaunchModifiers() ([]launcher.Modifier, error) {
	manifest, err := w.locateManifest()
	if err != nil {
		return nil, err
	}
	return w.runtimeModifiers(manifest)
}

func (w *WiVRn) runtimeModifiers(manifest string) ([]launcher.Modifier, error) {
	if w.opts.RuntimeDir == "" {
		return nil, errors.New("XDG_RUNTIME_DIR is not set")
	}
	if w.opts.ConfigHome == "" {
		return nil, errors.New("unable to resolve the user config directory")
	}

	rw := strings.Join([]string{
		filepath.Join(w.opts.RuntimeDir, "wivrn_comp_ipc"),
		filepath.Join(w.opts.RuntimeDir, "wivrn", "comp_ipc"),
		filepath.Join(w.opts.RuntimeDir, "monado_comp_ipc"),
	}, ":")

	return []launcher.Modifier{
		launcher.EnvModifier{
			"PRESSURE_VESSEL_IMPORT_OPENXR_1_RUNTIMES": "1",
			"PRESSURE_VESSEL_FILESYSTEMS_RW":          rw,
		},
		launcher.SymlinkModifier{
			Target: manifest,
			Link:   filepath.Join(w.opts.ConfigHome, "openxr", "1", "active_runtime.json"),
		},
	}, nil
}

// locateManifest checks a development build, an install prefix, then the
// system location
func (w *WiVRn) locateManifest() (string, error) {
	prefix := filepath.Dir(filepath.Dir(w.binary))
	candidates := []string{
		filepath.Join(prefix, "openxr_wivrn-dev.json"),
		filepath.Join(prefix, "share", "openxr", "1", "openxr_wivrn.json"),
		w.opts.SystemManifest,
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrManifestNotFound
}
