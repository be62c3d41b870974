// Package overlay manages the wlx-overlay-s desktop overlay shown inside the
// headset while a game runs.
package overlay

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
)

// ErrExited is returned when the overlay dies during its grace period
var ErrExited = errors.New("overlay exited unexpectedly")

const (
	defaultBinary = "wlx-overlay-s"
	defaultGrace  = 500 * time.Millisecond
	stopTimeout   = 3 * time.Second
)

// Manager owns at most one overlay process
type Manager struct {
	binary string
	grace  time.Duration
	log    *logger.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// New returns a manager for binary
func New(binary string, grace time.Duration, log *logger.Logger) *Manager {
	if binary == "" {
		binary = defaultBinary
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{binary: binary, grace: grace, log: log.Named("overlay")}
}

// Start replaces any running overlay with a fresh one logging into ch
func (m *Manager) Start(ch *logsession.Channel) error {
	if err := m.Stop(); err != nil {
		m.log.Warnw("failed to stop previous overlay", "error", err)
	}

	cmd := exec.Command(m.binary, "--replace", "--openxr")
	if err := ch.StartCommand(cmd); err != nil {
		return fmt.Errorf("failed to start overlay: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	m.mu.Lock()
	m.cmd, m.done = cmd, done
	m.mu.Unlock()

	select {
	case <-done:
		m.mu.Lock()
		if m.cmd == cmd {
			m.cmd, m.done = nil, nil
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExited, cmd.ProcessState)
	case <-time.After(m.grace):
	}

	m.log.Infow("overlay started", "pid", cmd.Process.Pid)
	return nil
}

// Running reports whether an overlay process is alive
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Stop kills the overlay and waits for it to exit. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.cmd, m.done = nil, nil
	m.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill overlay: %w", err)
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		return fmt.Errorf("overlay %d did not exit", cmd.Process.Pid)
	}
	m.log.Info("overlay stopped")
	return nil
}
