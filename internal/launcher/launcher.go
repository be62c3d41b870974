// Package launcher spawns compatibility-wrapped game processes. Each process
// is tagged with a unique session token in its environment so it can be
// found again without trusting a recorded PID.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
)

// DefaultTokenEnv is the environment variable carrying the session token
const DefaultTokenEnv = "SVRL_TOKEN"

// ErrPreflightPathMissing is returned when a required path does not exist
var ErrPreflightPathMissing = errors.New("required path missing")

// PathError names the missing path and its role
type PathError struct {
	Kind string
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Path)
}

// Unwrap lets errors.Is match ErrPreflightPathMissing
func (e *PathError) Unwrap() error {
	return ErrPreflightPathMissing
}

// ExitFunc is called once a launched process has exited
type ExitFunc func(h *ProcessHandle)

// Launcher starts games through a compat tool
type Launcher struct {
	interpreter string
	tokenEnv    string
	log         *logger.Logger
}

// New returns a Launcher running compat tools with interpreter (normally
// python3) and tagging processes with tokenEnv.
func New(interpreter, tokenEnv string, log *logger.Logger) *Launcher {
	if interpreter == "" {
		interpreter = "python3"
	}
	if tokenEnv == "" {
		tokenEnv = DefaultTokenEnv
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Launcher{interpreter: interpreter, tokenEnv: tokenEnv, log: log}
}

// TokenEnv returns the environment variable used for session tokens
func (l *Launcher) TokenEnv() string {
	return l.tokenEnv
}

// Launch validates the app and compat tool paths, then starts
// `<interpreter> <tool> run <executable> <args...>` with its output piped
// into ch. A process that exits right after starting is reported through
// the handle and onExit, not as an error.
func (l *Launcher) Launch(app AppDescriptor, tool CompatTool, mods []Modifier, onExit ExitFunc, ch *logsession.Channel) (*ProcessHandle, error) {
	workDir := app.ResolvedWorkingDir()
	exe := app.Executable
	if !filepath.IsAbs(exe) {
		exe = filepath.Join(workDir, exe)
	}

	if err := preflight(
		PathError{Kind: "working directory", Path: workDir},
		PathError{Kind: "install directory", Path: app.AppFolder},
		PathError{Kind: "executable", Path: exe},
		PathError{Kind: "compat tool", Path: tool.Executable},
	); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	args := append([]string{tool.Executable, "run", exe}, app.Args...)
	cmd := exec.Command(l.interpreter, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = sysProcAttr()
	SetEnv(cmd, "_", tool.Executable)
	SetEnv(cmd, l.tokenEnv, token)

	// Variables from the app's own command line override modifier defaults
	all := append(Modifiers(mods), EnvModifier(app.Env))
	if err := all.Apply(cmd, app, tool); err != nil {
		return nil, fmt.Errorf("failed to apply launch modifiers: %w", err)
	}
	// Modifiers must not clobber the token
	SetEnv(cmd, l.tokenEnv, token)

	if err := ch.StartCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", app.Title, err)
	}

	h := &ProcessHandle{
		pid:       cmd.Process.Pid,
		token:     token,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	l.log.Infow("game process started", "title", app.Title, "pid", h.pid, "token", token, "compat_tool", tool.Name)

	go func() {
		h.err = cmd.Wait()
		close(h.done)
		l.log.Infow("game process exited", "title", app.Title, "pid", h.pid, "error", h.err)
		if onExit != nil {
			onExit(h)
		}
	}()

	return h, nil
}

func preflight(checks ...PathError) error {
	for _, check := range checks {
		if check.Path == "" {
			return &PathError{Kind: check.Kind, Path: "(unset)"}
		}
		if _, err := os.Stat(check.Path); err != nil {
			e := check
			return &e
		}
	}
	return nil
}

// ProcessHandle tracks a launched game process
type ProcessHandle struct {
	pid       int
	token     string
	startedAt time.Time
	done      chan struct{}
	err       error
}

// PID returns the process id of the compat tool wrapper
func (h *ProcessHandle) PID() int {
	return h.pid
}

// Token returns the session token injected into the process environment
func (h *ProcessHandle) Token() string {
	return h.token
}

// StartedAt returns the spawn time
func (h *ProcessHandle) StartedAt() time.Time {
	return h.startedAt
}

// Done is closed when the process has exited
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the wait error once Done is closed
func (h *ProcessHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
