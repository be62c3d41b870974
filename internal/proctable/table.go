// Package proctable enumerates live processes and signals them. Processes
// are located by environment entry or command name instead of a recorded PID,
// which may have been reused or may belong to a wrapper process.
package proctable

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ErrProcessNotFound is returned when no process matches a lookup
var ErrProcessNotFound = errors.New("no matching process")

// Table finds and signals processes
type Table interface {
	FindByEnv(key, value string) ([]int, error)
	FindByName(name string) ([]int, error)
	Signal(pid int, sig syscall.Signal) error
}

// ProcFS is a Table backed by a procfs mount
type ProcFS struct {
	fs   procfs.FS
	self int
}

// New returns a Table reading the default /proc mount
func New() (*ProcFS, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcFS{fs: fs, self: os.Getpid()}, nil
}

// NewAt returns a Table reading a procfs mounted at mountPoint
func NewAt(mountPoint string) (*ProcFS, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcFS{fs: fs, self: os.Getpid()}, nil
}

// FindByEnv returns the PIDs of all processes whose environment block holds
// exactly KEY=VALUE. Processes whose environment cannot be read (exited,
// or owned by another user) are skipped. The calling process is never
// returned.
func (p *ProcFS) FindByEnv(key, value string) ([]int, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	want := key + "=" + value
	var pids []int
	for _, proc := range procs {
		if proc.PID == p.self {
			continue
		}
		environ, err := proc.Environ()
		if err != nil {
			continue
		}
		for _, entry := range environ {
			if entry == want {
				pids = append(pids, proc.PID)
				break
			}
		}
	}
	return pids, nil
}

// FindByName returns the PIDs of all processes whose command name equals
// name. The kernel truncates command names to 15 bytes, so longer names are
// compared by prefix.
func (p *ProcFS) FindByName(name string) ([]int, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	want := name
	if len(want) > commLen {
		want = want[:commLen]
	}

	var pids []int
	for _, proc := range procs {
		if proc.PID == p.self {
			continue
		}
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		if comm == want {
			pids = append(pids, proc.PID)
		}
	}
	return pids, nil
}

// Signal delivers sig to pid
func (p *ProcFS) Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("failed to signal process %d: %w", pid, ErrProcessNotFound)
		}
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

const commLen = 15

// Alive reports whether pid still exists
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillAll sends SIGKILL to every pid and waits up to timeout for them to
// disappear. Processes that are already gone are not an error.
func KillAll(t Table, pids []int, timeout time.Duration) error {
	var errs []error
	for _, pid := range pids {
		if err := t.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessNotFound) {
			errs = append(errs, err)
		}
	}

	deadline := time.Now().Add(timeout)
	for _, pid := range pids {
		for Alive(pid) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
	}

	return errors.Join(errs...)
}
