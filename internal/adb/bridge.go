// Package adb wraps the Android device bridge tool used to reach the headset.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// ErrCommandFailed is returned when the bridge tool exits unsuccessfully
var ErrCommandFailed = errors.New("adb command failed")

// ErrConnectFailed is returned when a network connection cannot be established
var ErrConnectFailed = errors.New("adb connect failed")

// Bridge runs device bridge commands. Target is either a USB serial or a
// host:port network address.
type Bridge interface {
	Shell(ctx context.Context, target string, args ...string) ([]byte, error)
	Reverse(ctx context.Context, target string, port int) error
	Connect(ctx context.Context, hostport string) error
	Disconnect(ctx context.Context, hostport string) error
	StartActivity(ctx context.Context, target string, intent Intent) error
}

// Intent describes an activity start request
type Intent struct {
	Action  string
	Data    string
	Package string
}

// Args returns the `am start` arguments for the intent
func (i Intent) Args() []string {
	args := []string{"am", "start"}
	if i.Action != "" {
		args = append(args, "-a", i.Action)
	}
	if i.Data != "" {
		args = append(args, "-d", i.Data)
	}
	if i.Package != "" {
		args = append(args, i.Package)
	}
	return args
}

// CommandError carries the failed invocation and its captured stderr
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("adb %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Err}
}

// Exec is a Bridge that shells out to the adb binary
type Exec struct {
	binary string
}

// New returns a Bridge running binary (usually "adb")
func New(binary string) *Exec {
	if binary == "" {
		binary = "adb"
	}
	return &Exec{binary: binary}
}

func (e *Exec) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// Shell runs a remote shell command on target and returns its stdout
func (e *Exec) Shell(ctx context.Context, target string, args ...string) ([]byte, error) {
	return e.run(ctx, append([]string{"-s", target, "shell"}, args...)...)
}

// Reverse forwards the device's tcp:port to the host's tcp:port
func (e *Exec) Reverse(ctx context.Context, target string, port int) error {
	spec := "tcp:" + strconv.Itoa(port)
	_, err := e.run(ctx, "-s", target, "reverse", spec, spec)
	return err
}

// Connect attaches to a device over the network. adb reports connection
// failures on stdout with a zero exit status, so the output is inspected.
func (e *Exec) Connect(ctx context.Context, hostport string) error {
	out, err := e.run(ctx, "connect", hostport)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(string(out))
	if strings.Contains(text, "connected to") {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrConnectFailed, hostport, text)
}

// Disconnect drops a network connection
func (e *Exec) Disconnect(ctx context.Context, hostport string) error {
	_, err := e.run(ctx, "disconnect", hostport)
	return err
}

// StartActivity launches an activity on target
func (e *Exec) StartActivity(ctx context.Context, target string, intent Intent) error {
	_, err := e.Shell(ctx, target, intent.Args()...)
	return err
}

var inetPattern = regexp.MustCompile(`inet (\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})/\d+`)

// ParseInterfaceAddress extracts the first IPv4 address from `ip addr show` output
func ParseInterfaceAddress(output string) (string, bool) {
	m := inetPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseWakefulness reports whether `dumpsys power` shows the device awake,
// which on standalone headsets means it is being worn.
func ParseWakefulness(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "mWakefulness=Awake" {
			return true
		}
	}
	return false
}
