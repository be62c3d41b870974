package logsession

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Stream identifies one of a process's output streams
type Stream int

const (
	// Stdout is the standard output stream
	Stdout Stream = iota
	// Stderr is the standard error stream
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineHandler observes every line written to a channel. It runs on the
// reader goroutine outside the channel lock and must not block.
type LineHandler func(line string, stream Stream)

const closeDrainTimeout = 200 * time.Millisecond

// ErrChannelClosed is returned when attaching a process to a closed channel
var ErrChannelClosed = errors.New("log channel closed")

// Channel is a named log sink within a Session. Each channel owns one log
// file and keeps separate bounded tails of recent stdout and stderr lines.
type Channel struct {
	name    string
	path    string
	label   string
	console io.Writer
	now     func() time.Time

	mu      sync.Mutex
	file    *os.File
	tails   [2]*Tail
	handler LineHandler
	pipes   []*os.File
	closed  bool

	readers sync.WaitGroup
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.name
}

// Path returns the channel's log file path
func (c *Channel) Path() string {
	return c.path
}

// SetLineHandler installs h as the line observer, replacing any previous one
func (c *Channel) SetLineHandler(h LineHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Write records a line: it is timestamped into the log file, mirrored to the
// console and appended to the stream's tail.
func (c *Channel) Write(line string, stream Stream) {
	ts := c.now()

	c.mu.Lock()
	if c.file != nil {
		_, _ = fmt.Fprintf(c.file, "%s [%s] %s\n", ts.Format("2006-01-02 15:04:05.000"), stream, line)
	}
	c.tails[stream].Push(line)
	handler := c.handler
	c.mu.Unlock()

	if c.console != nil {
		kind := "Output"
		if stream == Stderr {
			kind = "Error"
		}
		_, _ = fmt.Fprintf(c.console, "%s %s %s: %s\n", ts.Format("15:04:05"), c.label, kind, line)
	}

	if handler != nil {
		handler(line, stream)
	}
}

// Tail returns the retained lines of stream, oldest first
func (c *Channel) Tail(stream Stream) []string {
	return c.tails[stream].Lines()
}

// LastLine returns the most recent line of stream
func (c *Channel) LastLine(stream Stream) (string, bool) {
	return c.tails[stream].Last()
}

// StartCommand starts cmd with its stdout and stderr piped into the channel.
// Two reader goroutines consume the pipes until the process (and any child
// holding the pipes) exits or the channel is closed.
func (c *Channel) StartCommand(cmd *exec.Cmd) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW
	startErr := cmd.Start()

	// The child holds its own copies of the write ends
	_ = outW.Close()
	_ = errW.Close()

	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return startErr
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = outR.Close()
		_ = errR.Close()
		return nil
	}
	c.pipes = append(c.pipes, outR, errR)
	c.readers.Add(2)
	c.mu.Unlock()

	go c.read(outR, Stdout)
	go c.read(errR, Stderr)
	return nil
}

func (c *Channel) read(r io.Reader, stream Stream) {
	defer c.readers.Done()

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" || err == nil {
			c.Write(line, stream)
		}
		if err != nil {
			return
		}
	}
}

// Drain waits up to timeout for the reader goroutines to reach end of
// stream. It reports whether they finished.
func (c *Channel) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the readers and closes the log file. Closing the read ends of
// the pipes unblocks readers even when the process is still running or was
// killed. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pipes := c.pipes
	c.pipes = nil
	c.mu.Unlock()

	// Let buffered output of exited processes reach the file first
	c.Drain(closeDrainTimeout)
	for _, p := range pipes {
		_ = p.Close()
	}
	c.readers.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log file %s: %w", c.path, err)
	}
	return nil
}
