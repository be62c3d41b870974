// Package logsession provides per-launch scoped logging. A Session owns a set
// of named channels, each backed by a timestamped log file; superseded
// sessions are archived into compressed tarballs in the same directory.
package logsession

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// TimestampLayout is the session timestamp embedded in log file names
const TimestampLayout = "2006-01-02_15:04:05"

const defaultTailBytes = 16 * 1024

var (
	// ErrChannelConflict is returned when a channel name is reused within a session
	ErrChannelConflict = errors.New("log channel already exists")
	// ErrInvalidChannelName is returned for empty names or names containing a path separator
	ErrInvalidChannelName = errors.New("invalid log channel name")
	// ErrSessionClosed is returned when creating a channel on a shut down session
	ErrSessionClosed = errors.New("log session closed")
)

var channelColors = []lipgloss.Color{"12", "10", "13", "14", "11", "9"}

// Option configures a Session
type Option func(*Session)

// WithConsole mirrors channel lines to w instead of stdout. A nil writer
// disables mirroring.
func WithConsole(w io.Writer) Option {
	return func(s *Session) {
		s.console = w
	}
}

// WithTailBytes sets the per-stream tail budget of each channel
func WithTailBytes(n int) Option {
	return func(s *Session) {
		s.tailBytes = n
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session is a scoped logging resource for one launch attempt
type Session struct {
	dir       string
	startedAt time.Time
	console   io.Writer
	tailBytes int
	now       func() time.Time

	mu       sync.Mutex
	channels map[string]*Channel
	order    []string
	closed   bool
}

// NewSession creates a session writing into dir, creating it if needed
func NewSession(dir string, opts ...Option) (*Session, error) {
	s := &Session{
		dir:       dir,
		console:   os.Stdout,
		tailBytes: defaultTailBytes,
		now:       time.Now,
		channels:  make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	return s, nil
}

// Dir returns the logs directory
func (s *Session) Dir() string {
	return s.dir
}

// StartedAt returns the session creation time
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// CreateChannel allocates a new channel and its log file
func (s *Session) CreateChannel(name string) (*Channel, error) {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := s.channels[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelConflict, name)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.log", s.startedAt.Format(TimestampLayout), name))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	color := channelColors[len(s.order)%len(channelColors)]
	ch := &Channel{
		name:    name,
		path:    path,
		label:   lipgloss.NewStyle().Foreground(color).Bold(true).Render("[" + name + "]"),
		console: s.console,
		now:     s.now,
		file:    file,
		tails:   [2]*Tail{NewTail(s.tailBytes), NewTail(s.tailBytes)},
	}

	s.channels[name] = ch
	s.order = append(s.order, name)
	return ch, nil
}

// Channel returns the channel registered under name
func (s *Session) Channel(name string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// Channels returns channel names in creation order
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// ArchiveOldFiles archives every loose log file in the session directory
func (s *Session) ArchiveOldFiles() error {
	_, err := Archive(s.dir)
	return err
}

// Shutdown closes every channel and archives the session's files. It is
// idempotent.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := make([]*Channel, 0, len(s.order))
	for _, name := range s.order {
		channels = append(channels, s.channels[name])
	}
	s.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := Archive(s.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
