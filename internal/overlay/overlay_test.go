package overlay

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
)

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wlx-overlay-s")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func channel(t *testing.T) *logsession.Channel {
	t.Helper()
	s, err := logsession.NewSession(t.TempDir(), logsession.WithConsole(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	ch, err := s.CreateChannel("overlay")
	require.NoError(t, err)
	return ch
}

func TestStartAndStop(t *testing.T) {
	m := New(script(t, `echo "$@"; exec sleep 30`), 100*time.Millisecond, logger.Nop())
	ch := channel(t)

	require.NoError(t, m.Start(ch))
	assert.True(t, m.Running())

	assert.Eventually(t, func() bool {
		line, ok := ch.LastLine(logsession.Stdout)
		return ok && line == "--replace --openxr"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.Running())
	require.NoError(t, m.Stop())
}

func TestStartReplacesRunningOverlay(t *testing.T) {
	m := New(script(t, `exec sleep 30`), 50*time.Millisecond, logger.Nop())
	ch := channel(t)

	require.NoError(t, m.Start(ch))
	first := m.cmd.Process.Pid

	require.NoError(t, m.Start(ch))
	defer m.Stop()
	assert.NotEqual(t, first, m.cmd.Process.Pid)
}

func TestStartFailsWhenOverlayExits(t *testing.T) {
	m := New(script(t, `exit 1`), 200*time.Millisecond, logger.Nop())

	err := m.Start(channel(t))
	assert.ErrorIs(t, err, ErrExited)
	assert.False(t, m.Running())
}

func TestStartMissingBinary(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "missing"), 0, logger.Nop())
	assert.Error(t, m.Start(channel(t)))
}
