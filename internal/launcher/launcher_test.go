package launcher

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svrl/svrl/internal/logsession"
)

// compatScript stands in for a proton script: invoked as `<tool> run <exe> args...`
const compatScript = `#!/bin/sh
echo "verb=$1 exe=$2"
shift 2
echo "args=$*"
echo "token=$SVRL_TOKEN"
echo "foo=$FOO"
echo "cwd=$(pwd)"
exec sleep "${SLEEP:-0}"
`

type fixture struct {
	app  AppDescriptor
	tool CompatTool
	ch   *logsession.Channel
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()

	appDir := filepath.Join(root, "game")
	require.NoError(t, os.MkdirAll(appDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "Game.exe"), []byte("MZ"), 0644))

	tool := filepath.Join(root, "proton")
	require.NoError(t, os.WriteFile(tool, []byte(compatScript), 0755))

	s, err := logsession.NewSession(filepath.Join(root, "logs"), logsession.WithConsole(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	ch, err := s.CreateChannel("game")
	require.NoError(t, err)

	return fixture{
		app: AppDescriptor{
			SteamID:    620980,
			Title:      "Test Game",
			AppFolder:  appDir,
			Executable: "Game.exe",
			Args:       []string{"-vrmode", "openxr"},
		},
		tool: CompatTool{Name: "Proton Test", Executable: tool},
		ch:   ch,
	}
}

func waitDone(t *testing.T, h *ProcessHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func stdoutValue(t *testing.T, ch *logsession.Channel, key string) string {
	t.Helper()
	require.True(t, ch.Drain(2*time.Second))
	for _, line := range ch.Tail(logsession.Stdout) {
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"=")
		}
	}
	t.Fatalf("no %s line in output", key)
	return ""
}

func TestLaunchInjectsTokenAndRunsTool(t *testing.T) {
	f := newFixture(t)
	l := New("/bin/sh", "", nil)

	exited := make(chan *ProcessHandle, 1)
	h, err := l.Launch(f.app, f.tool, nil, func(h *ProcessHandle) { exited <- h }, f.ch)
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)
	assert.Len(t, h.Token(), 36)

	waitDone(t, h)
	assert.NoError(t, h.Err())

	select {
	case got := <-exited:
		assert.Same(t, h, got)
	case <-time.After(time.Second):
		t.Fatal("exit callback not invoked")
	}

	assert.Equal(t, h.Token(), stdoutValue(t, f.ch, "token"))
	assert.Equal(t, "run exe="+filepath.Join(f.app.AppFolder, "Game.exe"), stdoutValue(t, f.ch, "verb"))
	assert.Equal(t, "-vrmode openxr", stdoutValue(t, f.ch, "args"))
	assert.Equal(t, f.app.AppFolder, stdoutValue(t, f.ch, "cwd"))
}

func TestLaunchModifiersRunInOrder(t *testing.T) {
	f := newFixture(t)
	l := New("/bin/sh", "", nil)

	mods := []Modifier{
		EnvModifier{"FOO": "first"},
		EnvModifier{"FOO": "second"},
		// A modifier cannot replace the session token
		EnvModifier{DefaultTokenEnv: "hijacked"},
	}

	h, err := l.Launch(f.app, f.tool, mods, nil, f.ch)
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, "second", stdoutValue(t, f.ch, "foo"))
	assert.Equal(t, h.Token(), stdoutValue(t, f.ch, "token"))
}

func TestLaunchUniqueTokens(t *testing.T) {
	f := newFixture(t)
	l := New("/bin/sh", "", nil)

	a, err := l.Launch(f.app, f.tool, nil, nil, f.ch)
	require.NoError(t, err)
	b, err := l.Launch(f.app, f.tool, nil, nil, f.ch)
	require.NoError(t, err)
	waitDone(t, a)
	waitDone(t, b)

	assert.NotEqual(t, a.Token(), b.Token())
}

func TestLaunchPreflight(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		kind   string
	}{
		{
			name:   "missing working directory",
			mutate: func(f *fixture) { f.app.WorkingDir = "/nonexistent/work" },
			kind:   "working directory",
		},
		{
			name:   "missing install directory",
			mutate: func(f *fixture) { f.app.WorkingDir = f.app.AppFolder; f.app.AppFolder = "/nonexistent/install" },
			kind:   "install directory",
		},
		{
			name:   "missing executable",
			mutate: func(f *fixture) { f.app.Executable = "Missing.exe" },
			kind:   "executable",
		},
		{
			name:   "missing compat tool",
			mutate: func(f *fixture) { f.tool.Executable = "/nonexistent/proton" },
			kind:   "compat tool",
		},
		{
			name:   "unset compat tool",
			mutate: func(f *fixture) { f.tool.Executable = "" },
			kind:   "compat tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(&f)

			h, err := New("/bin/sh", "", nil).Launch(f.app, f.tool, nil, nil, f.ch)
			assert.Nil(t, h)
			require.ErrorIs(t, err, ErrPreflightPathMissing)

			var pathErr *PathError
			require.ErrorAs(t, err, &pathErr)
			assert.Equal(t, tt.kind, pathErr.Kind)
			assert.Empty(t, f.ch.Tail(logsession.Stdout))
		})
	}
}

func TestLaunchImmediateExitIsNotAnError(t *testing.T) {
	f := newFixture(t)
	failing := filepath.Join(t.TempDir(), "broken-proton")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\necho crashed >&2\nexit 3\n"), 0755))
	f.tool.Executable = failing

	h, err := New("/bin/sh", "", nil).Launch(f.app, f.tool, nil, nil, f.ch)
	require.NoError(t, err)
	waitDone(t, h)

	var exitErr *exec.ExitError
	require.ErrorAs(t, h.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestErrBeforeExit(t *testing.T) {
	f := newFixture(t)
	l := New("/bin/sh", "", nil)

	h, err := l.Launch(f.app, f.tool, []Modifier{EnvModifier{"SLEEP": "30"}}, nil, f.ch)
	require.NoError(t, err)
	defer func() {
		p, _ := os.FindProcess(h.PID())
		_ = p.Kill()
		waitDone(t, h)
	}()

	assert.NoError(t, h.Err())
	select {
	case <-h.Done():
		t.Fatal("process exited early")
	default:
	}
}
