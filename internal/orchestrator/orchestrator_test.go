package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/backend"
	"github.com/svrl/svrl/internal/catalog"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/games"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/session"
)

const testAppID uint32 = 620980

type harness struct {
	orch     *Orchestrator
	backend  *fakeBackend
	factory  *fakeFactory
	catalog  *fakeCatalog
	launcher *fakeLauncher
	devices  *fakeDevices
	procs    *fakeProcs
	audio    *fakeAudio
	overlay  *fakeOverlay
	history  *fakeHistory
	playtime *fakePlaytime
	hub      *recordingHub
	logDir   string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		backend: &fakeBackend{
			info:       backend.StartInfo{Serial: "ABC123", IP: "192.168.1.20", WasRestarted: true},
			audioMatch: "WiVRn",
		},
		catalog: &fakeCatalog{
			apps: map[uint32]launcher.AppDescriptor{
				testAppID: {SteamID: testAppID, Title: "Beat Saber", AppFolder: "/games/Beat Saber", Executable: "Beat Saber.exe"},
			},
			tools: map[string]launcher.CompatTool{
				"Proton 9.0": {Name: "Proton 9.0", Executable: "/steam/Proton 9.0/proton"},
			},
		},
		launcher: &fakeLauncher{},
		devices: &fakeDevices{
			dev:     device.Device{Serial: "ABC123", Vendor: device.VendorOculus, Connected: true},
			present: true,
			mounted: true,
		},
		procs:    &fakeProcs{byToken: map[string][]int{}},
		audio:    &fakeAudio{},
		overlay:  &fakeOverlay{},
		history:  &fakeHistory{},
		playtime: &fakePlaytime{},
		hub:      &recordingHub{},
		logDir:   t.TempDir(),
	}
	h.factory = &fakeFactory{backend: h.backend}

	if opts.AudioTimeout == 0 {
		opts.AudioTimeout = 50 * time.Millisecond
	}
	if opts.AudioPoll == 0 {
		opts.AudioPoll = 5 * time.Millisecond
	}
	h.orch = New(Deps{
		Backends: h.factory,
		Catalog:  h.catalog,
		Launcher: h.launcher,
		Devices:  h.devices,
		Procs:    h.procs,
		Hub:      h.hub,
		Audio:    h.audio,
		Overlay:  h.overlay,
		History:  h.history,
		Playtime: h.playtime,
		LogDir:   h.logDir,
		LogOpts:  []logsession.Option{logsession.WithConsole(io.Discard)},
	}, opts, logger.Nop())
	return h
}

func testGame() games.Game {
	id := testAppID
	proton := "Proton 9.0"
	return games.Game{
		ID:            "game-1",
		Title:         "Beat Saber",
		VRBackend:     "wivrn",
		SteamAppID:    &id,
		ProtonVersion: &proton,
	}
}

func TestLaunchLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	outcome, err := h.orch.Launch(ctx, "tok-1", testGame())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLaunched, outcome)
	assert.Equal(t, StateActive, h.orch.State())

	messages := h.hub.all()
	require.Len(t, messages, 1)
	assert.True(t, strings.HasPrefix(messages[0], MessageActivePrefix))
	assert.Contains(t, messages[0], `"vrDeviceSerial":"ABC123"`)
	assert.Contains(t, messages[0], `"title":"Beat Saber"`)

	active, ok := h.orch.Active()
	require.True(t, ok)
	assert.Equal(t, "ABC123", active.VRDeviceSerial)
	assert.Equal(t, "game-1", active.Game.ID)

	t.Run("second launch is rejected", func(t *testing.T) {
		outcome, err := h.orch.Launch(ctx, "tok-2", testGame())
		assert.ErrorIs(t, err, ErrSessionAlreadyActive)
		assert.Equal(t, OutcomeNone, outcome)
	})

	t.Run("same token is a duplicate", func(t *testing.T) {
		outcome, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	})

	assert.Equal(t, 1, h.launcher.launches())
	assert.Equal(t, 1, h.overlay.starts)

	proc := h.launcher.last()
	rec, ok := h.history.get(proc.Token())
	require.True(t, ok)
	assert.Equal(t, session.StatusRunning, rec.Status)
	assert.Equal(t, "wivrn", rec.Backend)

	proc.exit()

	assert.Equal(t, StateIdle, h.orch.State())
	_, ok = h.orch.Active()
	assert.False(t, ok)

	messages = h.hub.all()
	require.Len(t, messages, 2)
	assert.Equal(t, MessageInactive, messages[1])

	_, stops, _ := h.backend.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.overlay.stops)

	rec, ok = h.history.get(proc.Token())
	require.True(t, ok)
	assert.Equal(t, session.StatusStopped, rec.Status)
	assert.Equal(t, session.ExitNormal, rec.ExitReason)
	require.NotNil(t, rec.StoppedAt)
	assert.Equal(t, 1, h.playtime.added["game-1"])

	// A late exit notification for the same process changes nothing
	h.orch.onGameExit(proc)
	_, stops, _ = h.backend.counts()
	assert.Equal(t, 1, stops)
	assert.Len(t, h.hub.all(), 2)
}

func TestLaunchIdempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("token stays seen after the session ends", func(t *testing.T) {
		h := newHarness(t, Options{})
		_, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		h.launcher.last().exit()

		outcome, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
		assert.Equal(t, 1, h.launcher.launches())
		assert.Equal(t, StateIdle, h.orch.State())
	})

	t.Run("empty token is never deduplicated", func(t *testing.T) {
		h := newHarness(t, Options{})
		for i := 0; i < 2; i++ {
			outcome, err := h.orch.Launch(ctx, "", testGame())
			require.NoError(t, err)
			assert.Equal(t, OutcomeLaunched, outcome)
			h.launcher.last().exit()
		}
		assert.Equal(t, 2, h.launcher.launches())
	})

	t.Run("token of a failed launch is not retried", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.devices.present = false
		_, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.Error(t, err)

		h.devices.present = true
		outcome, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
		assert.Equal(t, 0, h.launcher.launches())
	})
}

func TestLaunchAudioHandoff(t *testing.T) {
	ctx := context.Background()
	speakers := audio.Device{ID: 1, Kind: audio.KindOutput, Name: "alsa_output.pci", Description: "Built-in Audio"}
	vrOut := audio.Device{ID: 7, Kind: audio.KindOutput, Name: "wivrn.sink", Description: "WiVRn output"}
	vrIn := audio.Device{ID: 8, Kind: audio.KindInput, Name: "wivrn.source", Description: "WiVRn microphone"}

	t.Run("timeout leaves defaults alone", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.audio.outputs = []audio.Device{speakers}

		outcome, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		assert.Equal(t, OutcomeLaunched, outcome)
		assert.Empty(t, h.audio.setOutputs)
		assert.Empty(t, h.audio.setInputs)
	})

	t.Run("matching endpoints become defaults", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.audio.outputs = []audio.Device{speakers, vrOut}
		h.audio.inputs = []audio.Device{vrIn}

		_, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		assert.Equal(t, []audio.Device{vrOut}, h.audio.setOutputs)
		assert.Equal(t, []audio.Device{vrIn}, h.audio.setInputs)
	})

	t.Run("partial match sets what was found", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.audio.outputs = []audio.Device{vrOut}

		_, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)
		assert.Equal(t, []audio.Device{vrOut}, h.audio.setOutputs)
		assert.Empty(t, h.audio.setInputs)
	})
}

func TestLaunchBackendStartFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.backend.startErr = &backend.StartError{LastLine: "fatal: cannot bind socket"}

	outcome, err := h.orch.Launch(context.Background(), "tok-1", testGame())
	require.Error(t, err)
	assert.Equal(t, OutcomeNone, outcome)
	assert.ErrorIs(t, err, backend.ErrStartFailed)
	assert.Contains(t, err.Error(), "fatal: cannot bind socket")

	var startErr *backend.StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "fatal: cannot bind socket", startErr.LastLine)

	assert.Equal(t, StateIdle, h.orch.State())
	_, ok := h.orch.Active()
	assert.False(t, ok)
	assert.Equal(t, 0, h.launcher.launches())
	assert.Empty(t, h.hub.all())
}

func TestLaunchRollsBack(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		setup       func(h *harness, g *games.Game)
		want        []error
		backendUsed bool
	}{
		{
			name: "unsupported backend",
			setup: func(h *harness, g *games.Game) {
				h.factory.err = backend.ErrUnsupported
			},
			want: []error{backend.ErrUnsupported},
		},
		{
			name: "unknown app",
			setup: func(h *harness, g *games.Game) {
				other := uint32(1)
				g.SteamAppID = &other
			},
			want: []error{ErrCatalogResolution, catalog.ErrNotFound},
		},
		{
			name: "unknown compat tool",
			setup: func(h *harness, g *games.Game) {
				proton := "Proton Experimental"
				g.ProtonVersion = &proton
			},
			want: []error{ErrCatalogResolution, catalog.ErrNotFound},
		},
		{
			name:        "headset not worn",
			opts:        Options{RequireHMDMounted: true},
			setup:       func(h *harness, g *games.Game) { h.devices.mounted = false },
			want:        []error{ErrHMDNotMounted},
			backendUsed: true,
		},
		{
			name:        "no device",
			setup:       func(h *harness, g *games.Game) { h.devices.present = false },
			want:        []error{device.ErrDeviceUnreachable},
			backendUsed: true,
		},
		{
			name:        "runtime not ready",
			setup:       func(h *harness, g *games.Game) { h.backend.readyErr = backend.ErrNotReady },
			want:        []error{ErrRuntimeNotReady},
			backendUsed: true,
		},
		{
			name: "preflight failure",
			setup: func(h *harness, g *games.Game) {
				h.launcher.err = &launcher.PathError{Kind: "executable", Path: "/missing"}
			},
			want:        []error{launcher.ErrPreflightPathMissing},
			backendUsed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			game := testGame()
			tt.setup(h, &game)

			_, err := h.orch.Launch(context.Background(), "tok-1", game)
			require.Error(t, err)
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}

			assert.Equal(t, StateIdle, h.orch.State())
			assert.Empty(t, h.hub.all())
			_, stops, _ := h.backend.counts()
			if tt.backendUsed {
				assert.Equal(t, 1, stops, "partially started backend is stopped")
			} else {
				assert.Equal(t, 0, stops)
			}

			// The daemon is usable again
			h.factory.err = nil
			h.devices.present = true
			h.devices.mounted = true
			h.backend.readyErr = nil
			h.launcher.err = nil
			_, err = h.orch.Launch(context.Background(), "tok-2", testGame())
			require.NoError(t, err)
			assert.Equal(t, StateActive, h.orch.State())
		})
	}
}

func TestGameExitBeforeCommit(t *testing.T) {
	h := newHarness(t, Options{})
	h.launcher.exitEarly = true

	outcome, err := h.orch.Launch(context.Background(), "tok-1", testGame())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLaunched, outcome)

	assert.Equal(t, StateIdle, h.orch.State())
	messages := h.hub.all()
	require.Len(t, messages, 2)
	assert.True(t, strings.HasPrefix(messages[0], MessageActivePrefix))
	assert.Equal(t, MessageInactive, messages[1])
	_, stops, _ := h.backend.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, h.overlay.starts)
}

func TestGameExitDuringActivePublish(t *testing.T) {
	h := newHarness(t, Options{})
	exited := make(chan struct{})
	h.hub.onPublish = func(msg string) {
		if strings.HasPrefix(msg, MessageActivePrefix) {
			go func() {
				defer close(exited)
				h.launcher.last().exit()
			}()
		}
	}

	_, err := h.orch.Launch(context.Background(), "tok-1", testGame())
	require.NoError(t, err)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("game exit callback did not return")
	}
	assert.Equal(t, StateIdle, h.orch.State())
	_, ok := h.orch.Active()
	assert.False(t, ok)

	messages := h.hub.all()
	require.Len(t, messages, 2)
	assert.True(t, strings.HasPrefix(messages[0], MessageActivePrefix))
	assert.Equal(t, MessageInactive, messages[1])
}

func TestKill(t *testing.T) {
	ctx := context.Background()

	t.Run("requires an active session", func(t *testing.T) {
		h := newHarness(t, Options{})
		assert.ErrorIs(t, h.orch.Kill(ctx), ErrNoActiveSession)
	})

	t.Run("kills only processes carrying the token", func(t *testing.T) {
		h := newHarness(t, Options{})
		_, err := h.orch.Launch(ctx, "tok-1", testGame())
		require.NoError(t, err)

		proc := h.launcher.last()
		h.procs.byToken[proc.Token()] = []int{proc.PID(), 4242}
		h.procs.byToken["someone-else"] = []int{9999}

		require.NoError(t, h.orch.Kill(ctx))
		assert.ElementsMatch(t, []int{proc.PID(), 4242}, h.procs.killedPIDs())
		assert.Equal(t, StateIdle, h.orch.State())
		assert.Equal(t, MessageInactive, h.hub.all()[1])

		rec, ok := h.history.get(proc.Token())
		require.True(t, ok)
		assert.Equal(t, session.ExitKilled, rec.ExitReason)

		// The exit observed after the kill is ignored
		proc.exit()
		_, stops, _ := h.backend.counts()
		assert.Equal(t, 1, stops)
		assert.Len(t, h.hub.all(), 2)
	})
}

func TestReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.orch.Reconnect(ctx), ErrNoActiveSession)

	_, err := h.orch.Launch(ctx, "tok-1", testGame())
	require.NoError(t, err)
	require.NoError(t, h.orch.Reconnect(ctx))
	_, _, reconnects := h.backend.counts()
	assert.Equal(t, 1, reconnects)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	_, err := h.orch.Launch(ctx, "tok-1", testGame())
	require.NoError(t, err)
	proc := h.launcher.last()
	h.procs.byToken[proc.Token()] = []int{proc.PID()}

	require.NoError(t, h.orch.Shutdown(ctx))
	require.NoError(t, h.orch.Shutdown(ctx))

	_, stops, _ := h.backend.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, []int{proc.PID()}, h.procs.killedPIDs())
	assert.Equal(t, 1, h.devices.disconnected)
	assert.Equal(t, StateIdle, h.orch.State())

	rec, ok := h.history.get(proc.Token())
	require.True(t, ok)
	assert.Equal(t, session.ExitShutdown, rec.ExitReason)

	_, err = h.orch.Launch(ctx, "tok-2", testGame())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.orch.Shutdown(context.Background()))
	_, stops, _ := h.backend.counts()
	assert.Equal(t, 0, stops)
	assert.Empty(t, h.hub.all())
}

func TestLogRotation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	_, err := h.orch.Launch(ctx, "tok-1", testGame())
	require.NoError(t, err)

	logs, err := filepath.Glob(filepath.Join(h.logDir, "*.log"))
	require.NoError(t, err)
	var names []string
	for _, l := range logs {
		names = append(names, filepath.Base(l))
	}
	require.Len(t, names, 3)
	for i, channel := range []string{ChannelGame, ChannelOverlay, ChannelBackend} {
		assert.True(t, strings.HasSuffix(names[i], "_"+channel+".log"), names[i])
	}

	h.launcher.last().exit()
	_, err = h.orch.Launch(ctx, "tok-2", testGame())
	require.NoError(t, err)

	archives, err := filepath.Glob(filepath.Join(h.logDir, "*.tar.gz"))
	require.NoError(t, err)
	assert.NotEmpty(t, archives)
}

func TestResolve(t *testing.T) {
	h := newHarness(t, Options{})
	dir := t.TempDir()
	exe := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))

	t.Run("command line", func(t *testing.T) {
		game := testGame()
		line := "DXVK_HUD=1 " + exe + " --vr"
		game.CommandLine = &line

		app, tool, err := h.orch.resolve(game)
		require.NoError(t, err)
		assert.Equal(t, exe, app.Executable)
		assert.Equal(t, dir, app.WorkingDir)
		assert.Equal(t, []string{"--vr"}, app.Args)
		assert.Equal(t, map[string]string{"DXVK_HUD": "1"}, app.Env)
		assert.Equal(t, testAppID, app.SteamID)
		assert.Equal(t, "Proton 9.0", tool.Name)
	})

	t.Run("catalog", func(t *testing.T) {
		app, _, err := h.orch.resolve(testGame())
		require.NoError(t, err)
		assert.Equal(t, "/games/Beat Saber", app.AppFolder)
	})

	t.Run("nothing to launch", func(t *testing.T) {
		game := testGame()
		game.SteamAppID = nil
		_, _, err := h.orch.resolve(game)
		assert.ErrorIs(t, err, ErrCatalogResolution)
	})

	t.Run("no compat tool", func(t *testing.T) {
		game := testGame()
		game.ProtonVersion = nil
		_, _, err := h.orch.resolve(game)
		assert.ErrorIs(t, err, ErrCatalogResolution)
	})

	t.Run("unparsable command line", func(t *testing.T) {
		game := testGame()
		line := `"unterminated`
		game.CommandLine = &line
		_, _, err := h.orch.resolve(game)
		assert.ErrorIs(t, err, ErrCatalogResolution)
		assert.False(t, errors.Is(err, catalog.ErrNotFound))
	})
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "launched", OutcomeLaunched.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "none", OutcomeNone.String())
}
