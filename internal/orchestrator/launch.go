package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/backend"
	"github.com/svrl/svrl/internal/catalog"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/games"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/metrics"
	"github.com/svrl/svrl/internal/session"
)

// Launch starts game. A repeated idemToken is acknowledged with
// OutcomeDuplicate without doing anything; an empty token is never
// deduplicated. The game exiting later is reported on the hub, not here.
func (o *Orchestrator) Launch(ctx context.Context, idemToken string, game games.Game) (Outcome, error) {
	o.mu.Lock()
	if idemToken != "" {
		if _, ok := o.seen[idemToken]; ok {
			o.mu.Unlock()
			o.log.Infow("ignoring duplicate launch request", "token", idemToken, "game", game.Title)
			o.deps.Metrics.LaunchResult(metrics.ResultDuplicate)
			return OutcomeDuplicate, nil
		}
	}
	if o.shuttingDown {
		o.mu.Unlock()
		o.deps.Metrics.LaunchResult(metrics.ResultRejected)
		return OutcomeNone, ErrShuttingDown
	}
	if !o.state.Is(StateIdle) {
		o.mu.Unlock()
		o.deps.Metrics.LaunchResult(metrics.ResultRejected)
		return OutcomeNone, ErrSessionAlreadyActive
	}
	if idemToken != "" {
		o.rememberToken(idemToken)
	}
	o.transition(eventLaunch)
	o.mu.Unlock()

	o.log.Infow("launching game", "game", game.Title, "id", game.ID, "backend", game.VRBackend)
	if err := o.launch(ctx, game); err != nil {
		o.mu.Lock()
		o.transition(eventAbort)
		o.mu.Unlock()
		o.log.Errorw("launch failed", "game", game.Title, "error", err)
		o.deps.Metrics.LaunchResult(metrics.ResultFailed)
		return OutcomeNone, err
	}
	o.deps.Metrics.LaunchResult(metrics.ResultLaunched)
	return OutcomeLaunched, nil
}

// launch runs the launch sequence. On error everything it started has been
// stopped again.
func (o *Orchestrator) launch(ctx context.Context, game games.Game) error {
	be, err := o.deps.Backends.New(game.VRBackend)
	if err != nil {
		return err
	}
	mods, err := be.LaunchModifiers()
	if err != nil {
		return fmt.Errorf("failed to prepare %s runtime: %w", be.Type(), err)
	}
	app, tool, err := o.resolve(game)
	if err != nil {
		return err
	}
	mods = append(mods, o.deps.Modifiers...)

	logs, err := o.rotateLogs()
	if err != nil {
		return err
	}

	o.mu.Lock()
	prev := o.backend
	o.backend = be
	o.mu.Unlock()

	fail := func(cause error) error {
		if err := be.Stop(); err != nil {
			o.log.Warnw("failed to stop backend during rollback", "error", err)
		}
		o.mu.Lock()
		if o.backend == be {
			o.backend = nil
		}
		if o.logs == logs {
			o.logs = nil
		}
		o.mu.Unlock()
		if err := logs.Shutdown(); err != nil {
			o.log.Warnw("failed to shut down log session during rollback", "error", err)
		}
		return cause
	}

	if prev != nil {
		if err := prev.Stop(); err != nil {
			o.log.Warnw("failed to stop previous backend", "backend", prev.Type(), "error", err)
		}
	}

	if o.opts.RequireHMDMounted {
		mounted, err := o.deps.Devices.IsMounted(ctx)
		if err != nil {
			return fail(fmt.Errorf("failed to query headset state: %w", err))
		}
		if !mounted {
			return fail(ErrHMDNotMounted)
		}
	}

	backendCh, err := logs.CreateChannel(ChannelBackend)
	if err != nil {
		return fail(err)
	}
	info, err := be.Start(ctx, backendCh)
	if err != nil {
		return fail(fmt.Errorf("failed to start %s backend: %w", be.Type(), err))
	}
	o.deps.Metrics.BackendStarted(info.WasRestarted)
	o.log.Infow("vr backend started", "backend", be.Type(), "serial", info.Serial, "restarted", info.WasRestarted)

	if _, ok := o.deps.Devices.Current(); !ok {
		return fail(device.ErrNoDevice)
	}
	if err := be.WaitReady(ctx, o.opts.ReadyTimeout); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRuntimeNotReady, err))
	}

	o.handoffAudio(ctx, be)

	gameCh, err := logs.CreateChannel(ChannelGame)
	if err != nil {
		return fail(err)
	}
	proc, err := o.deps.Launcher.Launch(app, tool, mods, o.onGameExit, gameCh)
	if err != nil {
		return fail(fmt.Errorf("failed to launch %s: %w", game.Title, err))
	}

	started := o.now()
	sess := &activeSession{
		info: session.GameSession{
			Game:           game,
			StartTimeEpoch: started.Unix(),
			VRDeviceSerial: info.Serial,
		},
		proc:    proc,
		backend: be,
		record: session.Record{
			ID:           proc.Token(),
			GameID:       game.ID,
			Title:        game.Title,
			Backend:      be.Type(),
			DeviceSerial: info.Serial,
			PID:          proc.PID(),
			Status:       session.StatusRunning,
			StartedAt:    started,
		},
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		if err := o.killProcesses(proc.Token()); err != nil {
			o.log.Warnw("failed to kill game during shutdown", "error", err)
		}
		return fail(ErrShuttingDown)
	}
	o.active = sess
	o.transition(eventStarted)
	o.publishActive(sess.info)
	o.mu.Unlock()

	o.deps.Metrics.SessionStarted()
	o.saveRecord(sess.record)
	o.log.Infow("game session active", "game", game.Title, "pid", proc.PID(), "token", proc.Token())

	// The game may have exited before the session was committed
	select {
	case <-proc.Done():
		o.onGameExit(proc)
		return nil
	default:
	}

	if info.WasRestarted {
		o.startOverlay(sess, logs)
	}
	return nil
}

// resolve finds the application and compat tool for game. A custom command
// line takes precedence over the Steam catalog.
func (o *Orchestrator) resolve(game games.Game) (launcher.AppDescriptor, launcher.CompatTool, error) {
	var app launcher.AppDescriptor
	switch {
	case game.CommandLine != nil && strings.TrimSpace(*game.CommandLine) != "":
		cmd, err := catalog.ParseCommand(*game.CommandLine)
		if err != nil {
			return app, launcher.CompatTool{}, fmt.Errorf("%w: %w", ErrCatalogResolution, err)
		}
		app = launcher.AppDescriptor{
			Title:      game.Title,
			AppFolder:  cmd.WorkingDir,
			WorkingDir: cmd.WorkingDir,
			Executable: cmd.Executable,
			Args:       cmd.Args,
			Env:        cmd.Env,
		}
		if game.SteamAppID != nil {
			app.SteamID = *game.SteamAppID
		}
	case game.SteamAppID != nil:
		found, err := o.deps.Catalog.FindInstalledApp(*game.SteamAppID)
		if err != nil {
			return app, launcher.CompatTool{}, fmt.Errorf("%w: %w", ErrCatalogResolution, err)
		}
		app = found
	default:
		return app, launcher.CompatTool{}, fmt.Errorf("%w: %s has neither a steam app id nor a command line", ErrCatalogResolution, game.Title)
	}

	if game.ProtonVersion == nil || *game.ProtonVersion == "" {
		return app, launcher.CompatTool{}, fmt.Errorf("%w: %s has no compat tool", ErrCatalogResolution, game.Title)
	}
	tool, err := o.deps.Catalog.FindCompatTool(*game.ProtonVersion)
	if err != nil {
		return app, launcher.CompatTool{}, fmt.Errorf("%w: %w", ErrCatalogResolution, err)
	}
	return app, tool, nil
}

// rotateLogs shuts down and archives the previous log session and starts a
// new one
func (o *Orchestrator) rotateLogs() (*logsession.Session, error) {
	o.mu.Lock()
	prev := o.logs
	o.logs = nil
	o.mu.Unlock()

	if prev != nil {
		if err := prev.Shutdown(); err != nil {
			o.log.Warnw("failed to shut down previous log session", "error", err)
		}
	}

	logs, err := logsession.NewSession(o.deps.LogDir, o.deps.LogOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start log session: %w", err)
	}
	if err := logs.ArchiveOldFiles(); err != nil {
		o.log.Warnw("failed to archive old logs", "dir", o.deps.LogDir, "error", err)
	}

	o.mu.Lock()
	o.logs = logs
	o.mu.Unlock()
	return logs, nil
}

// handoffAudio waits for the runtime's audio endpoints and makes them the
// defaults. Nothing is changed if neither appears before the timeout.
func (o *Orchestrator) handoffAudio(ctx context.Context, be backend.Backend) {
	if o.deps.Audio == nil {
		return
	}

	deadline := time.Now().Add(o.opts.AudioTimeout)
	var output, input *audio.Device
	for {
		if output == nil {
			output = o.findEndpoint(ctx, be, o.deps.Audio.OutputDevices)
		}
		if input == nil {
			input = o.findEndpoint(ctx, be, o.deps.Audio.InputDevices)
		}
		if output != nil && input != nil {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.AudioPoll):
		}
	}

	if output == nil && input == nil {
		o.log.Warnw("vr audio endpoints did not appear, leaving audio unchanged", "timeout", o.opts.AudioTimeout)
		return
	}
	if output != nil {
		if err := o.deps.Audio.SetDefaultOutput(ctx, *output); err != nil {
			o.log.Warnw("failed to set default audio output", "device", output.Name, "error", err)
		}
	}
	if input != nil {
		if err := o.deps.Audio.SetDefaultInput(ctx, *input); err != nil {
			o.log.Warnw("failed to set default audio input", "device", input.Name, "error", err)
		}
	}
}

func (o *Orchestrator) findEndpoint(ctx context.Context, be backend.Backend, list func(context.Context) ([]audio.Device, error)) *audio.Device {
	devices, err := list(ctx)
	if err != nil {
		o.log.Debugw("failed to list audio devices", "error", err)
		return nil
	}
	for _, d := range devices {
		if be.MatchesAudioDevice(d) {
			return &d
		}
	}
	return nil
}

// startOverlay starts the overlay for sess unless the session ended meanwhile
func (o *Orchestrator) startOverlay(sess *activeSession, logs *logsession.Session) {
	if o.deps.Overlay == nil {
		return
	}
	ch, err := logs.CreateChannel(ChannelOverlay)
	if err != nil {
		o.log.Warnw("failed to create overlay log channel", "error", err)
		return
	}
	if err := o.deps.Overlay.Start(ch); err != nil {
		o.log.Warnw("failed to start overlay", "error", err)
		return
	}

	o.mu.Lock()
	current := o.active == sess
	o.mu.Unlock()
	if !current {
		if err := o.deps.Overlay.Stop(); err != nil {
			o.log.Warnw("failed to stop overlay", "error", err)
		}
	}
}
