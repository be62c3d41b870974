package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/svrl/svrl/internal/adb"
	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/backend"
	"github.com/svrl/svrl/internal/battery"
	"github.com/svrl/svrl/internal/broadcast"
	"github.com/svrl/svrl/internal/catalog"
	"github.com/svrl/svrl/internal/config"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/games"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/metrics"
	"github.com/svrl/svrl/internal/orchestrator"
	"github.com/svrl/svrl/internal/overlay"
	"github.com/svrl/svrl/internal/proctable"
	"github.com/svrl/svrl/internal/server"
	"github.com/svrl/svrl/internal/session"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the svrl daemon",
	Long: `Run the svrl daemon.

The daemon watches for the headset over USB, serves the HTTP API and
websocket state stream, and runs game sessions on request. It shuts down
cleanly on SIGINT or SIGTERM, stopping any running game and VR runtime.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	log := logger.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Closing stop ends every background loop
	stop := broadcast.New[struct{}](1)
	hub := broadcast.New[string](64)
	publish := func(msg string) { hub.Publish(msg) }
	collector := metrics.New()

	registry := device.NewRegistry(ctx, device.NewSysfs(cfg.Device.SysfsRoot), adb.New(cfg.ADB.Binary),
		device.WithLogger(log.Named("device")),
		device.WithTCPIPPort(cfg.ADB.TCPIPPort),
		device.WithPollInterval(cfg.Device.PollInterval),
		device.WithEventObserver(collector.HotplugEvent),
	)
	defer registry.Close()

	var wg sync.WaitGroup
	background := func(name string, fn func(stop <-chan struct{})) {
		sub, unsubscribe := stop.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			fn(sub)
			Debug("%s stopped", name)
		}()
	}

	if cfg.Device.Hotplug {
		src, err := device.OpenNetlink()
		if err != nil {
			log.Warnw("usb hotplug monitoring disabled", "error", err)
		} else {
			defer func() { _ = src.Close() }()
			background("hotplug listener", func(stop <-chan struct{}) {
				registry.Run(ctx, src, stop)
			})
		}
	}

	procs, err := proctable.New()
	if err != nil {
		return fmt.Errorf("failed to open process table: %w", err)
	}

	pactl := audio.NewPactl(cfg.Audio.Pactl, log.Named("audio"))
	if events, err := pactl.Subscribe(ctx); err != nil {
		log.Warnw("audio change notifications disabled", "error", err)
	} else {
		background("audio forwarder", func(stop <-chan struct{}) {
			audio.Forward(events, publish, stop, log.Named("audio"))
		})
	}

	monitor := battery.NewMonitor(registry, publish, cfg.Battery.Interval, cfg.Battery.History, log.Named("battery"))
	background("battery monitor", func(stop <-chan struct{}) {
		monitor.Run(ctx, stop)
	})

	library, err := games.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open game library: %w", err)
	}
	defer func() { _ = library.Close() }()

	history, err := session.NewStore(cfg.Sessions.Dir)
	if err != nil {
		return fmt.Errorf("failed to access session store: %w", err)
	}

	var ov orchestrator.Overlay
	if cfg.Overlay.Enabled {
		ov = overlay.New(cfg.Overlay.Binary, cfg.Overlay.Grace, log.Named("overlay"))
	}

	orch := orchestrator.New(orchestrator.Deps{
		Backends:  backend.NewFactory(cfg.Backend, registry, procs, log.Named("backend")),
		Catalog:   catalog.NewSteam(cfg.Steam.Root, cfg.Catalog, log.Named("catalog")),
		Launcher:  orchestrator.WrapLauncher(launcher.New(cfg.Launch.Interpreter, cfg.Launch.TokenEnv, log.Named("launcher"))),
		Devices:   registry,
		Procs:     procs,
		Hub:       hub,
		Audio:     pactl,
		Overlay:   ov,
		History:   history,
		Playtime:  library,
		Metrics:   collector,
		Modifiers: []launcher.Modifier{launcher.SteamModifier{Root: cfg.Steam.Root, User: cfg.Steam.User}},
		LogDir:    cfg.Logs.Dir,
	}, orchestrator.Options{
		ReadyTimeout:      cfg.Backend.ReadyTimeout,
		AudioTimeout:      cfg.Launch.AudioTimeout,
		AudioPoll:         cfg.Launch.AudioPoll,
		RequireHMDMounted: cfg.Launch.RequireHMDMounted,
	}, log.Named("orchestrator"))

	srv := server.New(cfg.Server.Listen, server.Deps{
		Sessions: orch,
		Library:  library,
		Devices:  registry,
		Battery:  monitor,
		Audio:    pactl,
		Hub:      hub,
		Metrics:  collector.Handler(),
		Log:      log.Named("http"),
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		if runErr != nil {
			log.Errorw("http server failed", "error", runErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
	}
	stop.Close()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	wg.Wait()
	hub.Close()

	if runErr != nil {
		errs = append(errs, runErr)
	}
	return errors.Join(errs...)
}
