package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/svrl/svrl/internal/proctable"
	"github.com/svrl/svrl/internal/session"
)

const teardownTimeout = 10 * time.Second

// onGameExit runs when a launched game exits on its own. Exits of processes
// that are no longer the active session are ignored.
func (o *Orchestrator) onGameExit(p GameProcess) {
	o.mu.Lock()
	sess := o.active
	if sess == nil || sess.proc.Token() != p.Token() {
		o.mu.Unlock()
		return
	}
	o.clearActive(sess)
	o.mu.Unlock()

	o.log.Infow("game exited", "game", sess.info.Game.Title, "pid", p.PID())
	_ = o.teardown(sess, session.ExitNormal, true)
}

// Kill force-kills the active game and tears the session down
func (o *Orchestrator) Kill(ctx context.Context) error {
	o.mu.Lock()
	sess := o.active
	if sess == nil {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	o.clearActive(sess)
	o.mu.Unlock()

	o.log.Infow("killing game", "game", sess.info.Game.Title, "token", sess.proc.Token())
	killErr := o.killProcesses(sess.proc.Token())
	return errors.Join(killErr, o.teardown(sess, session.ExitKilled, true))
}

// Shutdown stops everything the orchestrator owns. It runs once; later
// calls return the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.shuttingDown = true
		be := o.backend
		o.backend = nil
		logs := o.logs
		o.logs = nil
		sess := o.active
		if sess != nil {
			o.clearActive(sess)
		}
		o.mu.Unlock()

		var errs []error
		if be != nil {
			if err := be.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop backend: %w", err))
			}
		}
		if logs != nil {
			if err := logs.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down log session: %w", err))
			}
		}
		if sess != nil {
			errs = append(errs, o.killProcesses(sess.proc.Token()))
			errs = append(errs, o.teardown(sess, session.ExitShutdown, sess.backend != be))
		}
		if err := o.deps.Devices.DisconnectNetwork(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect headset: %w", err))
		}

		o.shutdownErr = errors.Join(errs...)
		if o.shutdownErr != nil {
			o.log.Warnw("shutdown completed with errors", "error", o.shutdownErr)
		}
	})
	return o.shutdownErr
}

// clearActive drops sess as the active session and announces it; callers
// hold mu so state messages go out in commit order
func (o *Orchestrator) clearActive(sess *activeSession) {
	o.active = nil
	if o.backend == sess.backend {
		o.backend = nil
	}
	o.transition(eventFinish)
	o.deps.Hub.Publish(MessageInactive)
}

// teardown releases everything a finished session held. Every step runs
// even when an earlier one fails.
func (o *Orchestrator) teardown(sess *activeSession, reason string, stopBackend bool) error {
	var errs []error

	if o.deps.Overlay != nil {
		if err := o.deps.Overlay.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop overlay: %w", err))
		}
	}
	if stopBackend && sess.backend != nil {
		if err := sess.backend.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop backend: %w", err))
		}
	}

	stopped := o.now()
	record := sess.record
	record.Status = session.StatusStopped
	record.StoppedAt = &stopped
	record.ExitReason = reason
	o.saveRecord(record)

	played := record.Duration(stopped)
	if o.deps.Playtime != nil && sess.info.Game.ID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		err := o.deps.Playtime.AddPlaytime(ctx, sess.info.Game.ID, int64(played.Seconds()))
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to record playtime: %w", err))
		}
	}
	o.deps.Metrics.SessionEnded(played)

	err := errors.Join(errs...)
	if err != nil {
		o.log.Warnw("session teardown completed with errors", "game", sess.info.Game.Title, "error", err)
	} else {
		o.log.Infow("session ended", "game", sess.info.Game.Title, "reason", reason, "duration", played.Round(time.Second))
	}
	return err
}

// killProcesses SIGKILLs every process carrying token in its environment
func (o *Orchestrator) killProcesses(token string) error {
	pids, err := o.deps.Procs.FindByEnv(o.deps.Launcher.TokenEnv(), token)
	if err != nil {
		return fmt.Errorf("failed to find game processes: %w", err)
	}
	if len(pids) == 0 {
		o.log.Warnw("no processes found for session", "token", token)
		return nil
	}

	var errs []error
	for _, pid := range pids {
		if err := o.deps.Procs.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, proctable.ErrProcessNotFound) {
			errs = append(errs, fmt.Errorf("failed to kill %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) saveRecord(record session.Record) {
	if o.deps.History == nil {
		return
	}
	if err := o.deps.History.Save(&record); err != nil {
		o.log.Warnw("failed to save session record", "id", record.ID, "error", err)
	}
}
