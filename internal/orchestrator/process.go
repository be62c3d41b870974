package orchestrator

import (
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logsession"
)

// GameProcess is a spawned game
type GameProcess interface {
	PID() int
	Token() string
	Done() <-chan struct{}
}

// GameLauncher spawns games tagged with a session token
type GameLauncher interface {
	Launch(app launcher.AppDescriptor, tool launcher.CompatTool, mods []launcher.Modifier, onExit func(GameProcess), ch *logsession.Channel) (GameProcess, error)
	TokenEnv() string
}

// WrapLauncher adapts a launcher.Launcher to GameLauncher
func WrapLauncher(l *launcher.Launcher) GameLauncher {
	return processLauncher{l: l}
}

type processLauncher struct {
	l *launcher.Launcher
}

func (p processLauncher) Launch(app launcher.AppDescriptor, tool launcher.CompatTool, mods []launcher.Modifier, onExit func(GameProcess), ch *logsession.Channel) (GameProcess, error) {
	h, err := p.l.Launch(app, tool, mods, func(h *launcher.ProcessHandle) {
		if onExit != nil {
			onExit(h)
		}
	}, ch)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p processLauncher) TokenEnv() string {
	return p.l.TokenEnv()
}
