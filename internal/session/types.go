package session

import (
	"time"

	"github.com/svrl/svrl/internal/games"
)

// GameSession is the currently running game as reported to clients
type GameSession struct {
	Game           games.Game `json:"game"`
	StartTimeEpoch int64      `json:"startTimeEpoch"`
	VRDeviceSerial string     `json:"vrDeviceSerial"`
}

// Record statuses
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Exit reasons
const (
	ExitNormal   = "exited"
	ExitKilled   = "killed"
	ExitShutdown = "shutdown"
)

// Record is the persisted history entry of one game session
type Record struct {
	ID           string     `json:"id"` // Session token
	GameID       string     `json:"game_id"`
	Title        string     `json:"title"`
	Backend      string     `json:"backend"`
	DeviceSerial string     `json:"device_serial,omitempty"`
	PID          int        `json:"pid"`
	Status       string     `json:"status"` // "running", "stopped"
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	ExitReason   string     `json:"exit_reason,omitempty"` // "exited" | "killed" | "shutdown"
}

// Duration returns how long the session ran, or has been running
func (r Record) Duration(now time.Time) time.Duration {
	end := now
	if r.StoppedAt != nil {
		end = *r.StoppedAt
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}
