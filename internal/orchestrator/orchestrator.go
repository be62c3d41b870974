// Package orchestrator runs the game session lifecycle: it enforces a single
// active session, brings up the VR backend and headset, hands audio over to
// the runtime, spawns the game and tears everything down again when the game
// exits or is killed.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/backend"
	"github.com/svrl/svrl/internal/catalog"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/proctable"
	"github.com/svrl/svrl/internal/session"
)

var (
	// ErrSessionAlreadyActive is returned when a launch is attempted while
	// another game session is starting or running
	ErrSessionAlreadyActive = errors.New("a game session is already active")
	// ErrNoActiveSession is returned by operations that need a running game
	ErrNoActiveSession = errors.New("no active game session")
	// ErrCatalogResolution is returned when the game's app or compat tool
	// cannot be resolved
	ErrCatalogResolution = errors.New("failed to resolve game")
	// ErrRuntimeNotReady is returned when the backend never signals readiness
	ErrRuntimeNotReady = errors.New("vr runtime did not become ready")
	// ErrHMDNotMounted is returned when the headset is required to be worn
	// at launch and is not
	ErrHMDNotMounted = errors.New("headset is not being worn")
	// ErrShuttingDown is returned when a launch races with daemon shutdown
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// Outcome is the result of an accepted launch request
type Outcome int

const (
	// OutcomeNone accompanies an error
	OutcomeNone Outcome = iota
	// OutcomeLaunched means a new session was started
	OutcomeLaunched
	// OutcomeDuplicate means the idempotency token was already seen and
	// nothing was done
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLaunched:
		return "launched"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "none"
}

// Session states
const (
	StateIdle     = "idle"
	StateStarting = "starting"
	StateActive   = "active"
)

const (
	eventLaunch  = "launch"
	eventStarted = "started"
	eventAbort   = "abort"
	eventFinish  = "finish"
)

// Log channel names
const (
	ChannelBackend = "vr_backend"
	ChannelGame    = "game"
	ChannelOverlay = "overlay"
)

// Messages published on the state hub
const (
	MessageActivePrefix = "active:"
	MessageInactive     = "inactive"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultAudioTimeout = 3 * time.Second
	defaultAudioPoll    = 100 * time.Millisecond
	maxSeenTokens       = 1024
)

// BackendFactory builds a fresh backend for a variant string
type BackendFactory interface {
	New(variant string) (backend.Backend, error)
}

// Devices is the headset access the orchestrator needs
type Devices interface {
	Current() (device.Device, bool)
	IsMounted(ctx context.Context) (bool, error)
	DisconnectNetwork(ctx context.Context) error
}

// AudioSelector enumerates and selects audio endpoints
type AudioSelector interface {
	OutputDevices(ctx context.Context) ([]audio.Device, error)
	InputDevices(ctx context.Context) ([]audio.Device, error)
	SetDefaultOutput(ctx context.Context, d audio.Device) error
	SetDefaultInput(ctx context.Context, d audio.Device) error
}

// Overlay is an auxiliary in-headset UI process
type Overlay interface {
	Start(ch *logsession.Channel) error
	Stop() error
}

// History persists session records
type History interface {
	Save(record *session.Record) error
}

// Playtime accumulates time played per game
type Playtime interface {
	AddPlaytime(ctx context.Context, id string, seconds int64) error
}

// Publisher receives session state messages. Publish is called with the
// orchestrator lock held and must not block.
type Publisher interface {
	Publish(msg string) int
}

// Metrics observes session lifecycle events
type Metrics interface {
	LaunchResult(result string)
	BackendStarted(restarted bool)
	SessionStarted()
	SessionEnded(d time.Duration)
}

// Deps are the collaborators of an Orchestrator. Overlay, History, Playtime,
// Metrics and Audio are optional.
type Deps struct {
	Backends  BackendFactory
	Catalog   catalog.Catalog
	Launcher  GameLauncher
	Devices   Devices
	Procs     proctable.Table
	Hub       Publisher
	Audio     AudioSelector
	Overlay   Overlay
	History   History
	Playtime  Playtime
	Metrics   Metrics
	Modifiers []launcher.Modifier // Applied after the backend's own modifiers
	LogDir    string
	LogOpts   []logsession.Option
}

// Options tune the launch sequence
type Options struct {
	ReadyTimeout      time.Duration
	AudioTimeout      time.Duration
	AudioPoll         time.Duration
	RequireHMDMounted bool
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	if o.AudioTimeout <= 0 {
		o.AudioTimeout = defaultAudioTimeout
	}
	if o.AudioPoll <= 0 {
		o.AudioPoll = defaultAudioPoll
	}
	return o
}

// activeSession is everything owned by a running game
type activeSession struct {
	info    session.GameSession
	proc    GameProcess
	backend backend.Backend
	record  session.Record
}

// Orchestrator owns the current game session. All state reads and mutations
// happen under mu; the slow parts of a launch run outside it and are
// re-validated before commit.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logger.Logger
	now  func() time.Time

	mu           sync.Mutex
	state        *fsm.FSM
	seen         map[string]struct{}
	seenOrder    []string
	backend      backend.Backend
	logs         *logsession.Session
	active       *activeSession
	shuttingDown bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New returns an idle orchestrator
func New(deps Deps, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Orchestrator{
		deps:  deps,
		opts:  opts.withDefaults(),
		log:   log,
		now:   time.Now,
		state: newStateMachine(),
		seen:  make(map[string]struct{}),
	}
}

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventLaunch, Src: []string{StateIdle}, Dst: StateStarting},
			{Name: eventStarted, Src: []string{StateStarting}, Dst: StateActive},
			{Name: eventAbort, Src: []string{StateStarting}, Dst: StateIdle},
			{Name: eventFinish, Src: []string{StateActive}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// transition fires event; callers hold mu
func (o *Orchestrator) transition(event string) {
	if err := o.state.Event(context.Background(), event); err != nil {
		o.log.Errorw("invalid session state transition", "event", event, "state", o.state.Current(), "error", err)
	}
}

// State returns the current session state
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Current()
}

// Active returns the running game session, if any
func (o *Orchestrator) Active() (session.GameSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return session.GameSession{}, false
	}
	return o.active.info, true
}

// Reconnect re-establishes the headset connection of the active session
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	o.mu.Lock()
	sess := o.active
	o.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}
	return sess.backend.Reconnect(ctx)
}

// rememberToken records an idempotency token; callers hold mu
func (o *Orchestrator) rememberToken(token string) {
	o.seen[token] = struct{}{}
	o.seenOrder = append(o.seenOrder, token)
	if len(o.seenOrder) > maxSeenTokens {
		delete(o.seen, o.seenOrder[0])
		o.seenOrder = o.seenOrder[1:]
	}
}

// publishActive announces a committed session; callers hold mu
func (o *Orchestrator) publishActive(info session.GameSession) {
	data, err := json.Marshal(info)
	if err != nil {
		o.log.Errorw("failed to encode session state", "error", err)
		return
	}
	o.deps.Hub.Publish(MessageActivePrefix + string(data))
}

type nopMetrics struct{}

func (nopMetrics) LaunchResult(string)        {}
func (nopMetrics) BackendStarted(bool)        {}
func (nopMetrics) SessionStarted()            {}
func (nopMetrics) SessionEnded(time.Duration) {}
