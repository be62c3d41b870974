// Package backend controls the VR runtime process a game renders through
// and the headset client connected to it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/svrl/svrl/internal/adb"
	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/config"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/proctable"
)

var (
	// ErrUnsupported is returned for unknown backend variants or profiles
	ErrUnsupported = errors.New("unsupported vr backend")
	// ErrStartFailed is returned when the runtime exits during its grace period
	ErrStartFailed = errors.New("vr backend failed to start")
	// ErrNotReady is returned when the runtime marker does not appear in time
	ErrNotReady = errors.New("vr runtime not ready")
	// ErrManifestNotFound is returned when no OpenXR runtime manifest exists
	ErrManifestNotFound = errors.New("openxr runtime manifest not found")
)

// StartError carries the last stderr line of a runtime that died on start
type StartError struct {
	LastLine string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%v: %s", ErrStartFailed, e.LastLine)
}

func (e *StartError) Unwrap() error {
	return ErrStartFailed
}

// StartInfo describes the headset a backend connected to
type StartInfo struct {
	Serial       string
	IP           string
	WasRestarted bool
}

// Backend is a VR runtime variant
type Backend interface {
	// Type returns the variant string, e.g. "wivrn" or "envision:<uuid>"
	Type() string
	Start(ctx context.Context, ch *logsession.Channel) (StartInfo, error)
	Reconnect(ctx context.Context) error
	IsReady() bool
	WaitReady(ctx context.Context, timeout time.Duration) error
	Stop() error
	MatchesAudioDevice(d audio.Device) bool
	LaunchModifiers() ([]launcher.Modifier, error)
}

// DeviceLink is the headset access a backend needs
type DeviceLink interface {
	Current() (device.Device, bool)
	OpenTunnel(ctx context.Context, port int) error
	StartActivity(ctx context.Context, intent adb.Intent) error
}

// Kind names a backend family
type Kind string

// Backend families
const (
	KindWiVRn    Kind = "wivrn"
	KindEnvision Kind = "envision"
)

// Variant is a parsed backend string
type Variant struct {
	Kind    Kind
	Profile uuid.UUID
}

// ParseVariant parses "wivrn" or "envision:<profile-uuid>"
func ParseVariant(s string) (Variant, error) {
	s = strings.TrimSpace(s)
	name, arg, hasArg := strings.Cut(s, ":")
	switch Kind(strings.ToLower(name)) {
	case KindWiVRn:
		if hasArg {
			return Variant{}, fmt.Errorf("%w: %q takes no arguments", ErrUnsupported, s)
		}
		return Variant{Kind: KindWiVRn}, nil
	case KindEnvision:
		if arg == "" {
			return Variant{}, fmt.Errorf("%w: envision requires a profile uuid", ErrUnsupported)
		}
		id, err := uuid.Parse(arg)
		if err != nil {
			return Variant{}, fmt.Errorf("%w: invalid envision profile %q", ErrUnsupported, arg)
		}
		return Variant{Kind: KindEnvision, Profile: id}, nil
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

func (v Variant) String() string {
	if v.Kind == KindEnvision {
		return string(v.Kind) + ":" + v.Profile.String()
	}
	return string(v.Kind)
}

// Factory builds backends from variant strings
type Factory struct {
	cfg   config.Backend
	opts  Options
	link  DeviceLink
	procs proctable.Table
	log   *logger.Logger
}

// NewFactory returns a factory for backends configured by cfg
func NewFactory(cfg config.Backend, link DeviceLink, procs proctable.Table, log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Nop()
	}
	return &Factory{
		cfg:   cfg,
		opts:  OptionsFromConfig(cfg),
		link:  link,
		procs: procs,
		log:   log,
	}
}

// New constructs a fresh, unstarted backend for variant
func (f *Factory) New(variant string) (Backend, error) {
	v, err := ParseVariant(variant)
	if err != nil {
		return nil, err
	}

	switch v.Kind {
	case KindEnvision:
		return NewEnvision(f.cfg.Envision.ConfigPath, v.Profile, f.opts, f.link, f.procs, f.log)
	default:
		return NewWiVRn(f.cfg.WiVRn.ServerBinary, f.opts, f.link, f.procs, f.log)
	}
}
