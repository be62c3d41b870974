// Package audio enumerates and selects audio endpoints on the host sound
// server and reports changes to them.
package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/svrl/svrl/internal/logger"
)

// ErrDeviceNotFound is returned when no endpoint has the requested id
var ErrDeviceNotFound = errors.New("audio device not found")

// Kind distinguishes playback from capture endpoints
type Kind string

// Endpoint kinds
const (
	KindOutput Kind = "output"
	KindInput  Kind = "input"
)

// ParseKind parses "output"/"outputs" or "input"/"inputs"
func ParseKind(s string) (Kind, error) {
	switch s {
	case "output", "outputs":
		return KindOutput, nil
	case "input", "inputs":
		return KindInput, nil
	}
	return "", fmt.Errorf("unknown audio endpoint kind %q", s)
}

// Device is an audio endpoint
type Device struct {
	ID          uint32 `json:"id"`
	Kind        Kind   `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"isDefault"`
	Volume      uint8  `json:"volume"`
	IsMuted     bool   `json:"isMuted"`
}

// ChangeKind identifies an endpoint change notification
type ChangeKind string

// Change notifications
const (
	DefaultOutputChanged ChangeKind = "default_output_changed"
	DefaultInputChanged  ChangeKind = "default_input_changed"
	VolumeMuteChanged    ChangeKind = "volume_mute_changed"
)

// ChangeEvent reports a change to an endpoint
type ChangeEvent struct {
	Kind   ChangeKind
	Device Device
}

// Message renders the event as a "<kind>:<json device>" state message
func (e ChangeEvent) Message() (string, error) {
	data, err := json.Marshal(e.Device)
	if err != nil {
		return "", err
	}
	return string(e.Kind) + ":" + string(data), nil
}

// API is the audio capability consumed by the daemon
type API interface {
	OutputDevices(ctx context.Context) ([]Device, error)
	InputDevices(ctx context.Context) ([]Device, error)
	SetDefaultOutput(ctx context.Context, d Device) error
	SetDefaultInput(ctx context.Context, d Device) error
	SetVolume(ctx context.Context, d Device, volume uint8, muted bool) error
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

// Devices lists endpoints of the given kind
func Devices(ctx context.Context, api API, kind Kind) ([]Device, error) {
	if kind == KindInput {
		return api.InputDevices(ctx)
	}
	return api.OutputDevices(ctx)
}

// FindByID looks up an endpoint of the given kind
func FindByID(ctx context.Context, api API, kind Kind, id uint32) (Device, error) {
	devices, err := Devices(ctx, api, kind)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s %d", ErrDeviceNotFound, kind, id)
}

// Forward publishes every change event as a state message until events
// closes or stop is closed.
func Forward(events <-chan ChangeEvent, publish func(string), stop <-chan struct{}, log *logger.Logger) {
	for {
		select {
		case <-stop:
			log.Debug("audio forwarder stopping")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := ev.Message()
			if err != nil {
				log.Warnw("failed to encode audio event", "error", err)
				continue
			}
			publish(msg)
		}
	}
}
