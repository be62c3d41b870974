package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/svrl/svrl/internal/logger"
)

// Runner executes a pactl invocation and returns its stdout
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Pactl implements API on top of the pactl command line client, which
// talks to both PulseAudio and PipeWire's pulse server.
type Pactl struct {
	binary string
	run    Runner
	log    *logger.Logger
}

// NewPactl returns an API driving binary (normally "pactl")
func NewPactl(binary string, log *logger.Logger) *Pactl {
	if binary == "" {
		binary = "pactl"
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Pactl{binary: binary, log: log}
	p.run = p.exec
	return p
}

func (p *Pactl) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pactl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

type pactlVolume struct {
	ValuePercent string `json:"value_percent"`
}

type pactlNode struct {
	Index         uint32                 `json:"index"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Mute          bool                   `json:"mute"`
	Volume        map[string]pactlVolume `json:"volume"`
	MonitorOfSink string                 `json:"monitor_of_sink"`
}

// parseNodes decodes `pactl --format=json list sinks|sources`
func parseNodes(data []byte, kind Kind, defaultName string) ([]Device, error) {
	var nodes []pactlNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode pactl output: %w", err)
	}

	devices := make([]Device, 0, len(nodes))
	for _, n := range nodes {
		// Monitor sources mirror sinks and are not real inputs
		if kind == KindInput && n.MonitorOfSink != "" && n.MonitorOfSink != "n/a" {
			continue
		}
		devices = append(devices, Device{
			ID:          n.Index,
			Kind:        kind,
			Name:        n.Name,
			Description: n.Description,
			IsDefault:   n.Name == defaultName,
			Volume:      maxPercent(n.Volume),
			IsMuted:     n.Mute,
		})
	}
	return devices, nil
}

func maxPercent(channels map[string]pactlVolume) uint8 {
	var max int
	for _, ch := range channels {
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(ch.ValuePercent), "%"))
		if err == nil && v > max {
			max = v
		}
	}
	if max > 255 {
		max = 255
	}
	return uint8(max)
}

func (p *Pactl) list(ctx context.Context, kind Kind) ([]Device, error) {
	noun, getDefault := "sinks", "get-default-sink"
	if kind == KindInput {
		noun, getDefault = "sources", "get-default-source"
	}

	def, err := p.run(ctx, getDefault)
	if err != nil {
		return nil, err
	}
	out, err := p.run(ctx, "--format=json", "list", noun)
	if err != nil {
		return nil, err
	}
	return parseNodes(out, kind, strings.TrimSpace(string(def)))
}

// OutputDevices lists playback endpoints
func (p *Pactl) OutputDevices(ctx context.Context) ([]Device, error) {
	return p.list(ctx, KindOutput)
}

// InputDevices lists capture endpoints, excluding sink monitors
func (p *Pactl) InputDevices(ctx context.Context) ([]Device, error) {
	return p.list(ctx, KindInput)
}

// SetDefaultOutput makes d the default playback endpoint
func (p *Pactl) SetDefaultOutput(ctx context.Context, d Device) error {
	_, err := p.run(ctx, "set-default-sink", d.Name)
	return err
}

// SetDefaultInput makes d the default capture endpoint
func (p *Pactl) SetDefaultInput(ctx context.Context, d Device) error {
	_, err := p.run(ctx, "set-default-source", d.Name)
	return err
}

// SetVolume sets the volume percentage and mute state of d
func (p *Pactl) SetVolume(ctx context.Context, d Device, volume uint8, muted bool) error {
	noun := "sink"
	if d.Kind == KindInput {
		noun = "source"
	}
	if _, err := p.run(ctx, "set-"+noun+"-volume", d.Name, fmt.Sprintf("%d%%", volume)); err != nil {
		return err
	}
	mute := "0"
	if muted {
		mute = "1"
	}
	_, err := p.run(ctx, "set-"+noun+"-mute", d.Name, mute)
	return err
}

var subscribeLine = regexp.MustCompile(`^Event '(\w+)' on (sink|source|server)(?: #(\d+))?`)

type subscribeEvent struct {
	action   string
	facility string
	index    uint32
}

func parseSubscribeLine(line string) (subscribeEvent, bool) {
	m := subscribeLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return subscribeEvent{}, false
	}
	ev := subscribeEvent{action: m[1], facility: m[2]}
	if m[3] != "" {
		idx, err := strconv.ParseUint(m[3], 10, 32)
		if err != nil {
			return subscribeEvent{}, false
		}
		ev.index = uint32(idx)
	}
	return ev, true
}

// Subscribe follows `pactl subscribe` and turns raw notifications into
// default-changed and volume/mute-changed events. The channel closes when
// ctx is cancelled or pactl exits.
func (p *Pactl) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	cmd := exec.CommandContext(ctx, p.binary, "subscribe")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open pactl subscribe pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pactl subscribe: %w", err)
	}

	events := make(chan ChangeEvent, 16)
	w := newWatcher(p)
	w.prime(ctx)

	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			ev, ok := parseSubscribeLine(scanner.Text())
			if !ok || ev.action != "change" {
				continue
			}
			for _, change := range w.handle(ctx, ev) {
				select {
				case events <- change:
				case <-ctx.Done():
					_ = cmd.Wait()
					return
				}
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			p.log.Warnw("pactl subscribe exited", "error", err)
		}
	}()

	return events, nil
}

// watcher diffs endpoint state to classify raw change notifications
type watcher struct {
	api API

	mu       sync.Mutex
	defaults map[Kind]string
	levels   map[string]Device
}

func newWatcher(api API) *watcher {
	return &watcher{
		api:      api,
		defaults: make(map[Kind]string),
		levels:   make(map[string]Device),
	}
}

func levelKey(kind Kind, id uint32) string {
	return fmt.Sprintf("%s/%d", kind, id)
}

func (w *watcher) prime(ctx context.Context) {
	for _, kind := range []Kind{KindOutput, KindInput} {
		devices, err := Devices(ctx, w.api, kind)
		if err != nil {
			continue
		}
		w.mu.Lock()
		for _, d := range devices {
			w.levels[levelKey(kind, d.ID)] = d
			if d.IsDefault {
				w.defaults[kind] = d.Name
			}
		}
		w.mu.Unlock()
	}
}

func (w *watcher) handle(ctx context.Context, ev subscribeEvent) []ChangeEvent {
	switch ev.facility {
	case "server":
		return w.checkDefaults(ctx)
	case "sink":
		return w.checkLevel(ctx, KindOutput, ev.index)
	case "source":
		return w.checkLevel(ctx, KindInput, ev.index)
	}
	return nil
}

func (w *watcher) checkDefaults(ctx context.Context) []ChangeEvent {
	var changes []ChangeEvent
	for _, kind := range []Kind{KindOutput, KindInput} {
		devices, err := Devices(ctx, w.api, kind)
		if err != nil {
			continue
		}
		for _, d := range devices {
			if !d.IsDefault {
				continue
			}
			w.mu.Lock()
			changed := w.defaults[kind] != d.Name
			w.defaults[kind] = d.Name
			w.mu.Unlock()
			if changed {
				change := DefaultOutputChanged
				if kind == KindInput {
					change = DefaultInputChanged
				}
				changes = append(changes, ChangeEvent{Kind: change, Device: d})
			}
		}
	}
	return changes
}

func (w *watcher) checkLevel(ctx context.Context, kind Kind, id uint32) []ChangeEvent {
	d, err := FindByID(ctx, w.api, kind, id)
	if err != nil {
		return nil
	}

	key := levelKey(kind, id)
	w.mu.Lock()
	prev, seen := w.levels[key]
	w.levels[key] = d
	w.mu.Unlock()

	if seen && prev.Volume == d.Volume && prev.IsMuted == d.IsMuted {
		return nil
	}
	return []ChangeEvent{{Kind: VolumeMuteChanged, Device: d}}
}
