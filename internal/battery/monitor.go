package battery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/logger"
)

const (
	defaultInterval = 60 * time.Second
	defaultHistory  = 128
	queryTimeout    = 10 * time.Second
)

// Source is the headset access the monitor needs
type Source interface {
	Current() (device.Device, bool)
	Shell(ctx context.Context, args ...string) ([]byte, error)
	ForceUpdates() (<-chan struct{}, func())
}

// Info is the latest sample plus recent charge levels, oldest first
type Info struct {
	Stats   Stats `json:"stats"`
	History []int `json:"history"`
}

// Monitor periodically samples the battery and publishes
// "battery:<json>" messages
type Monitor struct {
	src      Source
	publish  func(string)
	interval time.Duration
	history  int
	log      *logger.Logger

	mu     sync.RWMutex
	info   *Info
	levels []int
}

// NewMonitor returns a monitor sampling every interval and keeping the
// last history levels
func NewMonitor(src Source, publish func(string), interval time.Duration, history int, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if history <= 0 {
		history = defaultHistory
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		src:      src,
		publish:  publish,
		interval: interval,
		history:  history,
		log:      log.Named("battery"),
	}
}

// Run samples until stop is closed. A force update triggers an immediate
// sample.
func (m *Monitor) Run(ctx context.Context, stop <-chan struct{}) {
	force, cancel := m.src.ForceUpdates()
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			m.log.Debug("battery monitor stopping")
			return
		case <-ctx.Done():
			return
		case _, ok := <-force:
			if !ok {
				force = nil
				continue
			}
		case <-timer.C:
		}

		if _, ok := m.src.Current(); ok {
			if err := m.Poll(ctx); err != nil {
				m.log.Warnw("failed to sample battery", "error", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.interval)
	}
}

// Poll takes one sample and publishes it
func (m *Monitor) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := m.src.Shell(ctx, "dumpsys", "battery")
	if err != nil {
		return err
	}
	stats, err := ParseDumpsys(string(out))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.levels = append(m.levels, int(stats.Level))
	if len(m.levels) > m.history {
		m.levels = m.levels[len(m.levels)-m.history:]
	}
	info := Info{Stats: stats, History: append([]int(nil), m.levels...)}
	m.info = &info
	m.mu.Unlock()

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if m.publish != nil {
		m.publish("battery:" + string(data))
	}
	return nil
}

// Info returns the latest sample
func (m *Monitor) Info() (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info == nil {
		return Info{}, false
	}
	return *m.info, true
}
