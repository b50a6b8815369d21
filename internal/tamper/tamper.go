// Package tamper monitors the physical environment for attack conditions:
// supply voltage out of range, temperature out of range, and fast voltage
// swings characteristic of glitch injection. Detected events are published
// to a single-slot mailbox that the boot sequencer drains at every stage
// boundary; responses follow a fixed severity-ordered sequence.
package tamper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"bootguard/internal/hal"
	"bootguard/internal/logging"
)

// Event is a bitmask of detected tamper conditions.
type Event uint32

const (
	EventVoltageLow  Event = 1 << 0
	EventVoltageHigh Event = 1 << 1
	EventTempLow     Event = 1 << 2
	EventTempHigh    Event = 1 << 3
	EventGlitch      Event = 1 << 4
)

// String returns a compact name list for logging.
func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	names := []struct {
		bit  Event
		name string
	}{
		{EventVoltageLow, "voltage-low"},
		{EventVoltageHigh, "voltage-high"},
		{EventTempLow, "temp-low"},
		{EventTempHigh, "temp-high"},
		{EventGlitch, "glitch"},
	}
	out := ""
	for _, n := range names {
		if e&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "+"
		}
		out += n.name
	}
	return out
}

// Thresholds define the envelope of acceptable operating conditions.
type Thresholds struct {
	VoltageMinMV  uint32
	VoltageMaxMV  uint32
	TempMinC      int32
	TempMaxC      int32
	GlitchDeltaMV uint32
}

// DefaultThresholds returns the production envelope.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VoltageMinMV:  1700,
		VoltageMaxMV:  2000,
		TempMinC:      -40,
		TempMaxC:      85,
		GlitchDeltaMV: 200,
	}
}

// Phase tracks monitor lifecycle.
type Phase uint32

const (
	PhaseUninitialized Phase = iota
	PhaseArmed
	PhaseTripped
)

// Context holds the monitor's observable state. All fields are atomics so
// the sequencer can read them without synchronizing with the sampling
// path.
type Context struct {
	lastVoltageMV atomic.Uint32
	lastTempC     atomic.Int32
	eventCount    atomic.Uint32
	sticky        atomic.Uint32
}

// LastVoltageMV returns the most recent voltage sample.
func (c *Context) LastVoltageMV() uint32 { return c.lastVoltageMV.Load() }

// LastTempC returns the most recent temperature sample.
func (c *Context) LastTempC() int32 { return c.lastTempC.Load() }

// EventCount returns how many sampling rounds detected at least one event.
func (c *Context) EventCount() uint32 { return c.eventCount.Load() }

// Events returns the union of every event ever detected. Sticky bits are
// never cleared; they feed the attestation report.
func (c *Context) Events() Event { return Event(c.sticky.Load()) }

// KeyEraser destroys all live key material. Implemented by the key fabric.
type KeyEraser interface {
	EraseKeys()
}

// Locker renders the device permanently inoperable for secrets.
// Implemented over the secure store's sticky lock counter.
type Locker interface {
	LockDevice() error
}

// Monitor errors.
var (
	ErrNotArmed       = errors.New("tamper: monitor not armed")
	ErrTripped        = errors.New("tamper: monitor tripped, device locked down")
	ErrGlitchResponse = errors.New("tamper: glitch response issued")
)

// Monitor samples the environment and coordinates the tamper response.
type Monitor struct {
	sensors hal.Sensors
	sys     hal.System
	eraser  KeyEraser
	locker  Locker
	thr     Thresholds
	log     *logging.Logger

	ctx   Context
	phase atomic.Uint32

	// mailbox is the single-slot event channel to the sequencer. New
	// events OR into the pending word; the sequencer drains with a swap.
	mailbox atomic.Uint32

	sampled atomic.Bool
}

// NewMonitor builds an unarmed monitor.
func NewMonitor(sensors hal.Sensors, sys hal.System, eraser KeyEraser, locker Locker, thr Thresholds, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Default()
	}
	return &Monitor{
		sensors: sensors,
		sys:     sys,
		eraser:  eraser,
		locker:  locker,
		thr:     thr,
		log:     log.WithComponent("tamper"),
	}
}

// Ctx exposes the observable monitor state.
func (m *Monitor) Ctx() *Context { return &m.ctx }

// Phase returns the current lifecycle phase.
func (m *Monitor) Phase() Phase { return Phase(m.phase.Load()) }

// Start primes the monitor with one sample and arms it. A tripped
// monitor can never be re-armed.
func (m *Monitor) Start() error {
	if m.Phase() == PhaseTripped {
		return ErrTripped
	}
	v, err := m.sensors.ReadVoltage()
	if err != nil {
		return err
	}
	t, err := m.sensors.ReadTemperature()
	if err != nil {
		return err
	}
	m.ctx.lastVoltageMV.Store(v)
	m.ctx.lastTempC.Store(t)
	m.sampled.Store(true)
	m.phase.Store(uint32(PhaseArmed))
	m.log.Debug("monitor armed", "voltage_mv", v, "temp_c", t)
	return nil
}

// Poll takes one sample, classifies it against the thresholds, and posts
// any detected events to the mailbox. A sensor read failure is itself
// suspicious and reported as an error.
func (m *Monitor) Poll() error {
	if m.Phase() == PhaseTripped {
		return ErrTripped
	}
	if m.Phase() != PhaseArmed {
		return ErrNotArmed
	}

	v, err := m.sensors.ReadVoltage()
	if err != nil {
		return err
	}
	t, err := m.sensors.ReadTemperature()
	if err != nil {
		return err
	}

	var ev Event
	if v < m.thr.VoltageMinMV {
		ev |= EventVoltageLow
	}
	if v > m.thr.VoltageMaxMV {
		ev |= EventVoltageHigh
	}
	if t < m.thr.TempMinC {
		ev |= EventTempLow
	}
	if t > m.thr.TempMaxC {
		ev |= EventTempHigh
	}

	// The glitch check compares against the previous sample regardless
	// of whether either sample is inside the absolute envelope: a fast
	// swing entirely within range is still an injection signature.
	prev := m.ctx.lastVoltageMV.Load()
	if m.sampled.Load() {
		delta := prev - v
		if v > prev {
			delta = v - prev
		}
		if delta > m.thr.GlitchDeltaMV {
			ev |= EventGlitch
		}
	}

	m.ctx.lastVoltageMV.Store(v)
	m.ctx.lastTempC.Store(t)
	m.sampled.Store(true)

	if ev != 0 {
		m.ctx.eventCount.Add(1)
		atomicOr(&m.ctx.sticky, uint32(ev))
		atomicOr(&m.mailbox, uint32(ev))
		m.log.Warn("tamper event detected", "events", ev.String(), "voltage_mv", v, "temp_c", t)
	}
	return nil
}

// atomicOr is atomic.Uint32.Or, which requires Go 1.23; this module is
// built with an older toolchain.
func atomicOr(u *atomic.Uint32, mask uint32) {
	for {
		old := u.Load()
		if u.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Pending drains the mailbox, returning and clearing any posted events.
func (m *Monitor) Pending() Event {
	return Event(m.mailbox.Swap(0))
}

// Respond executes the tamper response for ev, in fixed order: key
// erasure first, then the device lock, then reset. Temperature-only
// excursions lock without erasing; any voltage event erases keys; a
// glitch additionally forces an immediate reset and leaves the monitor
// permanently tripped.
func (m *Monitor) Respond(ev Event) error {
	if ev == 0 {
		return nil
	}
	m.phase.Store(uint32(PhaseTripped))
	m.log.Error("executing tamper response", "events", ev.String())

	voltage := ev&(EventVoltageLow|EventVoltageHigh|EventGlitch) != 0

	if voltage && m.eraser != nil {
		m.eraser.EraseKeys()
	}
	if m.locker != nil {
		if err := m.locker.LockDevice(); err != nil {
			m.log.Error("device lock failed", "error", err)
		}
	}
	if ev&EventGlitch != 0 {
		m.sys.Reset()
		return ErrGlitchResponse
	}
	return ErrTripped
}

// Run polls on a fixed interval until ctx is cancelled. If a poll posts
// events the loop keeps running; the sequencer owns the response
// decision. Used when the integrator wants background sampling between
// stage boundaries.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(); err != nil {
				if errors.Is(err, ErrTripped) {
					return err
				}
				m.log.Error("poll failed", "error", err)
			}
		}
	}
}
