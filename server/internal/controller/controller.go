package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/metrics"
)

// Default timing values, in units.
const (
	DefaultBaseDuration = 20
	DefaultBackoff      = 5
	DefaultStopTimeout  = 5
	DefaultUnit         = time.Second
)

// Scaling applied to the base duration: one extra base per carsPerStep
// vehicles, never below 1× or above maxFactor×.
const (
	carsPerStep = 5
	maxFactor   = 3
)

// ErrStopping is returned by Start while a previous Stop is still waiting
// for the loop to exit.
var ErrStopping = errors.New("controller: stop in progress")

// State is the lifecycle state of a Controller.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Store is the part of the traffic state store the controller needs.
type Store interface {
	Get() types.Snapshot
	SetGreenSignal(d types.Direction) error
}

// Publisher receives a snapshot after every green-signal change.
type Publisher interface {
	Publish(snap types.Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(types.Snapshot)

// Publish calls f(snap).
func (f PublisherFunc) Publish(snap types.Snapshot) { f(snap) }

// Config holds the controller timing. Durations are expressed in units.
type Config struct {
	// BaseDuration is the minimum green time before congestion scaling.
	BaseDuration int

	// Unit is the length of one time unit and the stop-check granularity.
	Unit time.Duration

	// Backoff is the pause after a failed tick.
	Backoff int

	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout int
}

// DefaultConfig returns base 20, backoff 5, stop timeout 5, one-second units.
func DefaultConfig() Config {
	return Config{
		BaseDuration: DefaultBaseDuration,
		Unit:         DefaultUnit,
		Backoff:      DefaultBackoff,
		StopTimeout:  DefaultStopTimeout,
	}
}

// TickError is a transient failure of one scheduler tick. The loop logs it,
// backs off and continues.
type TickError struct {
	Lane types.Direction // NoDirection if the failure happened before selection
	Err  error
}

func (e *TickError) Error() string {
	if e.Lane.Valid() {
		return fmt.Sprintf("controller: tick failed (lane %s): %v", e.Lane, e.Err)
	}
	return fmt.Sprintf("controller: tick failed: %v", e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Phase describes the green phase currently being served.
type Phase struct {
	Lane      types.Direction `json:"lane"`
	Duration  int             `json:"duration"` // units
	StartedAt time.Time       `json:"started_at"`
}

// Status is a point-in-time view of the controller for status queries.
type Status struct {
	State        State                   `json:"state"`
	BaseDuration int                     `json:"base_duration"`
	Unit         string                  `json:"unit"`
	WaitTicks    map[types.Direction]int `json:"wait_ticks"`
	Phase        *Phase                  `json:"phase,omitempty"`
}

// Controller is the adaptive signal scheduler. Create one with New.
type Controller struct {
	store   Store
	pub     Publisher
	metrics *metrics.Metrics

	unit        time.Duration
	backoff     int
	stopTimeout time.Duration
	base        atomic.Int64

	// wmu guards waitTimes and phase. waitTimes is only mutated by
	// SelectNextLane; the lock keeps Status reads race-free.
	wmu       sync.Mutex
	waitTimes [types.NumDirections]int
	phase     *Phase

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Controller. pub may be nil; m may be nil.
// Non-positive config values fall back to the defaults.
func New(st Store, pub Publisher, cfg Config, m *metrics.Metrics) *Controller {
	def := DefaultConfig()
	if cfg.BaseDuration <= 0 {
		cfg.BaseDuration = def.BaseDuration
	}
	if cfg.Unit <= 0 {
		cfg.Unit = def.Unit
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if pub == nil {
		pub = PublisherFunc(func(types.Snapshot) {})
	}

	c := &Controller{
		store:       st,
		pub:         pub,
		metrics:     m,
		unit:        cfg.Unit,
		backoff:     cfg.Backoff,
		stopTimeout: time.Duration(cfg.StopTimeout) * cfg.Unit,
	}
	c.base.Store(int64(cfg.BaseDuration))
	return c
}

// SignalDuration returns the green time, in units, for a lane holding
// vehicleCount vehicles: base × max(1, min(count/5, 3)), truncated.
// Computed in integers so boundary counts are exact.
func SignalDuration(base, vehicleCount int) int {
	n := min(max(vehicleCount, carsPerStep), carsPerStep*maxFactor)
	return base * n / carsPerStep
}

// BaseDuration returns the current base green time in units.
func (c *Controller) BaseDuration() int { return int(c.base.Load()) }

// SetBaseDuration changes the base green time for subsequent ticks.
// Non-positive values are ignored.
func (c *Controller) SetBaseDuration(units int) {
	if units <= 0 {
		return
	}
	if old := c.base.Swap(int64(units)); old != int64(units) {
		slog.Info("controller: base duration changed", "from", old, "to", units)
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectNextLane picks the lane to favour next and updates the wait counters.
func (c *Controller) SelectNextLane() types.Direction {
	snap := c.store.Get()

	c.wmu.Lock()
	defer c.wmu.Unlock()

	selected := types.North
	maxScore := -1
	for _, d := range types.Directions() {
		c.waitTimes[d]++
		score := snap.Lane(d).VehicleCount * c.waitTimes[d]
		if score > maxScore {
			maxScore = score
			selected = d
		}
	}
	c.waitTimes[selected] = 0
	return selected
}

// WaitTicks returns a copy of the per-lane wait counters.
func (c *Controller) WaitTicks() map[types.Direction]int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	out := make(map[types.Direction]int, types.NumDirections)
	for _, d := range types.Directions() {
		out[d] = c.waitTimes[d]
	}
	return out
}

// Status reports the lifecycle state, timing and wait counters.
func (c *Controller) Status() Status {
	st := Status{
		State:        c.State(),
		BaseDuration: c.BaseDuration(),
		Unit:         c.unit.String(),
		WaitTicks:    c.WaitTicks(),
	}
	c.wmu.Lock()
	if c.phase != nil {
		p := *c.phase
		st.Phase = &p
	}
	c.wmu.Unlock()
	return st
}

// Start launches the loop in a background goroutine. It is a no-op while
// running and returns ErrStopping while a previous Stop is still draining.
// Cancelling ctx also stops the loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		return nil
	case StateStopping:
		return ErrStopping
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = StateRunning
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		defer c.markStopped(done)
		c.Run(runCtx)
	}()
	return nil
}

// Stop signals the loop and waits for it to exit, for at most the configured
// stop timeout. It reports whether the loop exited in time; on false the loop
// is still expected to finish within one unit.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return true
	}
	c.state = StateStopping
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()

	t := time.NewTimer(c.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		slog.Warn("controller: loop did not exit within stop timeout",
			"timeout", c.stopTimeout)
		return false
	}
}

// markStopped records that the loop identified by done has exited.
func (c *Controller) markStopped(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.state = StateStopped
	c.cancel()
}

// Run executes ticks until ctx is cancelled. Start is the usual entry point;
// Run is exported for callers that manage the goroutine themselves.
func (c *Controller) Run(ctx context.Context) {
	slog.Info("controller: started",
		"base_duration", c.BaseDuration(), "unit", c.unit, "backoff", c.backoff)

	for ctx.Err() == nil {
		_, duration, err := c.tick()
		if err != nil {
			c.metrics.TickFailed()
			slog.Error("controller: tick failed, backing off",
				"err", err, "backoff_units", c.backoff)
			c.wait(ctx, c.backoff)
			continue
		}
		c.wait(ctx, duration)
	}

	slog.Info("controller: stopped")
}

// tick runs one select → commit → publish step and returns the lane and its
// duration. Errors and panics are returned as *TickError.
func (c *Controller) tick() (lane types.Direction, duration int, err error) {
	lane = types.NoDirection
	defer func() {
		if r := recover(); r != nil {
			err = &TickError{Lane: lane, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	lane = c.SelectNextLane()
	snap := c.store.Get()
	vehicles := snap.Lane(lane).VehicleCount
	duration = SignalDuration(c.BaseDuration(), vehicles)

	if err := c.store.SetGreenSignal(lane); err != nil {
		return lane, 0, &TickError{Lane: lane, Err: err}
	}

	c.wmu.Lock()
	c.phase = &Phase{Lane: lane, Duration: duration, StartedAt: time.Now().UTC()}
	c.wmu.Unlock()

	c.pub.Publish(c.store.Get())
	c.metrics.GreenSignal(lane, time.Duration(duration)*c.unit)

	slog.Info("controller: green signal",
		"lane", lane.String(),
		"vehicles", vehicles,
		"duration_units", duration,
	)
	return lane, duration, nil
}

// wait sleeps for units × unit, checking ctx at every unit. It returns false
// if ctx was cancelled before the wait completed.
func (c *Controller) wait(ctx context.Context, units int) bool {
	if units <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTicker(c.unit)
	defer t.Stop()
	for i := 0; i < units; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}
