package fireplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
)

const (
	// Local polls are plain snapshots, so they run on a fixed cadence;
	// cloud long-polls block server-side and are re-issued immediately.
	localPollDelay = 5 * time.Second
	failRetryDelay = 5 * time.Second

	// Analog settings coalesce rapid UI changes into one command.
	debounceWindow = 2 * time.Second

	commandTimeout = 30 * time.Second
)

// Transport is the contract the router exposes to device sessions.
type Transport interface {
	Status(ctx context.Context, dev Device) (State, error)
	Poll(ctx context.Context, dev Device, cur Cursor) (State, Cursor, error)
	Post(ctx context.Context, dev Device, command, value string) error
}

// Session drives the perpetual poll loop for one fireplace, decodes updates
// into the typed state, applies the debouncing policy to writes, and emits
// state-change events on the bus.
type Session struct {
	dev    Device
	router Transport
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	seen   bool
	cursor Cursor
	timers map[string]*time.Timer

	// Overridable in tests.
	pollDelay  time.Duration
	retryDelay time.Duration
	debounce   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a device session. Nothing polls until Start.
func NewSession(dev Device, router Transport, bus *events.Bus, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		dev:        dev,
		router:     router,
		bus:        bus,
		logger:     logger.With("component", "fireplace", "serial", dev.Serial),
		timers:     make(map[string]*time.Timer),
		pollDelay:  localPollDelay,
		retryDelay: failRetryDelay,
		debounce:   debounceWindow,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the poll loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.pollLoop()
}

// Stop cancels the poll loop and any pending debounce timers.
func (s *Session) Stop() {
	s.cancel()
	s.mu.Lock()
	for param, t := range s.timers {
		t.Stop()
		delete(s.timers, param)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Device returns the immutable identity record.
func (s *Session) Device() Device {
	return s.dev
}

// State returns the current decoded state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// pollLoop is the session's single perpetual state: poll, apply, reschedule.
// Polls are strictly sequential, so the cursor is never used concurrently.
func (s *Session) pollLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		cur := s.cursor
		s.mu.Unlock()

		st, next, err := s.router.Poll(s.ctx, s.dev, cur)
		if s.ctx.Err() != nil {
			return
		}

		var delay time.Duration
		switch {
		case errors.Is(err, ErrNoChange):
			s.setCursor(next)
		case err != nil:
			s.logger.Warn("poll failed", "err", err)
			delay = s.retryDelay
		default:
			s.setCursor(next)
			s.applyState(st)
			if next.Source == SourceLocal {
				delay = s.pollDelay
			}
		}

		if delay > 0 && !sleepCtx(s.ctx, delay) {
			return
		}
	}
}

func (s *Session) setCursor(cur Cursor) {
	s.mu.Lock()
	s.cursor = cur
	s.mu.Unlock()
}

// applyState replaces the session state with a server-confirmed snapshot
// and emits a state-change event when anything observable moved.
func (s *Session) applyState(st State) {
	s.mu.Lock()
	prev := s.state
	first := !s.seen
	s.state = st
	s.seen = true
	s.mu.Unlock()

	if first || observablyDifferent(prev, st) {
		s.emitState(st)
	}
}

// observablyDifferent ignores the server timestamp, which advances without
// any setting changing.
func observablyDifferent(a, b State) bool {
	a.Timestamp = 0
	b.Timestamp = 0
	return a != b
}

func (s *Session) emitState(st State) {
	s.bus.Emit(events.Event{Type: events.EventStateChanged, Data: map[string]interface{}{
		"serial":    s.dev.Serial,
		"power":     st.Power,
		"ack_power": st.AckPower,
		"height":    st.Height,
		"fanspeed":  st.FanSpeed,
		"light":     st.Light,
		"timestamp": st.Timestamp,
	}})
}

// Submit routes one named parameter change through the command policy.
// This is the entry point for the accessory glue layer.
func (s *Session) Submit(param, value string) error {
	switch param {
	case ParamPower, ParamLight:
		on, err := parseFlag(value)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", param, err)
		}
		if param == ParamPower {
			s.SetPower(on)
		} else {
			s.SetLight(on)
		}
		return nil
	case ParamHeight, ParamFanSpeed:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", param, err)
		}
		if param == ParamHeight {
			s.SetHeight(n)
		} else {
			s.SetFanSpeed(n)
		}
		return nil
	default:
		return fmt.Errorf("unknown parameter %q", param)
	}
}

// SetPower requests power on/off. Binary settings are idempotent and rare,
// so they go out immediately with no debounce.
func (s *Session) SetPower(on bool) {
	s.mu.Lock()
	if s.seen && s.state.Power == on {
		s.mu.Unlock()
		return
	}
	s.state.Power = on
	st := s.state
	s.mu.Unlock()

	s.emitState(st)
	s.sendAsync(ParamPower, flagValue(on))
}

// SetLight requests the light on/off, sent immediately.
func (s *Session) SetLight(on bool) {
	s.mu.Lock()
	if s.seen && s.state.Light == on {
		s.mu.Unlock()
		return
	}
	s.state.Light = on
	st := s.state
	s.mu.Unlock()

	s.emitState(st)
	s.sendAsync(ParamLight, flagValue(on))
}

// SetHeight requests a flame height. Until the device acknowledges
// ignition the request is capped at half range; the appliance cannot
// safely jump to a high flame before confirmed power-on.
func (s *Session) SetHeight(h int) {
	h = clampLevel(h, MaxHeight)
	s.mu.Lock()
	if !s.state.AckPower && h > MaxHeight/2 {
		h = MaxHeight / 2
	}
	s.state.Height = h
	st := s.state
	s.mu.Unlock()

	s.emitState(st)
	s.debounceSend(ParamHeight, strconv.Itoa(h))
}

// SetFanSpeed requests a fan speed, debounced like height.
func (s *Session) SetFanSpeed(v int) {
	v = clampLevel(v, MaxFanSpeed)
	s.mu.Lock()
	s.state.FanSpeed = v
	st := s.state
	s.mu.Unlock()

	s.emitState(st)
	s.debounceSend(ParamFanSpeed, strconv.Itoa(v))
}

// debounceSend restarts the parameter's send window so that only the last
// value requested within it is transmitted.
func (s *Session) debounceSend(param, value string) {
	s.mu.Lock()
	if t, ok := s.timers[param]; ok {
		t.Stop()
	}
	s.timers[param] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, param)
		s.mu.Unlock()
		s.send(param, value)
	})
	s.mu.Unlock()
}

func (s *Session) sendAsync(param, value string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(param, value)
	}()
}

func (s *Session) send(param, value string) {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	if err := s.router.Post(ctx, s.dev, param, value); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("command failed", "param", param, "value", value, "err", err)
		}
	}
}

func clampLevel(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func parseFlag(v string) (bool, error) {
	switch v {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("bad flag value %q", v)
}

func flagValue(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
