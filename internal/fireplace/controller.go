package fireplace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
)

const enumTimeout = 60 * time.Second

// Enumerator lists the fireplaces registered to the cloud account.
type Enumerator interface {
	EnumDevices(ctx context.Context) ([]Device, error)
}

// Registry persists device identity records across restarts so sessions can
// start before the first successful enumeration.
type Registry interface {
	SaveDevice(dev Device) error
	ListDevices() ([]Device, error)
}

// Controller owns the set of device sessions. It restores known devices from
// the registry at startup and refreshes the set whenever the cloud session
// (re)connects.
type Controller struct {
	router *Router
	enum   Enumerator
	reg    Registry
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	unsub func()
	wg    sync.WaitGroup
}

// NewController creates a controller. The registry may be nil, in which case
// devices live only for the process lifetime.
func NewController(router *Router, enum Enumerator, reg Registry, bus *events.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		router:   router,
		enum:     enum,
		reg:      reg,
		bus:      bus,
		logger:   logger.With("component", "controller"),
		sessions: make(map[string]*Session),
	}
}

// Start restores persisted devices and subscribes to cloud connect events.
func (c *Controller) Start() error {
	if c.reg != nil {
		devices, err := c.reg.ListDevices()
		if err != nil {
			return fmt.Errorf("restore devices: %w", err)
		}
		for _, dev := range devices {
			c.addSession(dev)
		}
		if len(devices) > 0 {
			c.logger.Info("restored devices", "count", len(devices))
		}
	}

	c.unsub = c.bus.On(events.EventCloudConnected, func(events.Event) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.refresh()
		}()
	})
	return nil
}

// Stop tears down all sessions.
func (c *Controller) Stop() {
	if c.unsub != nil {
		c.unsub()
	}
	c.wg.Wait()

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// refresh re-enumerates the account and reconciles the session set. A device
// already running keeps its session only if its identity record is unchanged;
// otherwise the old session is replaced wholesale.
func (c *Controller) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), enumTimeout)
	defer cancel()

	devices, err := c.enum.EnumDevices(ctx)
	if err != nil {
		c.logger.Warn("enumeration failed", "err", err)
		return
	}

	var stale []*Session
	c.mu.Lock()
	for _, dev := range devices {
		if old, ok := c.sessions[dev.Serial]; ok {
			if old.Device() == dev {
				continue
			}
			stale = append(stale, old)
			delete(c.sessions, dev.Serial)
		}
	}
	c.mu.Unlock()
	for _, s := range stale {
		s.Stop()
	}

	for _, dev := range devices {
		if c.reg != nil {
			if err := c.reg.SaveDevice(dev); err != nil {
				c.logger.Warn("persist device", "serial", dev.Serial, "err", err)
			}
		}
		c.addSession(dev)
	}
}

// addSession starts a session for the device unless one already runs.
func (c *Controller) addSession(dev Device) {
	c.mu.Lock()
	if _, ok := c.sessions[dev.Serial]; ok {
		c.mu.Unlock()
		return
	}
	s := NewSession(dev, c.router, c.bus, c.logger)
	c.sessions[dev.Serial] = s
	c.mu.Unlock()

	c.logger.Info("fireplace online", "serial", dev.Serial, "name", dev.Name)
	s.Start()
}

// Session returns the session for a serial.
func (c *Controller) Session(serial string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[serial]
	return s, ok
}

// Devices lists the managed device records, sorted by serial.
func (c *Controller) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]Device, 0, len(c.sessions))
	for _, s := range c.sessions {
		devices = append(devices, s.Device())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices
}

// State returns the current state for a serial.
func (c *Controller) State(serial string) (State, bool) {
	s, ok := c.Session(serial)
	if !ok {
		return State{}, false
	}
	return s.State(), true
}

// SubmitCommand routes a parameter change to the named device.
func (c *Controller) SubmitCommand(serial, param, value string) error {
	s, ok := c.Session(serial)
	if !ok {
		return fmt.Errorf("unknown fireplace %q", serial)
	}
	return s.Submit(param, value)
}
