// Package throttle runs the verification-load feedback loop: clients report
// the load they process and receive filter-rate adjustments out of band.
package throttle

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/eventbus"
	"firestige.xyz/cv2x/internal/metrics"
)

// DispatchKey orders every throttle notification on one worker.
const DispatchKey = "throttle"

// Requester forwards measured load downstream.
type Requester interface {
	SubmitVerificationLoad(load int, done func(error)) error
}

// Listener receives throttle notifications. Implementations must be
// comparable and should embed NopListener to pick the events they need.
type Listener interface {
	OnFilterRateAdjustment(delta int)
	OnServiceStatusChange(status core.ServiceStatus)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnFilterRateAdjustment(int)               {}
func (NopListener) OnServiceStatusChange(core.ServiceStatus) {}

// Controller is Unavailable until a listener is registered and one load
// submission has been accepted. A service restart drops it back to
// Unavailable until load is submitted again; a service failure is terminal.
type Controller struct {
	req Requester
	bus eventbus.Dispatcher

	mu           sync.Mutex
	state        core.ServiceStatus
	loadAccepted bool
	lastLoad     int
	hasLoad      bool
	listeners    []Listener
	closed       bool
}

// NewController returns an Unavailable controller that submits load through
// req and delivers notifications through bus.
func NewController(req Requester, bus eventbus.Dispatcher) *Controller {
	return &Controller{
		req:   req,
		bus:   bus,
		state: core.ServiceUnavailable,
	}
}

// State returns the effective service status.
func (c *Controller) State() core.ServiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastLoad returns the most recently submitted load. Earlier values are not
// kept.
func (c *Controller) LastLoad() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLoad, c.hasLoad
}

// SetVerificationLoad submits load, in messages per second. A negative load
// fails with ErrInvalidArgument and cb is not invoked. cb reports only
// whether the submission was accepted downstream.
func (c *Controller) SetVerificationLoad(load int, cb func(error)) error {
	if load < 0 {
		return fmt.Errorf("%w: negative verification load %d", core.ErrInvalidArgument, load)
	}

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastLoad, c.hasLoad = load, true
	c.mu.Unlock()

	err := c.req.SubmitVerificationLoad(load, func(err error) {
		if err == nil {
			c.mu.Lock()
			if c.state != core.ServiceFailed {
				c.loadAccepted = true
				c.updateLocked()
			}
			c.mu.Unlock()
		} else {
			slog.Warn("verification load rejected", "load", load, "error", err)
		}
		if cb != nil {
			c.dispatch("throttle-load", func() { cb(err) })
		}
	})
	if err != nil {
		return fmt.Errorf("%w: submit verification load: %v", core.ErrServiceUnavailable, err)
	}
	slog.Debug("verification load submitted", "load", load)
	return nil
}

// RegisterListener adds l. Registering the same listener twice fails with
// ErrAlready.
func (c *Controller) RegisterListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", core.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	if slices.Contains(c.listeners, l) {
		return fmt.Errorf("%w: listener already registered", core.ErrAlready)
	}
	c.listeners = append(c.listeners, l)
	c.updateLocked()
	return nil
}

// DeregisterListener removes l; an unknown listener is ErrInvalidArgument.
func (c *Controller) DeregisterListener(l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	i := slices.Index(c.listeners, l)
	if i < 0 {
		return fmt.Errorf("%w: listener not registered", core.ErrInvalidArgument)
	}
	c.listeners = slices.Delete(c.listeners, i, i+1)
	c.updateLocked()
	return nil
}

// OnFilterRateAdjustment delivers delta to every listener. Adjustments that
// arrive while the controller is not Available are dropped.
func (c *Controller) OnFilterRateAdjustment(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != core.ServiceAvailable {
		slog.Debug("filter rate adjustment dropped", "delta", delta, "state", c.state)
		return
	}
	listeners := slices.Clone(c.listeners)
	c.dispatch("throttle-adjust", func() {
		for _, l := range listeners {
			l.OnFilterRateAdjustment(delta)
		}
	})
	metrics.ThrottleAdjustmentsTotal.Inc()
}

// OnServiceStatus applies an availability report from the underlying
// service. Unavailable means the service is restarting and load must be
// submitted again; Available alone does not restore the controller.
func (c *Controller) OnServiceStatus(s core.ServiceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == core.ServiceFailed {
		return
	}
	switch s {
	case core.ServiceFailed:
		c.state = core.ServiceFailed
		slog.Error("throttle service failed")
		c.notifyLocked(core.ServiceFailed)
		return
	case core.ServiceUnavailable:
		c.loadAccepted = false
		slog.Warn("throttle service restarting, load must be resubmitted")
	}
	c.updateLocked()
}

// Close stops notification delivery.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.listeners = nil
}

func (c *Controller) usableLocked() error {
	if c.closed {
		return fmt.Errorf("%w: throttle controller closed", core.ErrInvalidState)
	}
	if c.state == core.ServiceFailed {
		return fmt.Errorf("%w: throttle service failed", core.ErrServiceFailed)
	}
	return nil
}

// updateLocked recomputes the effective state and notifies on change.
func (c *Controller) updateLocked() {
	if c.state == core.ServiceFailed {
		return
	}
	next := core.ServiceUnavailable
	if c.loadAccepted && len(c.listeners) > 0 {
		next = core.ServiceAvailable
	}
	if next == c.state {
		return
	}
	c.state = next
	slog.Info("throttle service status changed", "status", next)
	c.notifyLocked(next)
}

func (c *Controller) notifyLocked(s core.ServiceStatus) {
	listeners := slices.Clone(c.listeners)
	c.dispatch("throttle-status", func() {
		for _, l := range listeners {
			l.OnServiceStatusChange(s)
		}
	})
}

func (c *Controller) dispatch(topic string, fn func()) {
	if err := c.bus.Publish(&eventbus.Event{Topic: topic, Key: DispatchKey, Run: fn}); err != nil {
		slog.Warn("throttle notification dropped", "topic", topic, "error", err)
	}
}
