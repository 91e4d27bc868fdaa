package session

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/eventbus"
	"firestige.xyz/cv2x/internal/throttle"
	"firestige.xyz/cv2x/internal/transport"
)

// DialFunc opens the device transport of one slot.
type DialFunc func(slot int) (transport.Transport, error)

// Options configures a Context.
type Options struct {
	Workers            int
	QueueSize          int
	StatusQueryTimeout time.Duration
	RequestTimeout     time.Duration // flow and subscription requests
	// ThrottleSlot is the slot whose transport serves the throttle loop.
	ThrottleSlot    int
	DisableThrottle bool
}

type sessionKey struct {
	slot     int
	category core.TrafficCategory
}

// Context owns every session of the host application, keyed by slot and
// traffic category, plus the single throttle controller. It replaces any
// process-wide registry; its lifetime bounds every object it hands out.
type Context struct {
	dial DialFunc
	opts Options
	bus  *eventbus.InMemoryBus

	mu         sync.Mutex
	transports map[int]transport.Transport
	sessions   map[sessionKey]*Session
	throttle   *throttle.Controller
	closed     bool
}

func NewContext(dial DialFunc, opts Options) *Context {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	return &Context{
		dial:       dial,
		opts:       opts,
		bus:        eventbus.NewInMemoryBus(opts.Workers, opts.QueueSize),
		transports: make(map[int]transport.Transport),
		sessions:   make(map[sessionKey]*Session),
	}
}

// Session returns the session for (slot, cat), opening it on first use.
// The same instance is returned until Close.
func (c *Context) Session(slot int, cat core.TrafficCategory) (*Session, error) {
	if slot < 0 {
		return nil, fmt.Errorf("%w: slot %d", core.ErrInvalidArgument, slot)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: context closed", core.ErrInvalidState)
	}
	key := sessionKey{slot: slot, category: cat}
	if s, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	t, err := c.transportLocked(slot)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s := newSession(slot, cat, t, c.bus, c.opts)
	c.sessions[key] = s
	c.mu.Unlock()

	// the transport may answer inline and route back through the sink
	slog.Info("session opened", "slot", slot, "category", cat)
	s.open()
	return s, nil
}

func (c *Context) transportLocked(slot int) (transport.Transport, error) {
	if t, ok := c.transports[slot]; ok {
		return t, nil
	}
	t, err := c.dial(slot)
	if err != nil {
		return nil, fmt.Errorf("%w: dial slot %d: %v", core.ErrServiceUnavailable, slot, err)
	}
	t.Attach(&slotSink{ctx: c, slot: slot})
	c.transports[slot] = t
	return t, nil
}

// Sessions returns the open sessions ordered by slot and category.
func (c *Context) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		if n := cmp.Compare(a.slot, b.slot); n != 0 {
			return n
		}
		return cmp.Compare(a.category, b.category)
	})
	return out
}

// Throttle returns the throttle controller, creating it on first use.
func (c *Context) Throttle() (*throttle.Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", core.ErrInvalidState)
	}
	if c.opts.DisableThrottle {
		return nil, fmt.Errorf("%w: throttle disabled", core.ErrServiceUnavailable)
	}
	if c.throttle != nil {
		return c.throttle, nil
	}
	t, err := c.transportLocked(c.opts.ThrottleSlot)
	if err != nil {
		return nil, err
	}
	c.throttle = throttle.NewController(t, c.bus)
	return c.throttle, nil
}

// Stats reports dispatcher counters.
func (c *Context) Stats() *eventbus.Stats {
	return c.bus.GetStats()
}

// Close tears down every session, then the transports and the dispatcher.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	transports := make(map[int]transport.Transport, len(c.transports))
	for slot, t := range c.transports {
		transports[slot] = t
	}
	ctrl := c.throttle
	c.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.Close()
			return nil
		})
	}
	_ = g.Wait()
	if ctrl != nil {
		ctrl.Close()
	}

	var tg errgroup.Group
	for slot, t := range transports {
		tg.Go(func() error {
			if err := t.Close(); err != nil {
				return fmt.Errorf("close slot %d transport: %w", slot, err)
			}
			return nil
		})
	}
	err := errors.Join(tg.Wait(), c.bus.Close())

	slog.Info("context closed", "sessions", len(sessions))
	return err
}

func (c *Context) slotSessions(slot int, match func(core.TrafficCategory) bool) []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Session
	for k, s := range c.sessions {
		if k.slot == slot && match(k.category) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Context) throttleFor(slot int) *throttle.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot != c.opts.ThrottleSlot {
		return nil
	}
	return c.throttle
}

// slotSink routes notifications of one slot's transport to its sessions.
type slotSink struct {
	ctx  *Context
	slot int
}

func anyCategory(core.TrafficCategory) bool { return true }

func (k *slotSink) OnStatus(cat core.TrafficCategory, st core.RadioStatus) {
	sessions := k.ctx.slotSessions(k.slot, func(c core.TrafficCategory) bool { return c == cat })
	if len(sessions) == 0 {
		slog.Debug("status for unopened session", "slot", k.slot, "category", cat)
	}
	for _, s := range sessions {
		s.tracker.OnStatusChanged(st)
	}
}

func (k *slotSink) OnLinkStatus(up bool) {
	slog.Info("transport link status", "slot", k.slot, "up", up)
	for _, s := range k.ctx.slotSessions(k.slot, anyCategory) {
		s.tracker.SetLinkAvailable(up)
	}
}

func (k *slotSink) OnConfigUpdate(pending bool) {
	slog.Info("configuration update", "slot", k.slot, "pending", pending)
	for _, s := range k.ctx.slotSessions(k.slot, anyCategory) {
		s.applyConfigUpdate(pending)
	}
}

func (k *slotSink) OnFilterRateAdjustment(delta int) {
	if ctrl := k.ctx.throttleFor(k.slot); ctrl != nil {
		ctrl.OnFilterRateAdjustment(delta)
	}
}

func (k *slotSink) OnThrottleServiceStatus(st core.ServiceStatus) {
	if ctrl := k.ctx.throttleFor(k.slot); ctrl != nil {
		ctrl.OnServiceStatus(st)
	}
}
