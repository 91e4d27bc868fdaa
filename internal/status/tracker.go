// Package status tracks the Tx/Rx activation state machine of one radio
// session and fans changes out to listeners.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/eventbus"
	"firestige.xyz/cv2x/internal/metrics"
)

// DefaultQueryTimeout bounds how long RequestStatus waits for a first status.
const DefaultQueryTimeout = 3 * time.Second

// notifyTimeout bounds how long a notification waits for dispatcher room.
const notifyTimeout = time.Second

// Requester is the subset of the transport the tracker issues requests on.
type Requester interface {
	QueryStatus(cat core.TrafficCategory) error
	SetRadioActive(cat core.TrafficCategory, active bool, done func(error)) error
}

// Listener receives every actual status change. Implementations must be
// comparable (pointer receivers) and return promptly.
type Listener interface {
	OnStatusChanged(status core.RadioStatus)
}

// Options configures a Tracker.
type Options struct {
	Category     core.TrafficCategory
	Key          string // dispatch ordering key
	QueryTimeout time.Duration
}

// Tracker owns the cached RadioStatus of one session.
type Tracker struct {
	category     core.TrafficCategory
	key          string
	queryTimeout time.Duration
	req          Requester
	bus          eventbus.Dispatcher

	sendMu sync.Mutex // held from the end of a t.mu section until its events are queued

	mu            sync.Mutex
	status        core.RadioStatus
	observed      bool
	linkUp        bool
	configPending bool
	requestActive bool // a start/stop request awaits completion
	closed        bool
	listeners     []Listener
	waiters       []func(core.RadioStatus, error)
	queryTimer    *time.Timer
	queryGen      uint64
	outbox        []*eventbus.Event
}

// NewTracker creates a tracker with an Unknown status and the link up.
func NewTracker(req Requester, bus eventbus.Dispatcher, opts Options) *Tracker {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Key == "" {
		opts.Key = opts.Category.String()
	}
	return &Tracker{
		category:     opts.Category,
		key:          opts.Key,
		queryTimeout: opts.QueryTimeout,
		req:          req,
		bus:          bus,
		linkUp:       true,
	}
}

// Status returns the cached status and whether one has been observed.
func (t *Tracker) Status() (core.RadioStatus, bool) {
	t.mu.Lock()
	defer t.unlock()
	return t.status.Clone(), t.observed
}

// RequestStatus resolves cb with the cached status. When none has been
// observed yet it queries the device and resolves cb on first arrival, or
// with ErrServiceUnavailable once the query timeout elapses.
func (t *Tracker) RequestStatus(cb func(core.RadioStatus, error)) error {
	if cb == nil {
		return fmt.Errorf("%w: nil status callback", core.ErrInvalidArgument)
	}

	t.mu.Lock()
	if err := t.gateLocked(); err != nil {
		t.unlock()
		return err
	}
	if t.observed {
		s := t.status.Clone()
		t.dispatchLocked("status-reply", func() { cb(s, nil) })
		t.unlock()
		return nil
	}
	t.waiters = append(t.waiters, cb)
	first := len(t.waiters) == 1
	if first {
		t.queryGen++
		gen := t.queryGen
		t.queryTimer = time.AfterFunc(t.queryTimeout, func() { t.expireWaiters(gen) })
	}
	t.unlock()

	if first {
		if err := t.req.QueryStatus(t.category); err != nil {
			slog.Warn("status query rejected", "category", t.category, "error", err)
			t.failWaiters(fmt.Errorf("%w: status query: %v", core.ErrServiceUnavailable, err))
		}
	}
	return nil
}

// Start requests Tx and Rx to become Active. cb reports whether the device
// accepted the request; the transition itself arrives via OnStatusChanged.
func (t *Tracker) Start(cb func(error)) error {
	return t.setActive(true, cb)
}

// Stop requests Tx and Rx to become Inactive.
func (t *Tracker) Stop(cb func(error)) error {
	return t.setActive(false, cb)
}

func (t *Tracker) setActive(active bool, cb func(error)) error {
	t.mu.Lock()
	if err := t.gateLocked(); err != nil {
		t.unlock()
		return err
	}
	if t.requestActive {
		t.unlock()
		return fmt.Errorf("%w: start/stop request in progress", core.ErrAlready)
	}
	if t.observed && t.inTargetLocked(active) {
		t.unlock()
		return fmt.Errorf("%w: radio already %s", core.ErrAlready, targetName(active))
	}
	t.requestActive = true
	t.unlock()

	err := t.req.SetRadioActive(t.category, active, func(err error) {
		t.mu.Lock()
		t.requestActive = false
		if cb != nil {
			t.dispatchLocked("radio-request", func() { cb(err) })
		}
		t.unlock()
	})
	if err != nil {
		t.mu.Lock()
		t.requestActive = false
		t.unlock()
		return fmt.Errorf("%w: %s request: %v", core.ErrServiceUnavailable, targetName(active), err)
	}
	slog.Debug("radio request submitted", "category", t.category, "target", targetName(active))
	return nil
}

func (t *Tracker) inTargetLocked(active bool) bool {
	if active {
		return t.status.Tx == core.StateActive && t.status.Rx == core.StateActive
	}
	return t.status.Tx == core.StateInactive && t.status.Rx == core.StateInactive
}

func targetName(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

// OnStatusChanged applies a device notification. Listeners and pending
// status requests are notified only when the value differs from the cache.
func (t *Tracker) OnStatusChanged(next core.RadioStatus) {
	t.mu.Lock()
	defer t.unlock()
	if t.closed {
		return
	}

	next = normalize(t.status, next.Clone())
	changed := !next.Equal(t.status)
	t.status = next
	t.observed = true

	waiters := t.waiters
	t.waiters = nil
	if t.queryTimer != nil {
		t.queryTimer.Stop()
		t.queryTimer = nil
	}
	for _, cb := range waiters {
		t.dispatchLocked("status-reply", func() { cb(next.Clone(), nil) })
	}

	if !changed {
		return
	}
	metrics.StatusChangesTotal.WithLabelValues(t.category.String()).Inc()
	slog.Info("radio status changed",
		"category", t.category,
		"tx", next.Tx, "rx", next.Rx,
		"tx_cause", next.TxCause, "rx_cause", next.RxCause,
	)

	listeners := slices.Clone(t.listeners)
	if len(listeners) == 0 {
		return
	}
	t.dispatchLocked("status-changed", func() {
		for _, l := range listeners {
			l.OnStatusChanged(next.Clone())
		}
	})
}

// normalize enforces the state machine on an incoming status.
func normalize(prev, next core.RadioStatus) core.RadioStatus {
	next.Tx = nextState(prev.Tx, next.Tx)
	next.Rx = nextState(prev.Rx, next.Rx)
	if next.Tx == core.StateActive {
		next.TxCause = core.CauseNone
	}
	if next.Rx == core.StateActive {
		next.RxCause = core.CauseNone
	}
	return next
}

func nextState(prev, next core.RadioState) core.RadioState {
	switch {
	case next == core.StateUnknown && prev != core.StateUnknown:
		// Unknown is never re-entered
		return prev
	case next == core.StateSuspended && prev != core.StateActive && prev != core.StateSuspended:
		return core.StateInactive
	}
	return next
}

// SetLinkAvailable records transport link availability. Pending status
// requests fail when the link drops.
func (t *Tracker) SetLinkAvailable(up bool) {
	t.mu.Lock()
	t.linkUp = up
	t.unlock()
	if !up {
		t.failWaiters(fmt.Errorf("%w: transport link down", core.ErrServiceUnavailable))
	}
}

// SetConfigPending records whether a configuration update is in progress.
func (t *Tracker) SetConfigPending(pending bool) {
	t.mu.Lock()
	t.configPending = pending
	t.unlock()
}

func (t *Tracker) gateLocked() error {
	switch {
	case t.closed:
		return fmt.Errorf("%w: status tracker closed", core.ErrInvalidState)
	case !t.linkUp:
		return fmt.Errorf("%w: transport link down", core.ErrServiceUnavailable)
	case t.configPending:
		return fmt.Errorf("%w: configuration update pending", core.ErrAlready)
	}
	return nil
}

// RegisterListener adds l to the fan-out list.
func (t *Tracker) RegisterListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", core.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.unlock()
	if slices.Contains(t.listeners, l) {
		return fmt.Errorf("%w: listener registered", core.ErrAlready)
	}
	t.listeners = append(t.listeners, l)
	return nil
}

// DeregisterListener removes l.
func (t *Tracker) DeregisterListener(l Listener) error {
	t.mu.Lock()
	defer t.unlock()
	i := slices.Index(t.listeners, l)
	if i < 0 {
		return fmt.Errorf("%w: listener not registered", core.ErrInvalidArgument)
	}
	t.listeners = slices.Delete(t.listeners, i, i+1)
	return nil
}

// Close fails pending status requests and rejects further requests.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.listeners = nil
	t.unlock()
	t.failWaiters(fmt.Errorf("%w: status tracker closed", core.ErrServiceUnavailable))
}

func (t *Tracker) expireWaiters(gen uint64) {
	t.mu.Lock()
	defer t.unlock()
	if gen != t.queryGen || len(t.waiters) == 0 {
		return
	}
	slog.Warn("status query timed out", "category", t.category, "timeout", t.queryTimeout)
	t.failWaitersLocked(fmt.Errorf("%w: no status within %s", core.ErrServiceUnavailable, t.queryTimeout))
}

func (t *Tracker) failWaiters(err error) {
	t.mu.Lock()
	defer t.unlock()
	t.failWaitersLocked(err)
}

func (t *Tracker) failWaitersLocked(err error) {
	waiters := t.waiters
	t.waiters = nil
	if t.queryTimer != nil {
		t.queryTimer.Stop()
		t.queryTimer = nil
	}
	for _, cb := range waiters {
		t.dispatchLocked("status-reply", func() { cb(core.RadioStatus{}, err) })
	}
}

// dispatchLocked queues fn for delivery when t.mu is released, so events
// leave in cache order.
func (t *Tracker) dispatchLocked(topic string, fn func()) {
	t.outbox = append(t.outbox, &eventbus.Event{Topic: topic, Key: t.key, Run: fn})
}

// unlock releases t.mu and hands the queued events to the dispatcher. A full
// dispatcher is waited on for up to notifyTimeout per event.
func (t *Tracker) unlock() {
	events := t.outbox
	t.outbox = nil
	if len(events) == 0 {
		t.mu.Unlock()
		return
	}
	t.sendMu.Lock()
	t.mu.Unlock()
	defer t.sendMu.Unlock()

	for _, ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := t.bus.PublishWait(ctx, ev)
		cancel()
		if err != nil {
			slog.Warn("status event dropped", "category", t.category, "topic", ev.Topic, "error", err)
		}
	}
}
