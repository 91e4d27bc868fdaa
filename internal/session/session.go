// Package session composes the per-category radio components and the
// context object that owns them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/eventbus"
	"firestige.xyz/cv2x/internal/rxsub"
	"firestige.xyz/cv2x/internal/status"
	"firestige.xyz/cv2x/internal/transport"
	"firestige.xyz/cv2x/internal/txflow"
)

// Session is the radio session of one traffic category on one slot.
type Session struct {
	slot     int
	category core.TrafficCategory
	key      string
	req      transport.Requester

	tracker *status.Tracker
	tx      *txflow.Registry
	rx      *rxsub.Registry

	mu          sync.Mutex
	caps        core.Capabilities
	capsKnown   bool
	statusKnown bool
	readyErr    error
	ready       chan struct{}
	closed      bool
}

func newSession(slot int, cat core.TrafficCategory, req transport.Requester, bus eventbus.Dispatcher,
	opts Options) *Session {
	key := fmt.Sprintf("%d/%s", slot, cat)
	tracker := status.NewTracker(req, bus, status.Options{
		Category:     cat,
		Key:          key,
		QueryTimeout: opts.StatusQueryTimeout,
	})
	tx := txflow.NewRegistry(req, tracker, bus,
		txflow.Options{Category: cat, Key: key, RequestTimeout: opts.RequestTimeout})
	rx := rxsub.NewRegistry(req, tracker, bus,
		rxsub.Options{Category: cat, Key: key, RequestTimeout: opts.RequestTimeout})
	return &Session{
		slot:     slot,
		category: cat,
		key:      key,
		req:      req,
		tracker:  tracker,
		tx:       tx,
		rx:       rx,
		ready:    make(chan struct{}),
	}
}

// open queries capabilities and the first status.
func (s *Session) open() {
	s.queryCapabilities()
	if err := s.tracker.RequestStatus(func(_ core.RadioStatus, err error) {
		if err != nil {
			s.fail(err)
			return
		}
		s.mu.Lock()
		s.statusKnown = true
		s.checkReadyLocked()
		s.mu.Unlock()
	}); err != nil {
		s.fail(err)
	}
}

func (s *Session) queryCapabilities() {
	err := s.req.QueryCapabilities(s.category, func(caps core.Capabilities, err error) {
		if err != nil {
			slog.Warn("capability query failed", "category", s.category, "slot", s.slot, "error", err)
			s.fail(fmt.Errorf("%w: capabilities: %v", core.ErrServiceUnavailable, err))
			return
		}
		s.tx.SetCapabilities(caps)
		s.mu.Lock()
		s.caps = caps.Clone()
		s.capsKnown = true
		s.checkReadyLocked()
		s.mu.Unlock()
		slog.Info("capabilities received", "category", s.category, "slot", s.slot,
			"max_sps_flows", caps.MaxSpsFlows, "max_event_flows", caps.MaxEventFlows)
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: capabilities: %v", core.ErrServiceUnavailable, err))
	}
}

func (s *Session) checkReadyLocked() {
	if s.capsKnown && s.statusKnown && s.readyErr == nil && !s.isReadyLocked() {
		close(s.ready)
	}
}

func (s *Session) isReadyLocked() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// fail resolves pending WaitReady calls with err unless already ready.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isReadyLocked() {
		return
	}
	s.readyErr = err
	close(s.ready)
}

func (s *Session) Slot() int                      { return s.slot }
func (s *Session) Category() core.TrafficCategory { return s.category }

// Key identifies the session as "slot/category".
func (s *Session) Key() string { return s.key }

// Tracker returns the status state machine of the session.
func (s *Session) Tracker() *status.Tracker { return s.tracker }

// TxFlows returns the transmission flow registry.
func (s *Session) TxFlows() *txflow.Registry { return s.tx }

// RxSubscriptions returns the reception subscription registry.
func (s *Session) RxSubscriptions() *rxsub.Registry { return s.rx }

// Capabilities returns the cached capability snapshot.
func (s *Session) Capabilities() (core.Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.capsKnown {
		return core.Capabilities{}, fmt.Errorf("%w: capabilities not known", core.ErrServiceUnavailable)
	}
	return s.caps.Clone(), nil
}

// WaitReady blocks until capabilities and a first status are known, the
// session fails to reach that point, or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.readyErr
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for session %s: %v", core.ErrServiceUnavailable, s.key, ctx.Err())
	}
}

// applyConfigUpdate records a pending configuration update. Capabilities
// are queried again once it has been applied.
func (s *Session) applyConfigUpdate(pending bool) {
	s.tracker.SetConfigPending(pending)
	if !pending {
		s.queryCapabilities()
	}
}

// Close releases every flow and subscription and stops status tracking.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.fail(fmt.Errorf("%w: session %s closed", core.ErrInvalidState, s.key))
	s.tx.Close()
	s.rx.Close()
	s.tracker.Close()
	slog.Info("session closed", "category", s.category, "slot", s.slot)
}
