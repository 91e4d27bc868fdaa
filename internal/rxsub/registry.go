// Package rxsub allocates and releases reception subscriptions.
package rxsub

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/eventbus"
	"firestige.xyz/cv2x/internal/metrics"
	"firestige.xyz/cv2x/internal/pending"
	"firestige.xyz/cv2x/internal/transport"
)

// Requester is the subset of the transport used for subscriptions.
type Requester interface {
	RegisterRxSubscription(req transport.RxSubscriptionRequest, done func(transport.RxSubscriptionGrant, error)) error
	DeregisterRxSubscription(cat core.TrafficCategory, subscriptionID uint32, done func(error)) error
}

// StateSource exposes the cached radio status that gates creation.
type StateSource interface {
	Status() (core.RadioStatus, bool)
}

// Options configures a Registry.
type Options struct {
	Category core.TrafficCategory
	Key      string // dispatch ordering key

	RequestTimeout time.Duration // zero means pending.DefaultTimeout
}

// Registry tracks every subscription of one session. There is no reported
// maximum; the transport rejects what it cannot bind.
type Registry struct {
	category core.TrafficCategory
	key      string
	req      Requester
	state    StateSource
	bus      eventbus.Dispatcher
	pending  *pending.Table

	mu     sync.Mutex
	closed bool
	subs   map[uint32]*Subscription
	bound  map[subKey]struct{}
}

// NewRegistry creates an empty registry for one session. Creation requires
// rx to be Active.
func NewRegistry(req Requester, state StateSource, bus eventbus.Dispatcher, opts Options) *Registry {
	if opts.Key == "" {
		opts.Key = opts.Category.String()
	}
	return &Registry{
		category: opts.Category,
		key:      opts.Key,
		req:      req,
		state:    state,
		bus:      bus,
		pending:  pending.New("rx", opts.RequestTimeout),
		subs:     make(map[uint32]*Subscription),
		bound:    make(map[subKey]struct{}),
	}
}

// CreateSubscription opens a subscription on (ipType, port). serviceIDs
// optionally filters reception; nil accepts every service.
func (r *Registry) CreateSubscription(ipType core.IPType, port uint16, serviceIDs []uint32,
	cb func(*Subscription, error)) error {
	if cb == nil {
		return fmt.Errorf("%w: nil subscription callback", core.ErrInvalidArgument)
	}
	key := subKey{ipType: ipType, port: port}

	r.mu.Lock()
	if err := r.admitLocked(key); err != nil {
		r.mu.Unlock()
		return err
	}
	r.bound[key] = struct{}{}
	r.mu.Unlock()

	req := transport.RxSubscriptionRequest{
		RequestID:  uuid.NewString(),
		Category:   r.category,
		IPType:     ipType,
		Port:       port,
		ServiceIDs: slices.Clone(serviceIDs),
	}
	r.pending.Add(req.RequestID, "register")
	err := r.req.RegisterRxSubscription(req, func(grant transport.RxSubscriptionGrant, err error) {
		r.observe(req.RequestID)
		r.complete(req, grant, err, cb)
	})
	if err != nil {
		r.pending.Done(req.RequestID)
		r.release(key)
		return fmt.Errorf("%w: register subscription: %v", core.ErrServiceUnavailable, err)
	}
	slog.Debug("rx subscription requested",
		"category", r.category, "request_id", req.RequestID, "ip_type", ipType, "port", port)
	return nil
}

func (r *Registry) admitLocked(key subKey) error {
	if r.closed {
		return fmt.Errorf("%w: subscription registry closed", core.ErrInvalidState)
	}
	s, ok := r.state.Status()
	if !ok || s.Rx != core.StateActive {
		return fmt.Errorf("%w: rx is %s", core.ErrInvalidState, s.Rx)
	}
	if _, ok := r.bound[key]; ok {
		return fmt.Errorf("%w: %s port %d already subscribed", core.ErrAlready, key.ipType, key.port)
	}
	return nil
}

func (r *Registry) complete(req transport.RxSubscriptionRequest, grant transport.RxSubscriptionGrant,
	err error, cb func(*Subscription, error)) {
	key := subKey{ipType: req.IPType, port: req.Port}
	if err != nil {
		r.release(key)
		slog.Warn("rx subscription failed", "category", r.category, "request_id", req.RequestID, "error", err)
		r.dispatch("rx-create", func() { cb(nil, err) })
		return
	}

	s := &Subscription{
		id:         grant.SubscriptionID,
		ipType:     req.IPType,
		port:       req.Port,
		serviceIDs: req.ServiceIDs,
		endpoint:   grant.Endpoint,
	}

	r.mu.Lock()
	closed := r.closed
	_, dup := r.subs[s.id]
	if !closed && !dup {
		r.subs[s.id] = s
	}
	r.mu.Unlock()

	if closed || dup {
		r.release(key)
		r.teardown(s, nil)
		err := fmt.Errorf("%w: subscription %d granted after registry closed or reused", core.ErrInvalidState, s.id)
		r.dispatch("rx-create", func() { cb(nil, err) })
		return
	}

	metrics.RxSubscriptionsActive.WithLabelValues(r.category.String()).Inc()
	slog.Info("rx subscription created",
		"category", r.category, "request_id", req.RequestID, "subscription_id", s.id,
		"ip_type", s.ipType, "port", s.port)
	if err := r.publish("rx-create", func() { cb(s, nil) }); err != nil {
		// the caller never learns about s, so it cannot close it either
		slog.Warn("rx subscription callback dropped, closing subscription",
			"category", r.category, "subscription_id", s.id, "error", err)
		if cerr := r.CloseSubscription(s, nil); cerr != nil {
			slog.Debug("rx subscription already closed", "category", r.category, "subscription_id", s.id)
		}
		cb(nil, fmt.Errorf("%w: subscription %d callback: %v", core.ErrServiceUnavailable, s.id, err))
	}
}

func (r *Registry) observe(id string) {
	if elapsed, ok := r.pending.Done(id); ok {
		slog.Debug("rx request completed", "category", r.category, "request_id", id, "elapsed", elapsed)
		return
	}
	slog.Info("rx request completed after its deadline", "category", r.category, "request_id", id)
}

func (r *Registry) release(key subKey) {
	r.mu.Lock()
	delete(r.bound, key)
	r.mu.Unlock()
}

// CloseSubscription releases s in any radio state. A second close of the
// same subscription fails with ErrInvalidState.
func (r *Registry) CloseSubscription(s *Subscription, cb func(error)) error {
	if s == nil {
		return fmt.Errorf("%w: nil subscription", core.ErrInvalidArgument)
	}

	r.mu.Lock()
	if cur, ok := r.subs[s.id]; !ok || cur != s {
		r.mu.Unlock()
		return fmt.Errorf("%w: subscription %d not open", core.ErrInvalidState, s.id)
	}
	delete(r.subs, s.id)
	delete(r.bound, s.key())
	r.mu.Unlock()

	metrics.RxSubscriptionsActive.WithLabelValues(r.category.String()).Dec()
	slog.Info("rx subscription closed", "category", r.category, "subscription_id", s.id)
	r.teardown(s, cb)
	return nil
}

func (r *Registry) teardown(s *Subscription, cb func(error)) {
	if s.endpoint != nil {
		if err := s.endpoint.Close(); err != nil {
			slog.Warn("rx endpoint close failed", "category", r.category, "subscription_id", s.id, "error", err)
		}
	}
	finish := func(err error) {
		if cb != nil {
			r.dispatch("rx-close", func() { cb(err) })
		}
	}
	id := uuid.NewString()
	r.pending.Add(id, "deregister")
	if err := r.req.DeregisterRxSubscription(r.category, s.id, func(err error) {
		r.observe(id)
		finish(err)
	}); err != nil {
		r.pending.Done(id)
		finish(fmt.Errorf("%w: deregister subscription %d: %v", core.ErrServiceUnavailable, s.id, err))
	}
}

// Pending returns the number of device requests awaiting completion.
func (r *Registry) Pending() int {
	return r.pending.Len()
}

// Subscriptions returns the live subscriptions ordered by id.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Close releases every live subscription and rejects further creation.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = r.CloseSubscription(s, nil)
	}
}

func (r *Registry) publish(topic string, fn func()) error {
	return r.bus.Publish(&eventbus.Event{Topic: topic, Key: r.key, Run: fn})
}

// dispatch runs fn on the session's dispatch key, or inline when the
// dispatcher cannot take it.
func (r *Registry) dispatch(topic string, fn func()) {
	if err := r.publish(topic, fn); err != nil {
		slog.Warn("rx subscription callback not queued, running inline",
			"category", r.category, "topic", topic, "error", err)
		fn()
	}
}
