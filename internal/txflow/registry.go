// Package txflow allocates, tracks and releases transmission flows.
package txflow

import (
	"cmp"
	"errors"
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

// Requester is the subset of the transport used for flow registration.
type Requester interface {
	RegisterTxFlow(req transport.TxFlowRequest, done func(transport.TxFlowGrant, error)) error
	UpdateTxFlow(cat core.TrafficCategory, flowID uint32, params core.SPSParams, done func(error)) error
	DeregisterTxFlow(cat core.TrafficCategory, flowID uint32, done func(error)) error
}

// StateSource exposes the cached radio status that gates creation.
type StateSource interface {
	Status() (core.RadioStatus, bool)
}

// Options configures a Registry.
type Options struct {
	Category core.TrafficCategory
	Key      string // dispatch ordering key
	// RequestTimeout bounds how long a device request may stay pending
	// before it is reported. Zero means pending.DefaultTimeout.
	RequestTimeout time.Duration
}

// Registry tracks every flow of one session.
type Registry struct {
	category core.TrafficCategory
	key      string
	req      Requester
	state    StateSource
	bus      eventbus.Dispatcher
	pending  *pending.Table

	mu        sync.Mutex
	caps      core.Capabilities
	capsKnown bool
	closed    bool
	flows     map[uint32]*Flow
	bound     map[flowKey]struct{}         // live and pending keys
	reserved  map[transport.TxFlowKind]int // live and pending counts
}

// NewRegistry creates an empty registry. Creation fails with
// ErrServiceUnavailable until SetCapabilities is called.
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
		pending:  pending.New("tx", opts.RequestTimeout),
		flows:    make(map[uint32]*Flow),
		bound:    make(map[flowKey]struct{}),
		reserved: make(map[transport.TxFlowKind]int),
	}
}

// SetCapabilities installs the capability snapshot bounding flow counts.
func (r *Registry) SetCapabilities(caps core.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = caps.Clone()
	r.capsKnown = true
}

// CreateSpsFlow registers a semi-persistent flow. Argument, state and
// capacity errors are returned; device errors reach cb.
func (r *Registry) CreateSpsFlow(ipType core.IPType, serviceID uint32, params core.SPSParams,
	sourcePort uint16, cb func(*Flow, error)) error {
	p := params
	return r.create(transport.TxFlowSPS, ipType, serviceID, &p, sourcePort, cb)
}

// CreateEventFlow registers an event-driven flow.
func (r *Registry) CreateEventFlow(ipType core.IPType, serviceID uint32, sourcePort uint16,
	cb func(*Flow, error)) error {
	return r.create(transport.TxFlowEvent, ipType, serviceID, nil, sourcePort, cb)
}

func (r *Registry) create(kind transport.TxFlowKind, ipType core.IPType, serviceID uint32,
	params *core.SPSParams, sourcePort uint16, cb func(*Flow, error)) error {
	if cb == nil {
		return fmt.Errorf("%w: nil flow callback", core.ErrInvalidArgument)
	}
	key := flowKey{serviceID: serviceID, port: sourcePort}

	r.mu.Lock()
	if err := r.admitLocked(kind, ipType, params, key); err != nil {
		r.mu.Unlock()
		return err
	}
	r.bound[key] = struct{}{}
	r.reserved[kind]++
	r.mu.Unlock()

	req := transport.TxFlowRequest{
		RequestID:  uuid.NewString(),
		Category:   r.category,
		Kind:       kind,
		IPType:     ipType,
		ServiceID:  serviceID,
		SourcePort: sourcePort,
		SPS:        params,
	}
	r.pending.Add(req.RequestID, "register")
	err := r.req.RegisterTxFlow(req, func(grant transport.TxFlowGrant, err error) {
		r.observe(req.RequestID)
		r.complete(req, grant, err, cb)
	})
	if err != nil {
		r.pending.Done(req.RequestID)
		r.release(kind, key)
		return fmt.Errorf("%w: register %s flow: %v", core.ErrServiceUnavailable, kind, err)
	}
	slog.Debug("tx flow requested",
		"category", r.category, "request_id", req.RequestID,
		"kind", kind, "service_id", serviceID, "source_port", sourcePort)
	return nil
}

func (r *Registry) admitLocked(kind transport.TxFlowKind, ipType core.IPType, params *core.SPSParams, key flowKey) error {
	if r.closed {
		return fmt.Errorf("%w: flow registry closed", core.ErrInvalidState)
	}
	if !r.capsKnown {
		return fmt.Errorf("%w: capabilities not known", core.ErrServiceUnavailable)
	}
	if err := r.txActive(); err != nil {
		return err
	}
	if params != nil {
		if err := params.Validate(r.caps, ipType); err != nil {
			return err
		}
	}
	if _, ok := r.bound[key]; ok {
		return fmt.Errorf("%w: service %d on port %d already bound", core.ErrAlready, key.serviceID, key.port)
	}
	limit := r.caps.MaxSpsFlows
	if kind == transport.TxFlowEvent {
		limit = r.caps.MaxEventFlows
	}
	if r.reserved[kind] >= limit {
		return fmt.Errorf("%w: %d %s flows allocated", core.ErrResourceExhausted, limit, kind)
	}
	return nil
}

func (r *Registry) txActive() error {
	s, ok := r.state.Status()
	if !ok || s.Tx != core.StateActive {
		return fmt.Errorf("%w: tx is %s", core.ErrInvalidState, s.Tx)
	}
	return nil
}

func (r *Registry) complete(req transport.TxFlowRequest, grant transport.TxFlowGrant, err error, cb func(*Flow, error)) {
	key := flowKey{serviceID: req.ServiceID, port: req.SourcePort}
	if err != nil {
		r.release(req.Kind, key)
		slog.Warn("tx flow registration failed", "category", r.category, "request_id", req.RequestID, "error", err)
		r.dispatch("tx-create", func() { cb(nil, err) })
		return
	}

	f := &Flow{
		id:         grant.FlowID,
		serviceID:  req.ServiceID,
		ipType:     req.IPType,
		sourcePort: req.SourcePort,
		kind:       req.Kind,
		endpoint:   grant.Endpoint,
	}
	if req.SPS != nil {
		f.sps = *req.SPS
	}

	r.mu.Lock()
	closed := r.closed
	_, dup := r.flows[f.id]
	if !closed && !dup {
		r.flows[f.id] = f
	}
	r.mu.Unlock()

	if closed || dup {
		r.release(req.Kind, key)
		r.teardown(f, nil)
		err := fmt.Errorf("%w: flow %d granted after registry closed or reused", core.ErrInvalidState, f.id)
		r.dispatch("tx-create", func() { cb(nil, err) })
		return
	}

	metrics.TxFlowsActive.WithLabelValues(r.category.String(), f.kind.String()).Inc()
	slog.Info("tx flow created",
		"category", r.category, "request_id", req.RequestID, "flow_id", f.id,
		"kind", f.kind, "service_id", f.serviceID, "source_port", f.sourcePort)
	if err := r.publish("tx-create", func() { cb(f, nil) }); err != nil {
		// the caller never learns about f, so it cannot close it either
		slog.Warn("tx flow callback dropped, closing flow", "category", r.category, "flow_id", f.id, "error", err)
		if cerr := r.CloseFlow(f, nil); cerr != nil {
			slog.Debug("tx flow already closed", "category", r.category, "flow_id", f.id)
		}
		cb(nil, fmt.Errorf("%w: flow %d callback: %v", core.ErrServiceUnavailable, f.id, err))
	}
}

// observe clears a completed request from the pending table.
func (r *Registry) observe(id string) {
	if elapsed, ok := r.pending.Done(id); ok {
		slog.Debug("tx request completed", "category", r.category, "request_id", id, "elapsed", elapsed)
		return
	}
	slog.Info("tx request completed after its deadline", "category", r.category, "request_id", id)
}

func (r *Registry) release(kind transport.TxFlowKind, key flowKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, key)
	if r.reserved[kind] > 0 {
		r.reserved[kind]--
	}
}

// CloseFlow releases f. It is permitted in every radio state and frees the
// capacity slot before returning. Closing an already closed flow fails with
// ErrInvalidState. cb, if set, receives the device deregistration result.
func (r *Registry) CloseFlow(f *Flow, cb func(error)) error {
	if f == nil {
		return fmt.Errorf("%w: nil flow", core.ErrInvalidArgument)
	}

	r.mu.Lock()
	if cur, ok := r.flows[f.id]; !ok || cur != f {
		r.mu.Unlock()
		return fmt.Errorf("%w: flow %d not open", core.ErrInvalidState, f.id)
	}
	delete(r.flows, f.id)
	delete(r.bound, f.key())
	if r.reserved[f.kind] > 0 {
		r.reserved[f.kind]--
	}
	r.mu.Unlock()

	metrics.TxFlowsActive.WithLabelValues(r.category.String(), f.kind.String()).Dec()
	slog.Info("tx flow closed", "category", r.category, "flow_id", f.id, "kind", f.kind)
	r.teardown(f, cb)
	return nil
}

// teardown closes the endpoint and deregisters the flow from the device.
func (r *Registry) teardown(f *Flow, cb func(error)) {
	var epErr error
	if f.endpoint != nil {
		if epErr = f.endpoint.Close(); epErr != nil {
			slog.Warn("tx endpoint close failed", "category", r.category, "flow_id", f.id, "error", epErr)
		}
	}
	id := uuid.NewString()
	finish := func(err error) {
		if cb != nil {
			err = errors.Join(epErr, err)
			r.dispatch("tx-close", func() { cb(err) })
		}
	}
	r.pending.Add(id, "deregister")
	if err := r.req.DeregisterTxFlow(r.category, f.id, func(err error) {
		r.observe(id)
		finish(err)
	}); err != nil {
		r.pending.Done(id)
		finish(fmt.Errorf("%w: deregister flow %d: %v", core.ErrServiceUnavailable, f.id, err))
	}
}

// UpdateSpsFlow changes the reservation of a live SPS flow.
func (r *Registry) UpdateSpsFlow(f *Flow, params core.SPSParams, cb func(error)) error {
	if f == nil {
		return fmt.Errorf("%w: nil flow", core.ErrInvalidArgument)
	}

	r.mu.Lock()
	if cur, ok := r.flows[f.id]; !ok || cur != f {
		r.mu.Unlock()
		return fmt.Errorf("%w: flow %d not open", core.ErrInvalidState, f.id)
	}
	if f.kind != transport.TxFlowSPS {
		r.mu.Unlock()
		return fmt.Errorf("%w: flow %d is not an sps flow", core.ErrInvalidArgument, f.id)
	}
	if err := r.txActive(); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := params.Validate(r.caps, f.ipType); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	id := uuid.NewString()
	r.pending.Add(id, "update")
	err := r.req.UpdateTxFlow(r.category, f.id, params, func(err error) {
		r.observe(id)
		if err == nil {
			r.mu.Lock()
			f.sps = params
			r.mu.Unlock()
		}
		if cb != nil {
			r.dispatch("tx-update", func() { cb(err) })
		}
	})
	if err != nil {
		r.pending.Done(id)
		return fmt.Errorf("%w: update flow %d: %v", core.ErrServiceUnavailable, f.id, err)
	}
	return nil
}

// SPS returns the current reservation of f; ok is false for event flows.
func (r *Registry) SPS(f *Flow) (core.SPSParams, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f.sps, f.kind == transport.TxFlowSPS
}

// Flows returns the live flows ordered by id.
func (r *Registry) Flows() []*Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *Flow) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Pending returns the number of device requests awaiting completion.
func (r *Registry) Pending() int {
	return r.pending.Len()
}

// Count returns the number of live and pending flows of kind.
func (r *Registry) Count(kind transport.TxFlowKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved[kind]
}

// Close releases every live flow and rejects further creation. Grants that
// arrive afterwards are torn down immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	flows := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		flows = append(flows, f)
	}
	r.mu.Unlock()

	for _, f := range flows {
		if err := r.CloseFlow(f, nil); err != nil {
			slog.Debug("tx flow already closed", "category", r.category, "flow_id", f.id)
		}
	}
}

func (r *Registry) publish(topic string, fn func()) error {
	return r.bus.Publish(&eventbus.Event{Topic: topic, Key: r.key, Run: fn})
}

// dispatch runs fn on the session's dispatch key, or inline when the
// dispatcher cannot take it.
func (r *Registry) dispatch(topic string, fn func()) {
	if err := r.publish(topic, fn); err != nil {
		slog.Warn("tx flow callback not queued, running inline", "category", r.category, "topic", topic, "error", err)
		fn()
	}
}
