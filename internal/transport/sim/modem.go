// Package sim is an in-process modem for the radio core. It answers every
// request primitive, loops transmitted payload back to matching receive
// subscriptions with a generated metadata span, and produces filter-rate
// adjustments that steer the reported load toward a target.
package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/transport"
)

// ErrClosed is returned by every request after Close.
var ErrClosed = errors.New("sim: modem closed")

const (
	defaultAdjustmentInterval = time.Second
	ephemeralPortBase         = 49152
	rxQueueLen                = 64
)

// Options configures a Modem.
type Options struct {
	Capabilities core.Capabilities
	// InitialState is reported for both directions until the radio is
	// started. Zero means Inactive.
	InitialState       core.RadioState
	AdjustmentInterval time.Duration
	TargetLoad         int
	// AdjustmentGain is the fraction of the load error applied per
	// adjustment. Zero means 0.5.
	AdjustmentGain float64
}

// Modem implements transport.Transport. Payload stays in memory unless the
// modem was built with NewUDP.
type Modem struct {
	opts  Options
	q     *queue
	relay *relay // nil when traffic stays in memory

	mu       sync.Mutex
	sink     transport.Sink
	status   map[core.TrafficCategory]core.RadioStatus
	nextID   uint32
	nextPort uint16
	tx       map[uint32]*txEndpoint
	rx       map[uint32]*rxEndpoint
	load     int
	hasLoad  bool
	frame    uint16
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ transport.Transport = (*Modem)(nil)

func New(opts Options) *Modem {
	m := initModem(opts)
	m.start()
	return m
}

// NewUDP returns a Modem whose flows and subscriptions are real UDP sockets
// bound to addr, typically a loopback address.
func NewUDP(opts Options, addr netip.Addr) (*Modem, error) {
	r, err := newRelay(addr)
	if err != nil {
		return nil, err
	}
	m := initModem(opts)
	m.relay = r
	m.start()
	slog.Info("sim modem relaying over udp", "air", r.airAddr())
	return m, nil
}

func initModem(opts Options) *Modem {
	if opts.InitialState == core.StateUnknown {
		opts.InitialState = core.StateInactive
	}
	if opts.AdjustmentInterval <= 0 {
		opts.AdjustmentInterval = defaultAdjustmentInterval
	}
	if opts.AdjustmentGain <= 0 {
		opts.AdjustmentGain = 0.5
	}
	opts.Capabilities = opts.Capabilities.Clone()

	return &Modem{
		opts:   opts,
		q:      newQueue(),
		status: make(map[core.TrafficCategory]core.RadioStatus),
		tx:     make(map[uint32]*txEndpoint),
		rx:     make(map[uint32]*rxEndpoint),
		stop:   make(chan struct{}),
	}
}

func (m *Modem) start() {
	if m.relay != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.relay.run(m.relayed)
		}()
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.q.run()
	}()
	go func() {
		defer m.wg.Done()
		m.adjustLoop()
	}()
}

// Attach sets the sink notifications are delivered to.
func (m *Modem) Attach(sink transport.Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

func (m *Modem) statusLocked(cat core.TrafficCategory) core.RadioStatus {
	s, ok := m.status[cat]
	if !ok {
		s = core.RadioStatus{Tx: m.opts.InitialState, Rx: m.opts.InitialState}
		if s.Tx != core.StateActive {
			s.TxCause, s.RxCause = core.CauseUnknown, core.CauseUnknown
		}
		m.status[cat] = s
	}
	return s
}

// notifyLocked queues fn against the attached sink.
func (m *Modem) notifyLocked(fn func(transport.Sink)) {
	sink := m.sink
	if sink == nil {
		return
	}
	m.q.push(func() { fn(sink) })
}

func (m *Modem) QueryStatus(cat core.TrafficCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s := m.statusLocked(cat).Clone()
	m.notifyLocked(func(sink transport.Sink) { sink.OnStatus(cat, s) })
	return nil
}

// SetRadioActive completes the request first and then reports the
// transition.
func (m *Modem) SetRadioActive(cat core.TrafficCategory, active bool, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.q.push(func() { done(nil) })

	s := m.statusLocked(cat)
	if active {
		s.Tx, s.Rx = core.StateActive, core.StateActive
		s.TxCause, s.RxCause = core.CauseNone, core.CauseNone
		s.CBRValid, s.CBR = true, 0
	} else {
		s.Tx, s.Rx = core.StateInactive, core.StateInactive
		s.CBRValid = false
	}
	s.Pools = m.poolsLocked(s)
	m.status[cat] = s
	snapshot := s.Clone()
	m.notifyLocked(func(sink transport.Sink) { sink.OnStatus(cat, snapshot) })
	slog.Debug("sim radio transition", "category", cat, "active", active)
	return nil
}

func (m *Modem) poolsLocked(s core.RadioStatus) []core.PoolStatus {
	var pools []core.PoolStatus
	for _, r := range m.opts.Capabilities.PoolIDs {
		for id := int(r.Min); id <= int(r.Max); id++ {
			pools = append(pools, core.PoolStatus{PoolID: uint8(id), Tx: s.Tx, Rx: s.Rx})
		}
	}
	return pools
}

// InjectStatus reports s for cat as if the device changed state on its own.
func (m *Modem) InjectStatus(cat core.TrafficCategory, s core.RadioStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[cat] = s.Clone()
	snapshot := s.Clone()
	m.notifyLocked(func(sink transport.Sink) { sink.OnStatus(cat, snapshot) })
}

// InjectLinkStatus reports transport link availability.
func (m *Modem) InjectLinkStatus(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyLocked(func(sink transport.Sink) { sink.OnLinkStatus(up) })
}

// InjectConfigUpdate reports a pending configuration update.
func (m *Modem) InjectConfigUpdate(pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyLocked(func(sink transport.Sink) { sink.OnConfigUpdate(pending) })
}

// InjectThrottleStatus reports a throttle service status change. A restart
// also forgets the last submitted load.
func (m *Modem) InjectThrottleStatus(s core.ServiceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s != core.ServiceAvailable {
		m.hasLoad = false
	}
	m.notifyLocked(func(sink transport.Sink) { sink.OnThrottleServiceStatus(s) })
}

func (m *Modem) QueryCapabilities(_ core.TrafficCategory, done func(core.Capabilities, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	caps := m.opts.Capabilities.Clone()
	m.q.push(func() { done(caps, nil) })
	return nil
}

func (m *Modem) RegisterTxFlow(req transport.TxFlowRequest, done func(transport.TxFlowGrant, error)) error {
	var sock *transport.UDPEndpoint
	if m.relay != nil {
		var err error
		if sock, err = m.relay.dialTx(req.SourcePort, req.SPS); err != nil {
			return m.fail(func() { done(transport.TxFlowGrant{}, err) })
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if sock != nil {
			closeSock(sock)
		}
		return ErrClosed
	}
	m.nextID++
	ep := &txEndpoint{
		modem:     m,
		id:        m.nextID,
		port:      req.SourcePort,
		serviceID: req.ServiceID,
		ipType:    req.IPType,
	}
	var granted transport.Endpoint = ep
	switch {
	case sock != nil:
		ep.port, ep.sock, granted = sock.LocalPort(), sock, sock
	case ep.port == 0:
		ep.port = m.allocPortLocked()
	}
	m.tx[ep.id] = ep
	m.q.push(func() { done(transport.TxFlowGrant{FlowID: ep.id, Endpoint: granted}, nil) })
	return nil
}

func (m *Modem) UpdateTxFlow(_ core.TrafficCategory, flowID uint32, _ core.SPSParams, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var err error
	if _, ok := m.tx[flowID]; !ok {
		err = fmt.Errorf("sim: unknown tx flow %d", flowID)
	}
	m.q.push(func() { done(err) })
	return nil
}

func (m *Modem) DeregisterTxFlow(_ core.TrafficCategory, flowID uint32, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ep, ok := m.tx[flowID]; ok {
		delete(m.tx, flowID)
		closeSock(ep.sock)
	}
	m.q.push(func() { done(nil) })
	return nil
}

func (m *Modem) RegisterRxSubscription(req transport.RxSubscriptionRequest,
	done func(transport.RxSubscriptionGrant, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	port := req.Port
	if port == 0 && m.relay == nil {
		port = m.allocPortLocked()
	}
	for _, ep := range m.rx {
		if port != 0 && ep.ipType == req.IPType && ep.port == port {
			err := fmt.Errorf("sim: %s port %d in use", req.IPType, port)
			m.q.push(func() { done(transport.RxSubscriptionGrant{}, err) })
			return nil
		}
	}

	var granted transport.Endpoint
	var sock *transport.UDPEndpoint
	if m.relay != nil {
		var err error
		if sock, err = m.relay.listenRx(port); err != nil {
			m.q.push(func() { done(transport.RxSubscriptionGrant{}, err) })
			return nil
		}
		port = sock.LocalPort()
	}
	m.nextID++
	ep := newRxEndpoint(m, m.nextID, port, req.IPType, req.ServiceIDs)
	granted = ep
	if sock != nil {
		ep.sock, granted = sock, sock
	}
	m.rx[ep.id] = ep
	m.q.push(func() { done(transport.RxSubscriptionGrant{SubscriptionID: ep.id, Endpoint: granted}, nil) })
	return nil
}

func (m *Modem) DeregisterRxSubscription(_ core.TrafficCategory, id uint32, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if ep, ok := m.rx[id]; ok {
		delete(m.rx, id)
		ep.shutdown()
		closeSock(ep.sock)
	}
	m.q.push(func() { done(nil) })
	return nil
}

func (m *Modem) SubmitVerificationLoad(load int, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.load, m.hasLoad = load, true
	m.q.push(func() { done(nil) })
	return nil
}

func (m *Modem) allocPortLocked() uint16 {
	m.nextPort++
	return ephemeralPortBase + m.nextPort
}

// adjustLoop periodically emits an adjustment proportional to the distance
// between the last reported load and the target.
func (m *Modem) adjustLoop() {
	ticker := time.NewTicker(m.opts.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.adjust()
		}
	}
}

func (m *Modem) adjust() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasLoad || m.closed {
		return
	}
	delta := int(float64(m.opts.TargetLoad-m.load) * m.opts.AdjustmentGain)
	if delta == 0 {
		return
	}
	m.notifyLocked(func(sink transport.Sink) { sink.OnFilterRateAdjustment(delta) })
}

// loopback delivers payload written on a tx flow to every rx subscription of
// the same framing whose service filter admits the flow.
func (m *Modem) loopback(from *txEndpoint, payload []byte) {
	m.mu.Lock()
	m.frame = (m.frame + 1) % 10240
	frame := m.frame
	targets := make([]*rxEndpoint, 0, len(m.rx))
	for _, ep := range m.rx {
		if ep.ipType != from.ipType {
			continue
		}
		if len(ep.serviceIDs) > 0 && !slices.Contains(ep.serviceIDs, from.serviceID) {
			continue
		}
		targets = append(targets, ep)
	}
	m.mu.Unlock()

	for _, ep := range targets {
		if m.relay != nil {
			m.relay.send(ep.port, frameFor(from, frame, payload))
			continue
		}
		ep.deliver(frameFor(from, frame, payload))
	}
}

// relayed routes a datagram that arrived on the air socket to loopback by
// the flow owning its source port. Traffic from unknown ports is dropped.
func (m *Modem) relayed(srcPort uint16, payload []byte) {
	m.mu.Lock()
	var from *txEndpoint
	for _, ep := range m.tx {
		if ep.port == srcPort {
			from = ep
			break
		}
	}
	m.mu.Unlock()
	if from == nil {
		return
	}
	m.loopback(from, payload)
}

// fail completes a request whose local setup failed before it reached the
// modem state.
func (m *Modem) fail(complete func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.q.push(complete)
	return nil
}

func closeSock(c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Debug("sim socket close failed", "error", err)
	}
}

// Close stops the modem and closes every receive endpoint. Pending requests
// still complete.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rx := make([]*rxEndpoint, 0, len(m.rx))
	for _, ep := range m.rx {
		rx = append(rx, ep)
	}
	var socks []io.Closer
	for _, ep := range m.tx {
		if ep.sock != nil {
			socks = append(socks, ep.sock)
		}
	}
	m.rx = map[uint32]*rxEndpoint{}
	m.tx = map[uint32]*txEndpoint{}
	m.mu.Unlock()

	for _, ep := range rx {
		ep.shutdown()
		if ep.sock != nil {
			socks = append(socks, ep.sock)
		}
	}
	for _, c := range socks {
		closeSock(c)
	}
	if m.relay != nil {
		closeSock(m.relay)
	}
	close(m.stop)
	m.q.close()
	m.wg.Wait()
	return nil
}
