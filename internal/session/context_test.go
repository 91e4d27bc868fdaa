package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/metadata"
	"firestige.xyz/cv2x/internal/rxsub"
	"firestige.xyz/cv2x/internal/throttle"
	"firestige.xyz/cv2x/internal/transport"
	"firestige.xyz/cv2x/internal/transport/sim"
	"firestige.xyz/cv2x/internal/txflow"
)

func simCaps() core.Capabilities {
	return core.Capabilities{
		LinkIPMTU:     1500,
		LinkNonIPMTU:  1500,
		Periodicities: []time.Duration{100 * time.Millisecond},
		Priorities:    []core.Priority{2, 3},
		MaxSpsFlows:   1,
		MaxEventFlows: 2,
	}
}

type harness struct {
	ctx    *Context
	modems map[int]*sim.Modem
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{modems: make(map[int]*sim.Modem)}
	h.ctx = NewContext(func(slot int) (transport.Transport, error) {
		m := sim.New(sim.Options{
			Capabilities:       simCaps(),
			AdjustmentInterval: 10 * time.Millisecond,
			TargetLoad:         100,
		})
		h.modems[slot] = m
		return m, nil
	}, Options{Workers: 2, QueueSize: 256, StatusQueryTimeout: time.Second})
	t.Cleanup(func() { h.ctx.Close() })
	return h
}

func readySession(t *testing.T, h *harness, slot int, cat core.TrafficCategory) *Session {
	t.Helper()
	s, err := h.ctx.Session(slot, cat)
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(wctx))
	return s
}

// statusWatcher forwards every status change to a channel.
type statusWatcher struct {
	ch chan core.RadioStatus
}

func (w *statusWatcher) OnStatusChanged(s core.RadioStatus) { w.ch <- s }

func (w *statusWatcher) waitFor(t *testing.T, tx, rx core.RadioState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-w.ch:
			if s.Tx == tx && s.Rx == rx {
				return
			}
		case <-deadline:
			t.Fatalf("status tx=%s rx=%s not reached", tx, rx)
		}
	}
}

func start(t *testing.T, s *Session) *statusWatcher {
	t.Helper()
	w := &statusWatcher{ch: make(chan core.RadioStatus, 16)}
	require.NoError(t, s.Tracker().RegisterListener(w))
	done := make(chan error, 1)
	require.NoError(t, s.Tracker().Start(func(err error) { done <- err }))
	require.NoError(t, <-done)
	w.waitFor(t, core.StateActive, core.StateActive)
	return w
}

func sps() core.SPSParams {
	return core.SPSParams{Priority: 2, Periodicity: 100 * time.Millisecond, ReservedBytes: 200}
}

func createSps(t *testing.T, s *Session, serviceID uint32, port uint16) (*txflow.Flow, error) {
	t.Helper()
	type res struct {
		f   *txflow.Flow
		err error
	}
	ch := make(chan res, 1)
	if err := s.TxFlows().CreateSpsFlow(core.IPTypeNonIP, serviceID, sps(), port, func(f *txflow.Flow, err error) {
		ch <- res{f, err}
	}); err != nil {
		return nil, err
	}
	r := <-ch
	return r.f, r.err
}

func TestSessionReady(t *testing.T) {
	h := newHarness(t)
	s := readySession(t, h, 0, core.TrafficSafety)

	caps, err := s.Capabilities()
	require.NoError(t, err)
	assert.Equal(t, 1, caps.MaxSpsFlows)

	st, ok := s.Tracker().Status()
	assert.True(t, ok)
	assert.Equal(t, core.StateInactive, st.Tx)
}

func TestSessionKeyedBySlotAndCategory(t *testing.T) {
	h := newHarness(t)

	a, err := h.ctx.Session(0, core.TrafficSafety)
	require.NoError(t, err)
	b, err := h.ctx.Session(0, core.TrafficSafety)
	require.NoError(t, err)
	c, err := h.ctx.Session(0, core.TrafficNonSafety)
	require.NoError(t, err)
	d, err := h.ctx.Session(1, core.TrafficSafety)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.NotSame(t, a, d)
	assert.Len(t, h.modems, 2, "one transport per slot")
	assert.Equal(t, []*Session{a, c, d}, h.ctx.Sessions())

	_, err = h.ctx.Session(-1, core.TrafficSafety)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestFlowAndSubscriptionLoopback(t *testing.T) {
	h := newHarness(t)
	s := readySession(t, h, 0, core.TrafficSafety)
	start(t, s)

	subCh := make(chan *rxsub.Subscription, 1)
	require.NoError(t, s.RxSubscriptions().CreateSubscription(core.IPTypeNonIP, 9000, nil,
		func(sub *rxsub.Subscription, err error) {
			assert.NoError(t, err)
			subCh <- sub
		}))
	sub := <-subCh

	flow, err := createSps(t, s, 0x20, 2600)
	require.NoError(t, err)

	_, err = flow.Endpoint().Write([]byte("cam"))
	require.NoError(t, err)

	pkt, err := sub.ReadPacket(make([]byte, 256))
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusOK, pkt.Status)
	require.Len(t, pkt.Reports, 1)
	assert.Equal(t, uint32(0x20), pkt.Reports[0].L2DestinationID)
	assert.Equal(t, []byte("cam"), pkt.Payload)

	_, err = createSps(t, s, 0x21, 2601)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)
}

func TestCloseFlowWhileSuspended(t *testing.T) {
	h := newHarness(t)
	s := readySession(t, h, 0, core.TrafficSafety)
	w := start(t, s)
	flow, err := createSps(t, s, 1, 2600)
	require.NoError(t, err)

	h.modems[0].InjectStatus(core.TrafficSafety, core.RadioStatus{
		Tx: core.StateSuspended, Rx: core.StateSuspended,
		TxCause: core.CauseTiming, RxCause: core.CauseTiming,
	})
	w.waitFor(t, core.StateSuspended, core.StateSuspended)

	closed := make(chan error, 1)
	require.NoError(t, s.TxFlows().CloseFlow(flow, func(err error) { closed <- err }))
	assert.NoError(t, <-closed)
	assert.Equal(t, 0, s.TxFlows().Count(transport.TxFlowSPS))

	_, err = createSps(t, s, 2, 2601)
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.ErrorIs(t, s.TxFlows().CloseFlow(flow, nil), core.ErrInvalidState)
}

func TestLinkAndConfigGating(t *testing.T) {
	h := newHarness(t)
	s := readySession(t, h, 0, core.TrafficSafety)
	m := h.modems[0]

	m.InjectLinkStatus(false)
	assert.Eventually(t, func() bool {
		return errors.Is(s.Tracker().RequestStatus(func(core.RadioStatus, error) {}), core.ErrServiceUnavailable)
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Tracker().Start(nil), core.ErrServiceUnavailable)

	m.InjectLinkStatus(true)
	m.InjectConfigUpdate(true)
	assert.Eventually(t, func() bool {
		return errors.Is(s.Tracker().RequestStatus(func(core.RadioStatus, error) {}), core.ErrAlready)
	}, time.Second, 5*time.Millisecond)

	m.InjectConfigUpdate(false)
	assert.Eventually(t, func() bool {
		return s.Tracker().RequestStatus(func(core.RadioStatus, error) {}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestThrottleLoop(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.ctx.Throttle()
	require.NoError(t, err)
	again, err := h.ctx.Throttle()
	require.NoError(t, err)
	assert.Same(t, ctrl, again)

	acc := throttle.NewAccumulator(50)
	require.NoError(t, ctrl.RegisterListener(acc))
	assert.ErrorIs(t, ctrl.SetVerificationLoad(-1, func(error) { t.Error("callback invoked") }), core.ErrInvalidArgument)

	accepted := make(chan error, 1)
	require.NoError(t, ctrl.SetVerificationLoad(300, func(err error) { accepted <- err }))
	require.NoError(t, <-accepted)

	assert.Eventually(t, func() bool { return acc.Applied() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, acc.Rate(), 50, "load above target lowers the filter rate")

	h.modems[0].InjectThrottleStatus(core.ServiceUnavailable)
	assert.Eventually(t, func() bool { return ctrl.State() == core.ServiceUnavailable }, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.SetVerificationLoad(100, nil))
	assert.Eventually(t, func() bool { return ctrl.State() == core.ServiceAvailable }, time.Second, 5*time.Millisecond)
}

func TestThrottleDisabled(t *testing.T) {
	c := NewContext(func(int) (transport.Transport, error) { return sim.New(sim.Options{}), nil },
		Options{DisableThrottle: true})
	defer c.Close()

	_, err := c.Throttle()
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestDialFailure(t *testing.T) {
	c := NewContext(func(int) (transport.Transport, error) { return nil, errors.New("no modem") }, Options{})
	defer c.Close()

	_, err := c.Session(0, core.TrafficSafety)
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestContextClose(t *testing.T) {
	h := newHarness(t)
	s := readySession(t, h, 0, core.TrafficSafety)
	start(t, s)
	_, err := createSps(t, s, 1, 2600)
	require.NoError(t, err)

	require.NoError(t, h.ctx.Close())
	require.NoError(t, h.ctx.Close())

	assert.Empty(t, s.TxFlows().Flows())
	_, err = h.ctx.Session(0, core.TrafficSafety)
	assert.ErrorIs(t, err, core.ErrInvalidState)
	_, err = h.ctx.Throttle()
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.ErrorIs(t, s.Tracker().Start(nil), core.ErrInvalidState)
}

func TestWaitReadyContextDone(t *testing.T) {
	c := NewContext(func(int) (transport.Transport, error) { return &silentTransport{}, nil },
		Options{StatusQueryTimeout: time.Hour})
	defer c.Close()
	s, err := c.Session(0, core.TrafficSafety)
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitReady(wctx), core.ErrServiceUnavailable)

	s.Close()
	assert.ErrorIs(t, s.WaitReady(context.Background()), core.ErrInvalidState)
}

// silentTransport accepts every request and never answers.
type silentTransport struct{}

func (silentTransport) QueryStatus(core.TrafficCategory) error { return nil }
func (silentTransport) SetRadioActive(core.TrafficCategory, bool, func(error)) error {
	return nil
}
func (silentTransport) QueryCapabilities(core.TrafficCategory, func(core.Capabilities, error)) error {
	return nil
}
func (silentTransport) RegisterTxFlow(transport.TxFlowRequest, func(transport.TxFlowGrant, error)) error {
	return nil
}
func (silentTransport) UpdateTxFlow(core.TrafficCategory, uint32, core.SPSParams, func(error)) error {
	return nil
}
func (silentTransport) DeregisterTxFlow(core.TrafficCategory, uint32, func(error)) error {
	return nil
}
func (silentTransport) RegisterRxSubscription(transport.RxSubscriptionRequest,
	func(transport.RxSubscriptionGrant, error)) error {
	return nil
}
func (silentTransport) DeregisterRxSubscription(core.TrafficCategory, uint32, func(error)) error {
	return nil
}
func (silentTransport) SubmitVerificationLoad(int, func(error)) error { return nil }
func (silentTransport) Attach(transport.Sink)                        {}
func (silentTransport) Close() error                                 { return nil }
