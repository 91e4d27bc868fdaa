package sim

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/metadata"
	"firestige.xyz/cv2x/internal/transport"
)

type recordingSink struct {
	mu          sync.Mutex
	statuses    []core.RadioStatus
	adjustments chan int
	link        []bool
	throttle    []core.ServiceStatus
}

func newRecordingSink() *recordingSink {
	return &recordingSink{adjustments: make(chan int, 16)}
}

func (s *recordingSink) OnStatus(_ core.TrafficCategory, st core.RadioStatus) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *recordingSink) OnLinkStatus(up bool) {
	s.mu.Lock()
	s.link = append(s.link, up)
	s.mu.Unlock()
}

func (s *recordingSink) OnConfigUpdate(bool) {}

func (s *recordingSink) OnFilterRateAdjustment(delta int) {
	select {
	case s.adjustments <- delta:
	default:
	}
}

func (s *recordingSink) OnThrottleServiceStatus(st core.ServiceStatus) {
	s.mu.Lock()
	s.throttle = append(s.throttle, st)
	s.mu.Unlock()
}

func (s *recordingSink) lastStatus() (core.RadioStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return core.RadioStatus{}, 0
	}
	return s.statuses[len(s.statuses)-1], len(s.statuses)
}

func testOptions() Options {
	return Options{
		Capabilities: core.Capabilities{
			LinkIPMTU:     1500,
			MaxSpsFlows:   2,
			MaxEventFlows: 2,
			PoolIDs:       []core.PoolIDRange{{Min: 1, Max: 2}},
		},
		AdjustmentInterval: 10 * time.Millisecond,
		TargetLoad:         100,
	}
}

func newModem(t *testing.T) (*Modem, *recordingSink) {
	t.Helper()
	m := New(testOptions())
	sink := newRecordingSink()
	m.Attach(sink)
	t.Cleanup(func() { m.Close() })
	return m, sink
}

func TestSetRadioActive_CompletesBeforeTransition(t *testing.T) {
	m, sink := newModem(t)
	var order []string
	var mu sync.Mutex
	done := make(chan struct{})

	require.NoError(t, m.SetRadioActive(core.TrafficSafety, true, func(err error) {
		assert.NoError(t, err)
		_, n := sink.lastStatus()
		mu.Lock()
		if n == 0 {
			order = append(order, "done")
		}
		mu.Unlock()
		close(done)
	}))
	<-done

	assert.Eventually(t, func() bool {
		s, _ := sink.lastStatus()
		return s.Tx == core.StateActive && s.Rx == core.StateActive
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"done"}, order)
	mu.Unlock()

	s, _ := sink.lastStatus()
	assert.Len(t, s.Pools, 2)
	assert.True(t, s.CBRValid)
}

func TestQueryStatus_InitialInactive(t *testing.T) {
	m, sink := newModem(t)

	require.NoError(t, m.QueryStatus(core.TrafficNonSafety))

	assert.Eventually(t, func() bool {
		_, n := sink.lastStatus()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	s, _ := sink.lastStatus()
	assert.Equal(t, core.StateInactive, s.Tx)
	assert.Equal(t, core.CauseUnknown, s.TxCause)
}

func TestLoopback(t *testing.T) {
	m, _ := newModem(t)

	rxCh := make(chan transport.RxSubscriptionGrant, 2)
	require.NoError(t, m.RegisterRxSubscription(transport.RxSubscriptionRequest{IPType: core.IPTypeNonIP, Port: 7000},
		func(g transport.RxSubscriptionGrant, err error) { assert.NoError(t, err); rxCh <- g }))
	require.NoError(t, m.RegisterRxSubscription(transport.RxSubscriptionRequest{IPType: core.IPTypeNonIP, Port: 7001, ServiceIDs: []uint32{99}},
		func(g transport.RxSubscriptionGrant, err error) { assert.NoError(t, err); rxCh <- g }))
	all, filtered := <-rxCh, <-rxCh

	txCh := make(chan transport.TxFlowGrant, 1)
	require.NoError(t, m.RegisterTxFlow(transport.TxFlowRequest{IPType: core.IPTypeNonIP, ServiceID: 42},
		func(g transport.TxFlowGrant, err error) { assert.NoError(t, err); txCh <- g }))
	tx := <-txCh
	assert.NotZero(t, tx.Endpoint.LocalPort())

	_, err := tx.Endpoint.Write([]byte("bsm"))
	require.NoError(t, err)

	buf := make([]byte, 128)
	n, err := all.Endpoint.Read(buf)
	require.NoError(t, err)
	consumed, reports, status := metadata.Decode(buf[:n])
	require.Equal(t, metadata.StatusOK, status)
	require.Len(t, reports, 1)
	assert.Equal(t, uint32(42), reports[0].L2DestinationID)
	assert.Equal(t, []byte("bsm"), buf[consumed:n])

	// service filter admits only 99
	assert.Empty(t, filtered.Endpoint.(*rxEndpoint).inbox)
	require.NoError(t, filtered.Endpoint.Close())
	_, err = filtered.Endpoint.Read(buf)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestRegisterRxSubscription_PortInUse(t *testing.T) {
	m, _ := newModem(t)
	errs := make(chan error, 2)
	req := transport.RxSubscriptionRequest{IPType: core.IPTypeIP, Port: 7000}
	cb := func(_ transport.RxSubscriptionGrant, err error) { errs <- err }

	require.NoError(t, m.RegisterRxSubscription(req, cb))
	require.NoError(t, m.RegisterRxSubscription(req, cb))

	assert.NoError(t, <-errs)
	assert.ErrorContains(t, <-errs, "in use")
}

func TestAdjustmentsTowardTarget(t *testing.T) {
	m, sink := newModem(t)

	select {
	case <-sink.adjustments:
		t.Fatal("adjustment before any load was submitted")
	case <-time.After(50 * time.Millisecond):
	}

	accepted := make(chan error, 1)
	require.NoError(t, m.SubmitVerificationLoad(300, func(err error) { accepted <- err }))
	require.NoError(t, <-accepted)

	select {
	case d := <-sink.adjustments:
		assert.Equal(t, -100, d)
	case <-time.After(time.Second):
		t.Fatal("no adjustment")
	}
}

func TestThrottleRestartForgetsLoad(t *testing.T) {
	m, sink := newModem(t)
	require.NoError(t, m.SubmitVerificationLoad(0, func(error) {}))
	m.InjectThrottleStatus(core.ServiceUnavailable)

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.throttle) == 1
	}, time.Second, 5*time.Millisecond)
	for len(sink.adjustments) > 0 {
		<-sink.adjustments
	}
	select {
	case <-sink.adjustments:
		t.Fatal("adjustment after restart without load")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	m := New(testOptions())
	grants := make(chan transport.RxSubscriptionGrant, 1)
	require.NoError(t, m.RegisterRxSubscription(transport.RxSubscriptionRequest{Port: 1},
		func(g transport.RxSubscriptionGrant, _ error) { grants <- g }))
	g := <-grants

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := g.Endpoint.Read(make([]byte, 8))
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.ErrorIs(t, m.QueryStatus(core.TrafficSafety), ErrClosed)
}

func TestUDPRelay(t *testing.T) {
	m, err := NewUDP(testOptions(), netip.MustParseAddr("127.0.0.1"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	rxCh := make(chan transport.RxSubscriptionGrant, 1)
	require.NoError(t, m.RegisterRxSubscription(transport.RxSubscriptionRequest{IPType: core.IPTypeIP},
		func(g transport.RxSubscriptionGrant, err error) { assert.NoError(t, err); rxCh <- g }))
	rx := <-rxCh
	require.IsType(t, &transport.UDPEndpoint{}, rx.Endpoint)
	assert.NotZero(t, rx.Endpoint.LocalPort())

	txCh := make(chan transport.TxFlowGrant, 1)
	sps := &core.SPSParams{Priority: 2, Periodicity: 100 * time.Millisecond, ReservedBytes: 200}
	require.NoError(t, m.RegisterTxFlow(transport.TxFlowRequest{IPType: core.IPTypeIP, ServiceID: 7, SPS: sps},
		func(g transport.TxFlowGrant, err error) { assert.NoError(t, err); txCh <- g }))
	tx := <-txCh

	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := rx.Endpoint.Read(buf)
		got <- result{buf[:n], err}
	}()

	_, err = tx.Endpoint.Write([]byte("cam"))
	require.NoError(t, err)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		consumed, reports, status := metadata.Decode(r.data)
		require.Equal(t, metadata.StatusOK, status)
		require.Len(t, reports, 1)
		assert.Equal(t, uint32(7), reports[0].L2DestinationID)
		assert.Equal(t, []byte("cam"), r.data[consumed:])
	case <-time.After(2 * time.Second):
		t.Fatal("relayed datagram not received")
	}
}
