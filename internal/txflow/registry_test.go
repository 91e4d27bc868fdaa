package txflow

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/eventbus"
	"firestige.xyz/cv2x/internal/transport"
)

type nopEndpoint struct {
	port   uint16
	closed atomic.Bool
}

func (e *nopEndpoint) Read([]byte) (int, error)    { return 0, errors.New("write only") }
func (e *nopEndpoint) Write(p []byte) (int, error) { return len(p), nil }
func (e *nopEndpoint) Close() error                { e.closed.Store(true); return nil }
func (e *nopEndpoint) LocalPort() uint16           { return e.port }

// fakeRequester answers every request inline.
type fakeRequester struct {
	mu          sync.Mutex
	nextID      uint32
	registerErr error
	deregs      []uint32
	updates     []core.SPSParams
}

func (f *fakeRequester) RegisterTxFlow(req transport.TxFlowRequest, done func(transport.TxFlowGrant, error)) error {
	f.mu.Lock()
	err := f.registerErr
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	if err != nil {
		done(transport.TxFlowGrant{}, err)
		return nil
	}
	done(transport.TxFlowGrant{FlowID: id, Endpoint: &nopEndpoint{port: req.SourcePort}}, nil)
	return nil
}

func (f *fakeRequester) UpdateTxFlow(_ core.TrafficCategory, _ uint32, p core.SPSParams, done func(error)) error {
	f.mu.Lock()
	f.updates = append(f.updates, p)
	f.mu.Unlock()
	done(nil)
	return nil
}

func (f *fakeRequester) DeregisterTxFlow(_ core.TrafficCategory, id uint32, done func(error)) error {
	f.mu.Lock()
	f.deregs = append(f.deregs, id)
	f.mu.Unlock()
	done(nil)
	return nil
}

type fakeState struct {
	mu sync.Mutex
	s  core.RadioStatus
}

func (f *fakeState) Status() (core.RadioStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, true
}

func (f *fakeState) setTx(s core.RadioState) {
	f.mu.Lock()
	f.s.Tx = s
	f.mu.Unlock()
}

func testCaps() core.Capabilities {
	return core.Capabilities{
		LinkIPMTU:     1500,
		LinkNonIPMTU:  1500,
		Periodicities: []time.Duration{100 * time.Millisecond, 50 * time.Millisecond},
		Priorities:    []core.Priority{0, 1, 2, 3},
		MaxSpsFlows:   2,
		MaxEventFlows: 1,
	}
}

func sps() core.SPSParams {
	return core.SPSParams{Priority: 2, Periodicity: 100 * time.Millisecond, ReservedBytes: 300}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeRequester, *fakeState) {
	t.Helper()
	bus := eventbus.NewInMemoryBus(2, 128)
	t.Cleanup(func() { bus.Close() })
	req := &fakeRequester{}
	state := &fakeState{s: core.RadioStatus{Tx: core.StateActive, Rx: core.StateActive}}
	r := NewRegistry(req, state, bus, Options{Category: core.TrafficSafety})
	r.SetCapabilities(testCaps())
	return r, req, state
}

type result struct {
	flow *Flow
	err  error
}

func createSps(t *testing.T, r *Registry, serviceID uint32, port uint16) (*Flow, error) {
	t.Helper()
	ch := make(chan result, 1)
	if err := r.CreateSpsFlow(core.IPTypeIP, serviceID, sps(), port, func(f *Flow, err error) {
		ch <- result{f, err}
	}); err != nil {
		return nil, err
	}
	res := <-ch
	return res.flow, res.err
}

func closeFlow(t *testing.T, r *Registry, f *Flow) error {
	t.Helper()
	ch := make(chan error, 1)
	if err := r.CloseFlow(f, func(err error) { ch <- err }); err != nil {
		return err
	}
	return <-ch
}

func TestCreateSpsFlow_Success(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	f, err := createSps(t, r, 100, 2500)

	require.NoError(t, err)
	assert.NotZero(t, f.ID())
	assert.Equal(t, uint32(100), f.ServiceID())
	assert.Equal(t, uint16(2500), f.SourcePort())
	assert.Equal(t, transport.TxFlowSPS, f.Kind())
	assert.NotNil(t, f.Endpoint())
	p, ok := r.SPS(f)
	assert.True(t, ok)
	assert.Equal(t, sps(), p)
	assert.Len(t, r.Flows(), 1)
}

func TestCreateSpsFlow_Duplicate(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := createSps(t, r, 100, 2500)
	require.NoError(t, err)

	_, err = createSps(t, r, 100, 2500)
	assert.ErrorIs(t, err, core.ErrAlready)

	// same port, other service is a distinct key
	_, err = createSps(t, r, 101, 2500)
	assert.NoError(t, err)
}

func TestCreateSpsFlow_CapacityAndRelease(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first, err := createSps(t, r, 1, 1001)
	require.NoError(t, err)
	_, err = createSps(t, r, 2, 1002)
	require.NoError(t, err)

	_, err = createSps(t, r, 3, 1003)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)

	require.NoError(t, closeFlow(t, r, first))
	_, err = createSps(t, r, 3, 1003)
	assert.NoError(t, err)
}

func TestCreateEventFlow_Capacity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	done := make(chan result, 1)
	require.NoError(t, r.CreateEventFlow(core.IPTypeNonIP, 7, 3000, func(f *Flow, err error) { done <- result{f, err} }))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, transport.TxFlowEvent, res.flow.Kind())
	_, ok := r.SPS(res.flow)
	assert.False(t, ok)

	err := r.CreateEventFlow(core.IPTypeNonIP, 8, 3001, func(*Flow, error) {})
	assert.ErrorIs(t, err, core.ErrResourceExhausted)
	assert.Equal(t, 1, r.Count(transport.TxFlowEvent))
}

func TestCreate_RequiresActiveTx(t *testing.T) {
	r, _, state := newTestRegistry(t)

	for _, s := range []core.RadioState{core.StateInactive, core.StateSuspended, core.StateUnknown} {
		state.setTx(s)
		_, err := createSps(t, r, 1, 1001)
		assert.ErrorIs(t, err, core.ErrInvalidState, s.String())
	}
}

func TestCloseFlow_WhileSuspended(t *testing.T) {
	r, req, state := newTestRegistry(t)
	f, err := createSps(t, r, 1, 1001)
	require.NoError(t, err)
	_, err = createSps(t, r, 2, 1002)
	require.NoError(t, err)

	state.setTx(core.StateSuspended)
	require.NoError(t, closeFlow(t, r, f))

	assert.Equal(t, 1, r.Count(transport.TxFlowSPS))
	assert.True(t, f.Endpoint().(*nopEndpoint).closed.Load())
	assert.Contains(t, req.deregs, f.ID())

	_, err = createSps(t, r, 3, 1003)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestCloseFlow_Twice(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	f, err := createSps(t, r, 1, 1001)
	require.NoError(t, err)

	require.NoError(t, closeFlow(t, r, f))
	assert.ErrorIs(t, r.CloseFlow(f, nil), core.ErrInvalidState)
	assert.ErrorIs(t, r.CloseFlow(nil, nil), core.ErrInvalidArgument)
}

func TestCreate_InvalidArguments(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	cb := func(*Flow, error) {}

	bad := sps()
	bad.Priority = 7
	assert.ErrorIs(t, r.CreateSpsFlow(core.IPTypeIP, 1, bad, 1, cb), core.ErrInvalidArgument)

	bad = sps()
	bad.Periodicity = 20 * time.Millisecond
	assert.ErrorIs(t, r.CreateSpsFlow(core.IPTypeIP, 1, bad, 1, cb), core.ErrInvalidArgument)

	bad = sps()
	bad.ReservedBytes = 9000
	assert.ErrorIs(t, r.CreateSpsFlow(core.IPTypeIP, 1, bad, 1, cb), core.ErrInvalidArgument)

	assert.ErrorIs(t, r.CreateSpsFlow(core.IPTypeIP, 1, sps(), 1, nil), core.ErrInvalidArgument)
}

func TestCreate_WithoutCapabilities(t *testing.T) {
	bus := eventbus.NewInMemoryBus(1, 8)
	defer bus.Close()
	r := NewRegistry(&fakeRequester{}, &fakeState{s: core.RadioStatus{Tx: core.StateActive}}, bus, Options{})

	err := r.CreateEventFlow(core.IPTypeIP, 1, 1, func(*Flow, error) {})
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestCreate_DeviceFailureReleasesSlot(t *testing.T) {
	r, req, _ := newTestRegistry(t)
	req.registerErr = errors.New("modem busy")

	_, err := createSps(t, r, 1, 1001)
	assert.EqualError(t, err, "modem busy")
	assert.Equal(t, 0, r.Count(transport.TxFlowSPS))

	req.registerErr = nil
	_, err = createSps(t, r, 1, 1001)
	assert.NoError(t, err)
}

func TestUpdateSpsFlow(t *testing.T) {
	r, req, state := newTestRegistry(t)
	f, err := createSps(t, r, 1, 1001)
	require.NoError(t, err)

	next := sps()
	next.Periodicity = 50 * time.Millisecond
	done := make(chan error, 1)
	require.NoError(t, r.UpdateSpsFlow(f, next, func(err error) { done <- err }))
	require.NoError(t, <-done)

	p, _ := r.SPS(f)
	assert.Equal(t, 50*time.Millisecond, p.Periodicity)
	assert.Len(t, req.updates, 1)

	state.setTx(core.StateSuspended)
	assert.ErrorIs(t, r.UpdateSpsFlow(f, next, nil), core.ErrInvalidState)

	state.setTx(core.StateActive)
	require.NoError(t, closeFlow(t, r, f))
	assert.ErrorIs(t, r.UpdateSpsFlow(f, next, nil), core.ErrInvalidState)
}

func TestCreate_ConcurrentCallersRespectMaximum(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	var created, exhausted atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := createSps(t, r, uint32(n), uint16(5000+n))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, core.ErrResourceExhausted):
				exhausted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), created.Load())
	assert.Equal(t, int32(18), exhausted.Load())
}

func TestClose_ReleasesEverything(t *testing.T) {
	r, req, _ := newTestRegistry(t)
	f, err := createSps(t, r, 1, 1001)
	require.NoError(t, err)

	r.Close()

	assert.Empty(t, r.Flows())
	assert.Contains(t, req.deregs, f.ID())
	_, err = createSps(t, r, 2, 1002)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

// stalledRequester accepts registrations and never completes them.
type stalledRequester struct{ fakeRequester }

func (s *stalledRequester) RegisterTxFlow(transport.TxFlowRequest, func(transport.TxFlowGrant, error)) error {
	return nil
}

func TestPending_TracksInflightRequests(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := createSps(t, r, 100, 2500)
	require.NoError(t, err)
	assert.Zero(t, r.Pending())

	bus := eventbus.NewInMemoryBus(1, 16)
	t.Cleanup(func() { bus.Close() })
	state := &fakeState{s: core.RadioStatus{Tx: core.StateActive}}
	stalled := NewRegistry(&stalledRequester{}, state, bus, Options{Category: core.TrafficSafety})
	stalled.SetCapabilities(testCaps())

	require.NoError(t, stalled.CreateEventFlow(core.IPTypeIP, 1, 0, func(*Flow, error) {}))
	assert.Equal(t, 1, stalled.Pending())
	assert.Equal(t, 1, stalled.Count(transport.TxFlowEvent))
}

// saturate parks the only worker of bus and fills its queue.
func saturate(t *testing.T, bus *eventbus.InMemoryBus) (release func()) {
	t.Helper()
	started, unblock := make(chan struct{}), make(chan struct{})
	require.NoError(t, bus.Publish(&eventbus.Event{Topic: "block", Run: func() {
		close(started)
		<-unblock
	}}))
	<-started
	require.NoError(t, bus.Publish(&eventbus.Event{Topic: "fill", Run: func() {}}))
	return func() { close(unblock) }
}

func TestCreate_DroppedCallbackReleasesFlow(t *testing.T) {
	bus := eventbus.NewInMemoryBus(1, 1)
	defer bus.Close()
	req := &fakeRequester{}
	state := &fakeState{s: core.RadioStatus{Tx: core.StateActive, Rx: core.StateActive}}
	r := NewRegistry(req, state, bus, Options{Category: core.TrafficSafety})
	r.SetCapabilities(testCaps())
	release := saturate(t, bus)
	defer release()

	var got []result
	require.NoError(t, r.CreateSpsFlow(core.IPTypeIP, 1, sps(), 1001, func(f *Flow, err error) {
		got = append(got, result{f, err})
	}))

	require.Len(t, got, 1)
	assert.Nil(t, got[0].flow)
	assert.ErrorIs(t, got[0].err, core.ErrServiceUnavailable)
	assert.Empty(t, r.Flows())
	assert.Equal(t, 0, r.Count(transport.TxFlowSPS))
	assert.Equal(t, []uint32{1}, req.deregs)
}
