package sim

import (
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/metadata"
)

// txEndpoint is the write side of a simulated flow.
type txEndpoint struct {
	modem     *Modem
	id        uint32
	port      uint16
	serviceID uint32
	ipType    core.IPType
	sock      io.Closer // set when the flow owns a UDP socket
	closed    atomic.Bool
}

func (e *txEndpoint) Read([]byte) (int, error) {
	return 0, net.ErrClosed
}

func (e *txEndpoint) Write(p []byte) (int, error) {
	if e.closed.Load() {
		return 0, net.ErrClosed
	}
	e.modem.loopback(e, slices.Clone(p))
	return len(p), nil
}

func (e *txEndpoint) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *txEndpoint) LocalPort() uint16 { return e.port }

// rxEndpoint is the read side of a simulated subscription. Datagrams beyond
// the queue length are dropped.
type rxEndpoint struct {
	modem      *Modem
	id         uint32
	port       uint16
	ipType     core.IPType
	serviceIDs []uint32
	sock       io.Closer

	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func newRxEndpoint(m *Modem, id uint32, port uint16, ipType core.IPType, serviceIDs []uint32) *rxEndpoint {
	return &rxEndpoint{
		modem:      m,
		id:         id,
		port:       port,
		ipType:     ipType,
		serviceIDs: slices.Clone(serviceIDs),
		inbox:      make(chan []byte, rxQueueLen),
		done:       make(chan struct{}),
	}
}

func (e *rxEndpoint) deliver(datagram []byte) {
	select {
	case <-e.done:
	case e.inbox <- datagram:
	default:
	}
}

// Read blocks until a datagram arrives or the endpoint is closed. A datagram
// longer than p is truncated.
func (e *rxEndpoint) Read(p []byte) (int, error) {
	select {
	case d := <-e.inbox:
		return copy(p, d), nil
	case <-e.done:
		return 0, net.ErrClosed
	}
}

func (e *rxEndpoint) Write([]byte) (int, error) {
	return 0, net.ErrClosed
}

func (e *rxEndpoint) Close() error {
	e.shutdown()
	return nil
}

func (e *rxEndpoint) shutdown() {
	e.once.Do(func() { close(e.done) })
}

func (e *rxEndpoint) LocalPort() uint16 { return e.port }

// frameFor prefixes payload with a metadata span describing the simulated
// reception.
func frameFor(from *txEndpoint, frame uint16, payload []byte) []byte {
	r := metadata.Report{
		Valid: metadata.ValidSubframeNumber | metadata.ValidSubchannelIndex |
			metadata.ValidSubchannelCount | metadata.ValidPRxRSSI |
			metadata.ValidL2DestinationID | metadata.ValidDelayEstimate,
		SubframeNumber:  frame,
		SubchannelIndex: uint8(from.id % 10),
		SubchannelCount: 1,
		PRxRSSI:         -60,
		L2DestinationID: from.serviceID,
		DelayEstimate:   int32(frame % 64),
	}
	out := metadata.AppendReport(make([]byte, 0, 32+len(payload)), r)
	return append(out, payload...)
}
