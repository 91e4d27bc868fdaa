package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/transport"
)

const maxDatagram = 64 << 10

// relay carries simulated sidelink traffic over loopback UDP sockets. Every
// flow socket is connected to the air socket; the modem re-addresses what
// arrives there to the subscription sockets.
type relay struct {
	addr netip.Addr
	air  *net.UDPConn
}

func newRelay(addr netip.Addr) (*relay, error) {
	air, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, 0)))
	if err != nil {
		return nil, fmt.Errorf("sim: open air socket: %w", err)
	}
	return &relay{addr: addr, air: air}, nil
}

func (r *relay) airAddr() netip.AddrPort {
	return r.air.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (r *relay) dialTx(port uint16, sps *core.SPSParams) (*transport.UDPEndpoint, error) {
	prio := core.Priority(7)
	if sps != nil {
		prio = sps.Priority
	}
	return transport.DialTx(context.Background(), netip.AddrPortFrom(r.addr, port),
		r.airAddr(), transport.TrafficClass(prio))
}

func (r *relay) listenRx(port uint16) (*transport.UDPEndpoint, error) {
	return transport.ListenRx(netip.AddrPortFrom(r.addr, port))
}

func (r *relay) send(port uint16, datagram []byte) {
	if _, err := r.air.WriteToUDPAddrPort(datagram, netip.AddrPortFrom(r.addr, port)); err != nil {
		slog.Debug("sim relay send failed", "port", port, "error", err)
	}
}

// run reads the air socket until it is closed, handing every datagram and
// its source port to route.
func (r *relay) run(route func(srcPort uint16, payload []byte)) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := r.air.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("sim relay read failed", "error", err)
			}
			return
		}
		route(src.Port(), append([]byte(nil), buf[:n]...))
	}
}

func (r *relay) Close() error {
	return r.air.Close()
}
