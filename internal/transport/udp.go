package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/cv2x/internal/core"
)

// TrafficClass maps a V2X priority to the IP traffic class byte set on flow
// sockets. Priority 0 is the most urgent and gets the highest class.
func TrafficClass(p core.Priority) int {
	return int(7-min(p, 7)) << 5
}

// UDPEndpoint is an Endpoint over a UDP socket.
type UDPEndpoint struct {
	conn *net.UDPConn
	port uint16
}

// DialTx opens a transmit socket bound to local and connected to remote,
// tagging outgoing datagrams with trafficClass.
func DialTx(ctx context.Context, local, remote netip.AddrPort, trafficClass int) (*UDPEndpoint, error) {
	d := net.Dialer{LocalAddr: net.UDPAddrFromAddrPort(local)}
	c, err := d.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("dial tx endpoint %s: %w", remote, err)
	}
	conn := c.(*net.UDPConn)
	if err := setTrafficClass(conn, remote.Addr(), trafficClass); err != nil {
		conn.Close()
		return nil, err
	}
	return newUDPEndpoint(conn), nil
}

// ListenRx opens a receive socket on local.
func ListenRx(local netip.AddrPort) (*UDPEndpoint, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("listen rx endpoint %s: %w", local, err)
	}
	return newUDPEndpoint(conn), nil
}

func newUDPEndpoint(conn *net.UDPConn) *UDPEndpoint {
	ep := &UDPEndpoint{conn: conn}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		ep.port = uint16(addr.Port)
	}
	return ep
}

func setTrafficClass(conn *net.UDPConn, remote netip.Addr, tc int) error {
	var err error
	if remote.Is4() || remote.Is4In6() {
		err = ipv4.NewConn(conn).SetTOS(tc)
	} else {
		err = ipv6.NewConn(conn).SetTrafficClass(tc)
	}
	if err != nil {
		return fmt.Errorf("set traffic class %#x: %w", tc, err)
	}
	return nil
}

func (e *UDPEndpoint) Read(p []byte) (int, error)  { return e.conn.Read(p) }
func (e *UDPEndpoint) Write(p []byte) (int, error) { return e.conn.Write(p) }
func (e *UDPEndpoint) Close() error                { return e.conn.Close() }
func (e *UDPEndpoint) LocalPort() uint16           { return e.port }
