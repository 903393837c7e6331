package types

import (
	"net"
	"net/netip"
	"time"
)

// UDPConn is the part of *net.UDPConn a harness endpoint uses, so tests can swap in fakes.
type UDPConn interface {
	SetReadDeadline(t time.Time) error

	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)

	LocalAddr() net.Addr

	Close() error
}

// UDPConnCloseCatcher records whether Close was called on the wrapped conn.
type UDPConnCloseCatcher struct {
	UDPConn

	Closed bool
}

func (c *UDPConnCloseCatcher) Close() error {
	c.Closed = true

	return c.UDPConn.Close()
}
