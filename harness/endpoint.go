package harness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/edup2p/turntest/types"
)

// ErrReceiveTimeout is returned by Endpoint.Receive when no packet arrived in time.
var ErrReceiveTimeout = errors.New("no packet before receive timeout")

const maxPacketSize = 64 << 10

// Endpoint is one simulated UDP endpoint, either the client or the peer half of a session.
//
// Only one Receive may be outstanding at a time.
type Endpoint struct {
	conn    types.UDPConn
	timeout time.Duration

	buf []byte
}

// NewEndpoint wraps conn. Every Receive waits at most timeout.
func NewEndpoint(conn types.UDPConn, timeout time.Duration) *Endpoint {
	return &Endpoint{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, maxPacketSize),
	}
}

// ListenEndpoint binds a UDP socket on ap, port 0 picks an ephemeral port.
func ListenEndpoint(ctx context.Context, ap netip.AddrPort, timeout time.Duration) (*Endpoint, error) {
	lc := net.ListenConfig{Control: controlSocket}

	pc, err := lc.ListenPacket(ctx, "udp", ap.String())
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", ap, err)
	}

	return NewEndpoint(pc.(*net.UDPConn), timeout), nil
}

// Addr returns the bound local address.
func (e *Endpoint) Addr() netip.AddrPort {
	if ua, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
		return types.NormaliseAddrPort(ua.AddrPort())
	}
	ap, _ := netip.ParseAddrPort(e.conn.LocalAddr().String())
	return ap
}

func (e *Endpoint) Send(to netip.AddrPort, b []byte) error {
	_, err := e.conn.WriteToUDPAddrPort(b, to)
	return err
}

// Receive returns the next non-empty datagram. It returns ErrReceiveTimeout once the
// timeout has passed, and ctx's error if ctx ends first.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.conn.SetReadDeadline(time.Now().Add(e.timeout)); err != nil {
		return nil, fmt.Errorf("could not set read deadline: %w", err)
	}
	// Pull the deadline in when ctx ends, to unblock the read.
	stop := context.AfterFunc(ctx, func() {
		_ = e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		n, _, err := e.conn.ReadFromUDPAddrPort(e.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrReceiveTimeout
			}
			return nil, err
		}

		if n == 0 {
			continue
		}

		return slices.Clone(e.buf[:n]), nil
	}
}

func (e *Endpoint) Close() error {
	return e.conn.Close()
}
