package harness

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edup2p/turntest/types"
	"github.com/edup2p/turntest/types/stun"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type sentPacket struct {
	b  []byte
	to netip.AddrPort
}

// fakeConn is an in-memory types.UDPConn that honours read deadlines.
type fakeConn struct {
	addr netip.AddrPort

	in   chan []byte
	kick chan struct{}
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
	sent     []sentPacket
	onWrite  func(b []byte, to netip.AddrPort)
}

func newFakeConn(ap string) *fakeConn {
	return &fakeConn{
		addr: netip.MustParseAddrPort(ap),
		in:   make(chan []byte, 64),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	for {
		c.mu.Lock()
		dl := c.deadline
		c.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if !dl.IsZero() {
			d := time.Until(dl)
			if d <= 0 {
				return 0, netip.AddrPort{}, timeoutError{}
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}

		select {
		case <-c.done:
			stopTimer(timer)
			return 0, netip.AddrPort{}, net.ErrClosed
		case pkt := <-c.in:
			stopTimer(timer)
			return copy(b, pkt), netip.AddrPort{}, nil
		case <-c.kick:
		case <-expired:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *fakeConn) WriteToUDPAddrPort(b []byte, to netip.AddrPort) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	c.sent = append(c.sent, sentPacket{b: append([]byte(nil), b...), to: to})
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(b, to)
	}
	return len(b), nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.addr)
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *fakeConn) Sent() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]sentPacket(nil), c.sent...)
}

var testServerAddr = netip.MustParseAddrPort("192.0.2.1:3478")

// fakeRelay scripts a TURN server between a client and peer fakeConn.
//
// The reply funcs return the bytes to send back, nil drops the request.
type fakeRelay struct {
	client, peer *fakeConn

	relayed netip.AddrPort
	channel uint32

	allocate func(req *stun.Message) []byte
	bind     func(req *stun.Message) []byte

	// skew is added to the channel on frames towards the client.
	skew uint32
	// dropToPeer and dropToClient lose data in that direction.
	dropToPeer   bool
	dropToClient bool

	mu       sync.Mutex
	requests []stun.MessageType
}

func newFakeRelay(t *testing.T, channel uint32) *fakeRelay {
	t.Helper()

	r := &fakeRelay{
		client:  newFakeConn("198.51.100.10:6000"),
		peer:    newFakeConn("198.51.100.10:6001"),
		relayed: netip.AddrPortFrom(testServerAddr.Addr(), 5000),
		channel: channel,
	}
	r.allocate = func(req *stun.Message) []byte {
		return allocateSuccess(t, req, r.relayed, r.client.addr)
	}
	r.bind = func(req *stun.Message) []byte {
		return stun.NewResponse(stun.ChannelBindResponse, req).Encode()
	}

	r.client.onWrite = r.fromClient
	r.peer.onWrite = r.fromPeer

	return r
}

func (r *fakeRelay) fromClient(b []byte, to netip.AddrPort) {
	if to != testServerAddr {
		return
	}

	if !stun.Is(b) {
		if r.dropToPeer || len(b) < 4 {
			return
		}
		r.peer.in <- append([]byte(nil), b[4:]...)
		return
	}

	req, err := stun.Decode(b)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.requests = append(r.requests, req.Type)
	r.mu.Unlock()

	var reply []byte
	switch req.Type {
	case stun.AllocateRequest:
		reply = r.allocate(req)
	case stun.ChannelBindRequest:
		reply = r.bind(req)
	}
	if reply != nil {
		r.client.in <- reply
	}
}

func (r *fakeRelay) fromPeer(b []byte, to netip.AddrPort) {
	if to != r.relayed || r.dropToClient {
		return
	}
	r.client.in <- stun.AppendChannelData(nil, r.channel+r.skew, b)
}

func (r *fakeRelay) Requests() []stun.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]stun.MessageType(nil), r.requests...)
}

// session builds a session over the relay's conns, with close catchers on both.
func (r *fakeRelay) session(opts SessionOptions, timeout time.Duration) (*Session, *types.UDPConnCloseCatcher, *types.UDPConnCloseCatcher) {
	cc := &types.UDPConnCloseCatcher{UDPConn: r.client}
	pc := &types.UDPConnCloseCatcher{UDPConn: r.peer}

	p := Plan{
		ID:      7,
		Client:  r.client.addr,
		Peer:    r.peer.addr,
		Channel: r.channel,
	}

	return NewSession(p, testServerAddr, NewEndpoint(cc, timeout), NewEndpoint(pc, timeout), opts), cc, pc
}

func allocateSuccess(t *testing.T, req *stun.Message, relayed, mapped netip.AddrPort) []byte {
	t.Helper()

	res := stun.NewResponse(stun.AllocateResponse, req)
	require.NoError(t, res.AddXorAddress(stun.AttrXorRelayedAddress, relayed))
	res.AddUint32(stun.AttrLifetime, stun.DefaultLifetime)
	require.NoError(t, res.AddXorAddress(stun.AttrXorMappedAddress, mapped))
	res.AddFingerprint()
	return res.Encode()
}
