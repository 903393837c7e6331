package stun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// DefaultLifetime is the allocation lifetime in seconds. Allocations are not refreshed,
// the relay drops them once it has passed.
const DefaultLifetime = 600

// Faults makes the relay misbehave on purpose.
//
// Faults are read without locking while serving, set them before Listen.
type Faults struct {
	DropAllocate    bool // never answer Allocate
	RejectAllocate  bool // answer Allocate with an error response
	BogusAllocate   bool // answer Allocate with a binding response
	OmitRelayedAddr bool // leave XOR-RELAYED-ADDRESS out of the Allocate response

	DropChannelBind   bool
	RejectChannelBind bool
	BogusChannelBind  bool

	// ChannelSkew is added to the channel number on frames relayed towards the client.
	ChannelSkew uint16
}

// Server is a minimal, unauthenticated TURN relay over UDP. It supports Allocate,
// ChannelBind, channel data in both directions, and STUN binding requests.
type Server struct {
	ctx  context.Context // ctx signals service shutdown
	bind *net.UDPConn    // bind is the UDP listener

	Faults Faults
	// Lifetime is how long an allocation lives, it must be set before Listen.
	Lifetime time.Duration

	mu     sync.Mutex
	allocs map[netip.AddrPort]*allocation
}

type allocation struct {
	client  netip.AddrPort
	relay   *net.UDPConn
	expires time.Time

	mu       sync.Mutex
	channels map[uint16]netip.AddrPort
	peers    map[netip.AddrPort]uint16
}

func NewServer(ctx context.Context) *Server {
	return &Server{
		ctx:      ctx,
		Lifetime: DefaultLifetime * time.Second,
		allocs:   make(map[netip.AddrPort]*allocation),
	}
}

func (s *Server) Listen(addrPort netip.AddrPort) error {
	ua := net.UDPAddrFromAddrPort(addrPort)

	var err error
	s.bind, err = net.ListenUDP("udp", ua)
	if err != nil {
		return err
	}
	slog.Info("TURN relay listening", "addr", s.LocalAddr())
	// close the listener on shutdown in order to break out of the read loop
	go func() {
		<-s.ctx.Done()
		if err := s.bind.Close(); err != nil {
			slog.Error("failed to close bind", "err", err)
		}
		s.closeAllocations()
	}()
	go s.expireLoop()
	return nil
}

// LocalAddr returns the local address of the relay. It must not be called before Listen.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.bind.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *Server) Serve() error {
	var buf [64 << 10]byte
	for {
		n, src, err := s.bind.ReadFromUDPAddrPort(buf[:])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("TURN relay ReadFrom", "err", err)
			time.Sleep(time.Second)
			continue
		}
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

		pkt := buf[:n]
		if Is(pkt) {
			s.handleMessage(pkt, src)
			continue
		}

		num, payload, err := splitChannelData(pkt)
		if err != nil {
			// Just drop it (like its hot)
			continue
		}
		s.forwardToPeer(src, num, payload)
	}
}

// ListenAndServe starts the relay on listenAddr.
func (s *Server) ListenAndServe(listenAddr netip.AddrPort) error {
	if err := s.Listen(listenAddr); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) handleMessage(pkt []byte, src netip.AddrPort) {
	req, err := Decode(pkt)
	if err != nil {
		slog.Debug("Decode failed", "error", err, "src", src)
		return
	}

	var res *Message
	switch req.Type {
	case BindingRequest:
		res = NewResponse(BindingResponse, req)
		_ = res.AddXorAddress(AttrXorMappedAddress, src)
	case AllocateRequest:
		res = s.allocate(req, src)
	case ChannelBindRequest:
		res = s.channelBind(req, src)
	default:
		slog.Debug("ignoring STUN message", "type", req.Type, "src", src)
		return
	}

	if res == nil {
		return
	}
	res.AddFingerprint()

	if _, err = s.bind.WriteToUDPAddrPort(res.Encode(), src); err != nil {
		slog.Info("writing back TURN response failed", "error", err)
	}
}

func (s *Server) allocate(req *Message, src netip.AddrPort) *Message {
	switch {
	case s.Faults.DropAllocate:
		return nil
	case s.Faults.RejectAllocate:
		return errorResponse(AllocateErrorResponse, req, 486, "Allocation Quota Reached")
	case s.Faults.BogusAllocate:
		return NewResponse(BindingResponse, req)
	}

	if t, err := req.Uint32(AttrRequestedTransport); err != nil || t != TransportUDP {
		return errorResponse(AllocateErrorResponse, req, 442, "Unsupported Transport Protocol")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if old, ok := s.allocs[src]; ok {
		if !old.expired(now) {
			return errorResponse(AllocateErrorResponse, req, 437, "Allocation Mismatch")
		}
		s.release(old)
	}

	relay, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(s.LocalAddr().Addr(), 0)))
	if err != nil {
		slog.Warn("could not open relay socket", "err", err, "client", src)
		return errorResponse(AllocateErrorResponse, req, 508, "Insufficient Capacity")
	}

	a := &allocation{
		client:   src,
		relay:    relay,
		expires:  now.Add(s.Lifetime),
		channels: make(map[uint16]netip.AddrPort),
		peers:    make(map[netip.AddrPort]uint16),
	}
	s.allocs[src] = a
	go s.relayLoop(a)

	res := NewResponse(AllocateResponse, req)
	if !s.Faults.OmitRelayedAddr {
		_ = res.AddXorAddress(AttrXorRelayedAddress, relay.LocalAddr().(*net.UDPAddr).AddrPort())
	}
	res.AddUint32(AttrLifetime, uint32(max(time.Second, s.Lifetime)/time.Second))
	_ = res.AddXorAddress(AttrXorMappedAddress, src)

	slog.Debug("allocated", "client", src, "relay", relay.LocalAddr())

	return res
}

func (s *Server) channelBind(req *Message, src netip.AddrPort) *Message {
	switch {
	case s.Faults.DropChannelBind:
		return nil
	case s.Faults.RejectChannelBind:
		return errorResponse(ChannelBindErrorResponse, req, 400, "Bad Request")
	case s.Faults.BogusChannelBind:
		return NewResponse(AllocateResponse, req)
	}

	a := s.allocation(src)
	if a == nil {
		return errorResponse(ChannelBindErrorResponse, req, 437, "Allocation Mismatch")
	}

	ch, err := req.Uint32(AttrChannelNumber)
	if err != nil {
		return errorResponse(ChannelBindErrorResponse, req, 400, "Bad Request")
	}
	num := uint16(ch >> 16)
	if num < 0x4000 || num > 0x7FFF {
		return errorResponse(ChannelBindErrorResponse, req, 400, "Bad Request")
	}

	peer, err := req.XorAddress(AttrXorPeerAddress)
	if err != nil {
		return errorResponse(ChannelBindErrorResponse, req, 400, "Bad Request")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if bound, ok := a.channels[num]; ok && bound != peer {
		return errorResponse(ChannelBindErrorResponse, req, 400, "Bad Request")
	}
	a.channels[num] = peer
	a.peers[peer] = num

	return NewResponse(ChannelBindResponse, req)
}

func (s *Server) allocation(client netip.AddrPort) *allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.allocs[client]
	if a == nil || a.expired(time.Now()) {
		return nil
	}
	return a
}

func (a *allocation) expired(now time.Time) bool {
	return !now.Before(a.expires)
}

// release closes the relay socket of a and forgets it, s.mu must be held.
func (s *Server) release(a *allocation) {
	_ = a.relay.Close()
	delete(s.allocs, a.client)
	slog.Debug("released allocation", "client", a.client)
}

// expireLoop periodically releases allocations that outlived their lifetime, until shutdown.
func (s *Server) expireLoop() {
	ticker := time.NewTicker(max(s.Lifetime/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for _, a := range s.allocs {
				if a.expired(now) {
					s.release(a)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) forwardToPeer(src netip.AddrPort, num uint16, payload []byte) {
	a := s.allocation(src)
	if a == nil {
		return
	}

	a.mu.Lock()
	peer, ok := a.channels[num]
	a.mu.Unlock()

	if !ok {
		return
	}

	if _, err := a.relay.WriteToUDPAddrPort(payload, peer); err != nil {
		slog.Info("relaying to peer failed", "error", err, "peer", peer)
	}
}

// relayLoop forwards everything a bound peer sends to the relay socket to the client as channel data.
func (s *Server) relayLoop(a *allocation) {
	buf := make([]byte, 64<<10)
	for {
		n, from, err := a.relay.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		a.mu.Lock()
		num, ok := a.peers[from]
		a.mu.Unlock()

		if !ok {
			// no permission, no channel
			continue
		}

		frame := appendRelayChannelData(nil, num+s.Faults.ChannelSkew, buf[:n])
		if _, err := s.bind.WriteToUDPAddrPort(frame, a.client); err != nil {
			slog.Info("relaying to client failed", "error", err, "client", a.client)
		}
	}
}

func (s *Server) closeAllocations() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.allocs {
		s.release(a)
	}
}

func errorResponse(typ MessageType, req *Message, code int, reason string) *Message {
	res := NewResponse(typ, req)
	res.AddErrorCode(code, reason)
	return res
}
