package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"go4.org/mem"

	"github.com/edup2p/turntest/types"
	"github.com/edup2p/turntest/types/stun"
)

var errTxMismatch = errors.New("response for another transaction")

// SessionOptions are the parts of Config every session shares.
type SessionOptions struct {
	Messages int
	Interval time.Duration
	Payload  string
}

// Result is the terminal state of one session.
type Result struct {
	Plan

	Allocation Outcome
	Binding    Outcome

	Relayed netip.AddrPort
	Mapped  netip.AddrPort

	ClientPeerErrors int
	PeerClientErrors int

	// Stopped is set when the run was cancelled before the session finished.
	Stopped bool
	// SetupErr is set when the session could not open its sockets.
	SetupErr error
}

func newResult(p Plan) Result {
	return Result{
		Plan:       p,
		Allocation: OutcomeNone,
		Binding:    OutcomeNone,
	}
}

// Session drives one client/peer pair through Allocate, ChannelBind and the data
// exchange. It owns both endpoints and closes them when Run returns.
type Session struct {
	plan   Plan
	server netip.AddrPort
	opts   SessionOptions

	client *Endpoint
	peer   *Endpoint

	state State

	relayed gonull.Nullable[netip.AddrPort]
	mapped  gonull.Nullable[netip.AddrPort]

	result Result

	log *slog.Logger
}

func NewSession(plan Plan, server netip.AddrPort, client, peer *Endpoint, opts SessionOptions) *Session {
	return &Session{
		plan:   plan,
		server: server,
		opts:   opts,
		client: client,
		peer:   peer,
		state:  StateCreated,
		result: newResult(plan),
		log: slog.With(
			"session", plan.ID,
			"channel", fmt.Sprintf("%#08x", plan.Channel),
			"client", client.Addr(),
			"peer", peer.Addr(),
		),
	}
}

// Run executes the session to completion, or until ctx ends, and returns its terminal state.
func (s *Session) Run(ctx context.Context) Result {
	defer s.close()

	if s.allocate(ctx) && s.bindChannel(ctx) && s.relayed.Val.Port() != 0 {
		s.exchange(ctx)
	}

	s.result.Stopped = ctx.Err() != nil
	if s.relayed.Valid {
		s.result.Relayed = s.relayed.Val
	}
	if s.mapped.Valid {
		s.result.Mapped = s.mapped.Val
	}

	s.transition(StateDone)

	return s.result
}

func (s *Session) close() {
	if err := s.client.Close(); err != nil {
		s.log.Warn("could not close client endpoint", "err", err)
	}
	if err := s.peer.Close(); err != nil {
		s.log.Warn("could not close peer endpoint", "err", err)
	}
}

func (s *Session) transition(to State) {
	s.log.Debug("transition", "from", s.state, "to", to)
	s.state = to
}

// transact sends req to the server from the client endpoint and waits for one reply.
//
// It returns an error wrapping stun.ErrMalformedMessage or errTxMismatch for replies that
// are not usable, and any other error when no reply was obtained.
func (s *Session) transact(ctx context.Context, req *stun.Message) (*stun.Message, error) {
	if err := s.client.Send(s.server, req.Encode()); err != nil {
		return nil, fmt.Errorf("could not send %s: %w", req.Type, err)
	}

	pkt, err := s.client.Receive(ctx)
	if err != nil {
		return nil, err
	}

	res, err := stun.Decode(pkt)
	if err != nil {
		return nil, err
	}

	if res.TxID != req.TxID {
		return nil, errTxMismatch
	}

	return res, nil
}

// classify maps a transaction onto an outcome, given the success and error response types the request expects.
func classify(res *stun.Message, err error, success, failure stun.MessageType) Outcome {
	switch {
	case errors.Is(err, stun.ErrMalformedMessage), errors.Is(err, errTxMismatch):
		return OutcomeBogus
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The run was stopped, the server never got the chance to answer.
		return OutcomeNone
	case err != nil:
		return OutcomeTimeout
	case res.Type == success:
		return OutcomeSuccess
	case res.Type == failure:
		return OutcomeError
	default:
		return OutcomeBogus
	}
}

func (s *Session) allocate(ctx context.Context) bool {
	s.transition(StateAllocating)

	req := stun.New(stun.AllocateRequest)
	req.AddUint32(stun.AttrRequestedTransport, stun.TransportUDP)

	res, err := s.transact(ctx, req)
	s.result.Allocation = classify(res, err, stun.AllocateResponse, stun.AllocateErrorResponse)

	switch s.result.Allocation {
	case OutcomeSuccess:
		relayed, rerr := res.XorAddress(stun.AttrXorRelayedAddress)
		mapped, merr := res.XorAddress(stun.AttrXorMappedAddress)
		if rerr != nil || merr != nil {
			s.log.Warn("allocation response without usable addresses", "relayed-err", rerr, "mapped-err", merr)
			s.result.Allocation = OutcomeError
			return false
		}

		s.relayed = gonull.NewNullable(relayed)
		s.mapped = gonull.NewNullable(mapped)

		s.log.Debug("allocated", "relayed", relayed, "mapped", mapped)
		return true
	case OutcomeError:
		code, reason, _ := res.ErrorCode()
		s.log.Info("allocation refused", "code", code, "reason", reason)
	case OutcomeBogus:
		s.log.Info("bogus allocation response", "err", err, "type", responseType(res))
	case OutcomeTimeout:
		s.log.Info("no allocation response", "err", err)
	case OutcomeNone:
		s.log.Debug("stopped during allocation")
	}

	return false
}

func (s *Session) bindChannel(ctx context.Context) bool {
	s.transition(StateBinding)

	req := stun.New(stun.ChannelBindRequest)
	req.AddUint32(stun.AttrChannelNumber, s.plan.Channel)
	if err := req.AddXorAddress(stun.AttrXorPeerAddress, s.peer.Addr()); err != nil {
		s.log.Error("could not encode peer address", "err", err, "peer", s.peer.Addr())
		s.result.Binding = OutcomeError
		return false
	}

	res, err := s.transact(ctx, req)
	s.result.Binding = classify(res, err, stun.ChannelBindResponse, stun.ChannelBindErrorResponse)

	switch s.result.Binding {
	case OutcomeSuccess:
		return true
	case OutcomeError:
		code, reason, _ := res.ErrorCode()
		s.log.Info("channel bind refused", "code", code, "reason", reason)
	case OutcomeBogus:
		s.log.Info("bogus channel bind response", "err", err, "type", responseType(res))
	case OutcomeTimeout:
		s.log.Info("no channel bind response", "err", err)
	case OutcomeNone:
		s.log.Debug("stopped during channel bind")
	}

	return false
}

func (s *Session) exchange(ctx context.Context) {
	s.transition(StateExchanging)

	clientData := "client" + s.opts.Payload
	for i := 0; i < s.opts.Messages; i++ {
		if !s.clientToPeer(ctx, clientData) {
			if ctx.Err() != nil {
				return
			}
			s.result.ClientPeerErrors++
		}
		if !s.pause(ctx) {
			return
		}
	}

	peerData := "peer" + s.opts.Payload
	for i := 0; i < s.opts.Messages; i++ {
		if !s.peerToClient(ctx, peerData) {
			if ctx.Err() != nil {
				return
			}
			s.result.PeerClientErrors++
		}
		if !s.pause(ctx) {
			return
		}
	}
}

// clientToPeer sends data through the relay as channel data and reports whether the peer got it intact.
func (s *Session) clientToPeer(ctx context.Context, data string) bool {
	frame := stun.AppendChannelData(nil, s.plan.Channel, []byte(data))
	if err := s.client.Send(s.server, frame); err != nil {
		s.log.Info("client send failed", "err", err)
		return false
	}

	pkt, err := s.peer.Receive(ctx)
	if err != nil {
		s.log.Log(ctx, types.LevelTrace, "peer receive failed", "err", err)
		return false
	}

	return mem.B(pkt).EqualString(data)
}

// peerToClient sends raw data to the relayed address and reports whether the client got it intact.
func (s *Session) peerToClient(ctx context.Context, data string) bool {
	if err := s.peer.Send(s.relayed.Val, []byte(data)); err != nil {
		s.log.Info("peer send failed", "err", err)
		return false
	}

	pkt, err := s.client.Receive(ctx)
	if err != nil {
		s.log.Log(ctx, types.LevelTrace, "client receive failed", "err", err)
		return false
	}

	payload, err := stun.ParseChannelData(pkt, s.plan.Channel)
	if err != nil {
		if errors.Is(err, stun.ErrWrongChannel) {
			s.log.Warn("wrong channel number on relayed data", "err", err)
		} else {
			s.log.Log(ctx, types.LevelTrace, "dropping non channel data", "err", err)
		}
		return false
	}

	return mem.B(payload).EqualString(data)
}

// pause waits out the inter-message interval, it returns false if ctx ended first.
func (s *Session) pause(ctx context.Context) bool {
	if s.opts.Interval <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(s.opts.Interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func responseType(res *stun.Message) string {
	if res == nil {
		return ""
	}
	return res.Type.String()
}
