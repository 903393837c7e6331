package harness

import "net/netip"

// Plan is the fixed identity of one session, decided before any session runs.
type Plan struct {
	ID      int
	Client  netip.AddrPort
	Peer    netip.AddrPort
	Channel uint32
}

// channelIssuer hands out channel numbers from [min, max) in stride steps, starting one
// stride above min and wrapping back to min.
type channelIssuer struct {
	min, max, stride uint32

	next uint32
}

func newChannelIssuer(min, max, stride uint32) *channelIssuer {
	ci := &channelIssuer{min: min, max: max, stride: stride, next: min + stride}
	if ci.next >= max || ci.next < min {
		ci.next = min
	}
	return ci
}

func (ci *channelIssuer) issue() uint32 {
	ch := ci.next

	ci.next += ci.stride
	if ci.next >= ci.max || ci.next < ci.min {
		ci.next = ci.min
	}

	return ch
}

// portIssuer hands out client/peer port pairs, two ports per session. Port 0 stays 0, so
// every endpoint gets an ephemeral port.
type portIssuer struct {
	next int
}

func (pi *portIssuer) issue() (client, peer uint16) {
	if pi.next == 0 {
		return 0, 0
	}

	client, peer = uint16(pi.next), uint16(pi.next+1)
	pi.next += 2
	return client, peer
}

// Plans lays out every session of a run. cfg must be valid.
func Plans(cfg Config, host netip.Addr) []Plan {
	ports := &portIssuer{next: cfg.StartPort}
	channels := newChannelIssuer(cfg.ChannelMin, cfg.ChannelMax, cfg.ChannelStride)

	plans := make([]Plan, cfg.Sessions)
	for i := range plans {
		client, peer := ports.issue()

		plans[i] = Plan{
			ID:      i,
			Client:  netip.AddrPortFrom(host, client),
			Peer:    netip.AddrPortFrom(host, peer),
			Channel: channels.issue(),
		}
	}
	return plans
}
