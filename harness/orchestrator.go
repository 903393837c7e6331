// Package harness drives many simulated TURN client/peer pairs against one server and
// aggregates what happened to each of them.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go4.org/netipx"
	"golang.org/x/sync/errgroup"

	"github.com/edup2p/turntest/types"
)

// Orchestrator lays out and runs every session of one harness run.
type Orchestrator struct {
	cfg Config

	server netip.AddrPort
	host   netip.Addr

	plans []Plan
	stats *Stats

	// listen opens an endpoint, swapped out in tests.
	listen func(ctx context.Context, ap netip.AddrPort, timeout time.Duration) (*Endpoint, error)
}

// New validates cfg, resolves the TURN server and client host, and lays out the sessions.
func New(cfg Config, metrics *Metrics) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	server, err := resolveServer(cfg.TurnHost, cfg.TurnPort)
	if err != nil {
		return nil, err
	}

	host, err := resolveHost(cfg.ClientHost)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:    cfg,
		server: server,
		host:   host,
		stats:  NewStats(metrics),
		listen: ListenEndpoint,
	}
	o.plans = Plans(cfg, host)

	return o, nil
}

func resolveServer(host string, port int) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("could not resolve turn server %s: %w", host, err)
	}

	ap, ok := netipx.FromStdAddr(ua.IP, ua.Port, ua.Zone)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("turn server %s resolved to unusable address %s", host, ua)
	}
	return types.NormaliseAddrPort(ap), nil
}

func resolveHost(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return types.NormaliseAddr(addr), nil
	}

	ia, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("could not resolve client host %s: %w", host, err)
	}

	addr, ok := netipx.FromStdIP(ia.IP)
	if !ok || addr.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("client host %s resolved to unusable address %s", host, ia)
	}
	return types.NormaliseAddr(addr), nil
}

// Server is the resolved TURN server address.
func (o *Orchestrator) Server() netip.AddrPort {
	return o.server
}

// Plans returns the sessions this run will start, in ID order.
func (o *Orchestrator) Plans() []Plan {
	return o.plans
}

// Run starts every session and waits for all of them to report.
//
// Cancelling ctx stops sessions that are running and skips the ones that have not started,
// they are all reported as stopped.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	slog.Info("starting run",
		"sessions", o.cfg.Sessions,
		"messages", o.cfg.Messages,
		"server", o.server,
		"client-host", o.host,
		"start-port", o.cfg.StartPort,
		"end-port", o.cfg.EndPort(),
	)

	start := time.Now()

	var g errgroup.Group
	if o.cfg.MaxParallel > 0 {
		g.SetLimit(o.cfg.MaxParallel)
	}

	for _, p := range o.plans {
		g.Go(func() error {
			o.stats.Record(o.runSession(ctx, p))
			return nil
		})
	}

	_ = g.Wait()

	sum := o.stats.Summary()
	slog.Info("run finished", append([]any{"took", time.Since(start)}, sum.LogAttrs()...)...)

	return NewReport(o.cfg, o.stats)
}

func (o *Orchestrator) runSession(ctx context.Context, p Plan) Result {
	if types.IsContextDone(ctx) {
		r := newResult(p)
		r.Stopped = true
		return r
	}

	client, peer, err := o.open(ctx, p)
	if err != nil {
		slog.Error("could not set up session", "session", p.ID, "err", err)

		r := newResult(p)
		r.SetupErr = err
		r.Stopped = ctx.Err() != nil
		return r
	}

	o.stats.metrics.sessionStarted()
	defer o.stats.metrics.sessionStopped()

	// Plans with ephemeral ports only know their addresses after binding.
	p.Client, p.Peer = client.Addr(), peer.Addr()

	return NewSession(p, o.server, client, peer, SessionOptions{
		Messages: o.cfg.Messages,
		Interval: o.cfg.MessageInterval,
		Payload:  o.cfg.Payload,
	}).Run(ctx)
}

func (o *Orchestrator) open(ctx context.Context, p Plan) (client, peer *Endpoint, err error) {
	client, err = o.listen(ctx, p.Client, o.cfg.ReceiveTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("client endpoint: %w", err)
	}

	peer, err = o.listen(ctx, p.Peer, o.cfg.ReceiveTimeout)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("peer endpoint: %w", err)
	}

	return client, peer, nil
}
