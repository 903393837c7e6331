package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edup2p/turntest/types/stun"
)

var (
	addr     = flag.String("a", "127.0.0.1:3478", "UDP listen address of the relay, in form \"ip:port\"")
	logLevel = flag.String("log-level", "info", "log level (debug, info)")
	lifetime = flag.Duration("lifetime", stun.DefaultLifetime*time.Second, "how long an allocation lives before the relay drops it")

	dropAllocate   = flag.Bool("drop-allocate", false, "never answer Allocate requests")
	rejectAllocate = flag.Bool("reject-allocate", false, "answer Allocate with an error response")
	bogusAllocate  = flag.Bool("bogus-allocate", false, "answer Allocate with a binding response")
	omitRelayed    = flag.Bool("omit-relayed", false, "leave the relayed address out of Allocate responses")
	dropBind       = flag.Bool("drop-bind", false, "never answer ChannelBind requests")
	rejectBind     = flag.Bool("reject-bind", false, "answer ChannelBind with an error response")
	bogusBind      = flag.Bool("bogus-bind", false, "answer ChannelBind with an allocate response")
	channelSkew    = flag.Uint("channel-skew", 0, "add this to the channel number of frames relayed to clients")
)

func main() {
	flag.Parse()

	programLevel := new(slog.LevelVar) // Info by default
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))
	if *logLevel == "debug" {
		programLevel.Set(slog.LevelDebug)
	}

	ap, err := netip.ParseAddrPort(*addr)
	if err != nil {
		log.Fatalf("could not parse listen address: %v", err)
	}

	if *lifetime <= 0 {
		log.Fatalf("lifetime must be positive: %s", *lifetime)
	}
	if *channelSkew > 0xFFFF {
		log.Fatalf("channel skew out of range 0-65535: %d", *channelSkew)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := stun.NewServer(ctx)
	s.Faults = stun.Faults{
		DropAllocate:      *dropAllocate,
		RejectAllocate:    *rejectAllocate,
		BogusAllocate:     *bogusAllocate,
		OmitRelayedAddr:   *omitRelayed,
		DropChannelBind:   *dropBind,
		RejectChannelBind: *rejectBind,
		BogusChannelBind:  *bogusBind,
		ChannelSkew:       uint16(*channelSkew),
	}
	s.Lifetime = *lifetime

	slog.Info("turn relay: serving", "addr", ap, "faults", s.Faults, "lifetime", s.Lifetime)

	if err := s.ListenAndServe(ap); err != nil {
		slog.Error("turn relay stopped", "err", err)
		os.Exit(1)
	}
}
