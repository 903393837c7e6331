// Command turn_probe sends one Allocate to a TURN server and prints what came back.
package main

import (
	"log"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/edup2p/turntest/types"
	"github.com/edup2p/turntest/types/stun"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <address[:port]>", os.Args[0])
	}

	ap, err := netip.ParseAddrPort(os.Args[1])
	if err != nil {
		a, aerr := netip.ParseAddr(os.Args[1])
		if aerr != nil {
			log.Fatal(err)
		}
		ap = netip.AddrPortFrom(a, stun.DefaultPort)
	}

	c, err := net.ListenUDP("udp", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	req := stun.New(stun.AllocateRequest)
	req.AddUint32(stun.AttrRequestedTransport, stun.TransportUDP)

	if _, err = c.WriteToUDPAddrPort(req.Encode(), ap); err != nil {
		log.Fatal(err)
	}

	if err = c.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		log.Fatal(err)
	}

	var buf [1500]byte
	n, raddr, err := c.ReadFromUDPAddrPort(buf[:])
	if err != nil {
		log.Fatal(err)
	}

	res, err := stun.Decode(buf[:n])
	if err != nil {
		log.Fatal(err)
	}
	if res.TxID != req.TxID {
		log.Fatalf("txid mismatch: got %x, want %x", res.TxID, req.TxID)
	}

	log.Printf("local   : %v", c.LocalAddr())
	log.Printf("sent  ->  %v", ap)
	log.Printf("recv  <-  %v", types.NormaliseAddrPort(raddr))
	log.Printf("type    : %v", res.Type)

	switch res.Type {
	case stun.AllocateResponse:
		if relayed, err := res.XorAddress(stun.AttrXorRelayedAddress); err == nil {
			log.Printf("relayed : %v", relayed)
		}
		if mapped, err := res.XorAddress(stun.AttrXorMappedAddress); err == nil {
			log.Printf("mapped  : %v", mapped)
		}
		if lifetime, err := res.Uint32(stun.AttrLifetime); err == nil {
			log.Printf("lifetime: %ds", lifetime)
		}
	case stun.AllocateErrorResponse:
		code, reason, err := res.ErrorCode()
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("error   : %d %s", code, reason)
	}
}
