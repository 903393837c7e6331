package stun

import (
	"encoding/binary"
	"net/netip"
)

// xorMask returns the 16 byte mask an address is XORed with: the magic cookie followed by the transaction ID.
func xorMask(tID TxID) (mask [16]byte) {
	copy(mask[:4], magicCookie)
	copy(mask[4:], tID[:])
	return mask
}

// appendXorAddress appends the value of an XOR-*-ADDRESS attribute, RFC5389 Section 15.2.
func appendXorAddress(b []byte, tID TxID, addrPort netip.AddrPort) ([]byte, error) {
	addr := addrPort.Addr().Unmap()

	var fam byte
	switch {
	case addr.Is4():
		fam = 0x01
	case addr.Is6():
		fam = 0x02
	default:
		return b, ErrBadFamily
	}

	b = append(b,
		0, // unused byte
		fam)
	b = appendU16(b, addrPort.Port()^0x2112) // first half of magicCookie

	mask := xorMask(tID)
	ipa := addr.AsSlice()
	for i, o := range ipa {
		b = append(b, o^mask[i])
	}
	return b, nil
}

func xorAddress(tID TxID, b []byte) (netip.AddrPort, error) {
	if len(b) < 4 {
		return netip.AddrPort{}, ErrMalformedAttrs
	}
	port := binary.BigEndian.Uint16(b[2:4]) ^ 0x2112

	addrLen := familyAddrLen(b[1])
	if addrLen == 0 {
		return netip.AddrPort{}, ErrBadFamily
	}
	addrField := b[4:]
	if len(addrField) < addrLen {
		return netip.AddrPort{}, ErrMalformedAttrs
	}

	mask := xorMask(tID)
	raw := make([]byte, addrLen)
	for i := range raw {
		raw[i] = addrField[i] ^ mask[i]
	}

	ip, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.AddrPort{}, ErrMalformedAttrs
	}
	return netip.AddrPortFrom(ip.Unmap(), port), nil
}
