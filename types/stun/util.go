package stun

import (
	"encoding/binary"
	"hash/crc32"
	"net"
)

// foreachAttr walks the attribute section b. off is the offset of each attribute header
// relative to the start of b.
func foreachAttr(b []byte, fn func(off int, attrType AttrType, a []byte) error) error {
	off := 0
	for len(b) > 0 {
		if len(b) < 4 {
			return ErrMalformedAttrs
		}
		attrType := AttrType(binary.BigEndian.Uint16(b[:2]))
		attrLen := int(binary.BigEndian.Uint16(b[2:4]))
		attrLenWithPad := (attrLen + 3) &^ 3
		b = b[4:]
		if attrLenWithPad > len(b) {
			return ErrMalformedAttrs
		}
		if err := fn(off, attrType, b[:attrLen]); err != nil {
			return err
		}
		b = b[attrLenWithPad:]
		off += 4 + attrLenWithPad
	}
	return nil
}

func fingerPrint(b []byte) uint32 { return crc32.ChecksumIEEE(b) ^ fingerprintXor }

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendPadding(b []byte, n int) []byte {
	for ; n%4 != 0; n++ {
		b = append(b, 0)
	}
	return b
}

func familyAddrLen(fam byte) int {
	switch fam {
	case 0x01: // IPv4
		return net.IPv4len
	case 0x02: // IPv6
		return net.IPv6len
	default:
		return 0
	}
}
