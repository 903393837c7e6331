package stun

import (
	"encoding/binary"
	"fmt"
)

// ChannelDataFlag marks the first 16 bits of a channel-data frame, RFC5766 Section 11.4.
const ChannelDataFlag = 0x4000

// AppendChannelData appends an outbound channel-data frame: one big-endian uint32 holding
// channel|len(payload), then the payload.
//
// channel is the full 32-bit channel value (number in the top 16 bits), the same value the
// CHANNEL-NUMBER attribute carries, so the length lands in the low 16 bits.
func AppendChannelData(b []byte, channel uint32, payload []byte) []byte {
	b = appendU32(b, channel|uint32(len(payload)))
	return append(b, payload...)
}

// ParseChannelData extracts the payload of an inbound channel-data frame meant for channel.
//
// Only the first two bytes are significant: if bit 0x4000 is set, they are shifted up by
// 16 bits and compared against channel, and the payload starts at offset 4. The length
// field is never consulted; everything after the header is payload.
func ParseChannelData(b []byte, channel uint32) ([]byte, error) {
	if len(b) < 2 {
		return nil, ErrShortChannelData
	}

	v := binary.BigEndian.Uint16(b[:2])
	if v&ChannelDataFlag == 0 {
		return nil, ErrNotChannelData
	}

	if got := uint32(v) << 16; got != channel {
		return nil, fmt.Errorf("%w: got %#08x, want %#08x", ErrWrongChannel, got, channel)
	}

	if len(b) < 4 {
		return nil, ErrShortChannelData
	}
	return b[4:], nil
}

// splitChannelData reads a channel-data frame the way a relay does: 16-bit channel number,
// 16-bit length, payload. Trailing bytes past the length are dropped.
func splitChannelData(b []byte) (num uint16, payload []byte, err error) {
	if len(b) < 4 {
		return 0, nil, ErrShortChannelData
	}
	num = binary.BigEndian.Uint16(b[0:2])
	if num&0xC000 != ChannelDataFlag {
		return 0, nil, ErrNotChannelData
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if 4+n > len(b) {
		return 0, nil, ErrShortChannelData
	}
	return num, b[4 : 4+n], nil
}

func appendRelayChannelData(b []byte, num uint16, payload []byte) []byte {
	b = appendU16(b, num)
	b = appendU16(b, uint16(len(payload)))
	return append(b, payload...)
}
