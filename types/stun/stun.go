// Package stun contains the STUN/TURN wire codec used by the harness, the channel-data
// framing, and a small loopback TURN relay for local runs and tests.
package stun

import "fmt"

// MessageType is the 16-bit STUN message type (method and class combined).
type MessageType uint16

const (
	BindingRequest  MessageType = 0x0001
	BindingResponse MessageType = 0x0101

	// RFC5766 Section 13
	AllocateRequest       MessageType = 0x0003
	AllocateResponse      MessageType = 0x0103
	AllocateErrorResponse MessageType = 0x0113

	ChannelBindRequest       MessageType = 0x0009
	ChannelBindResponse      MessageType = 0x0109
	ChannelBindErrorResponse MessageType = 0x0119
)

func (t MessageType) String() string {
	switch t {
	case BindingRequest:
		return "binding-request"
	case BindingResponse:
		return "binding-response"
	case AllocateRequest:
		return "allocate-request"
	case AllocateResponse:
		return "allocate-response"
	case AllocateErrorResponse:
		return "allocate-error-response"
	case ChannelBindRequest:
		return "channel-bind-request"
	case ChannelBindResponse:
		return "channel-bind-response"
	case ChannelBindErrorResponse:
		return "channel-bind-error-response"
	default:
		return fmt.Sprintf("type(%#04x)", uint16(t))
	}
}

// AttrType is the 16-bit STUN attribute type.
type AttrType uint16

const (
	AttrMappedAddress      AttrType = 0x0001
	AttrUsername           AttrType = 0x0006
	AttrMessageIntegrity   AttrType = 0x0008
	AttrErrorCode          AttrType = 0x0009
	AttrUnknownAttributes  AttrType = 0x000A
	AttrChannelNumber      AttrType = 0x000C
	AttrLifetime           AttrType = 0x000D
	AttrXorPeerAddress     AttrType = 0x0012
	AttrData               AttrType = 0x0013
	AttrRealm              AttrType = 0x0014
	AttrNonce              AttrType = 0x0015
	AttrXorRelayedAddress  AttrType = 0x0016
	AttrRequestedFamily    AttrType = 0x0017
	AttrEvenPort           AttrType = 0x0018
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment       AttrType = 0x001A
	AttrMessageIntegrity2  AttrType = 0x001C
	AttrPasswordAlgorithm  AttrType = 0x001D
	AttrUserhash           AttrType = 0x001E
	AttrXorMappedAddress   AttrType = 0x0020
	AttrReservationToken   AttrType = 0x0022

	AttrSoftware    AttrType = 0x8022
	AttrFingerprint AttrType = 0x8028
)

// Required reports whether the attribute lies in the comprehension-required range.
func (t AttrType) Required() bool {
	return t < 0x8000
}

// knownRequired lists the comprehension-required attributes this codec understands,
// or at least knows how to step over. Anything else below 0x8000 makes a message malformed.
var knownRequired = map[AttrType]bool{
	AttrMappedAddress:      true,
	AttrUsername:           true,
	AttrMessageIntegrity:   true,
	AttrErrorCode:          true,
	AttrUnknownAttributes:  true,
	AttrChannelNumber:      true,
	AttrLifetime:           true,
	AttrXorPeerAddress:     true,
	AttrData:               true,
	AttrRealm:              true,
	AttrNonce:              true,
	AttrXorRelayedAddress:  true,
	AttrRequestedFamily:    true,
	AttrEvenPort:           true,
	AttrRequestedTransport: true,
	AttrDontFragment:       true,
	AttrMessageIntegrity2:  true,
	AttrPasswordAlgorithm:  true,
	AttrUserhash:           true,
	AttrXorMappedAddress:   true,
	AttrReservationToken:   true,
}

const (
	headerLen = 20

	// STUN magic cookie as defined by RFC 5389:
	// "The magic cookie field MUST contain the fixed value 0x2112A442 in network byte order."
	magicCookie = "\x21\x12\xa4\x42"

	fingerprintXor = 0x5354554e

	// TransportUDP is the REQUESTED-TRANSPORT value for UDP: protocol 17 followed by RFFU bytes.
	TransportUDP uint32 = 0x11000000

	DefaultPort = 3478
)

// Is reports whether b is a STUN message.
func Is(b []byte) bool {
	return len(b) >= headerLen &&
		b[0]&0b11000000 == 0 && // top two bits must be zero
		string(b[4:8]) == magicCookie
}
