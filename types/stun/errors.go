package stun

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed STUN message")
	ErrMalformedAttrs   = errors.New("STUN message has malformed attributes")
	ErrUnknownRequired  = errors.New("STUN message has unknown comprehension-required attribute")
	ErrWrongFingerprint = errors.New("STUN message had bogus fingerprint")
	ErrAttrNotFound     = errors.New("STUN attribute not found")
	ErrBadFamily        = errors.New("STUN address has unknown family")

	ErrNotChannelData   = errors.New("packet is not channel data")
	ErrShortChannelData = errors.New("channel data shorter than its header")
	ErrWrongChannel     = errors.New("channel data for another channel")
)
