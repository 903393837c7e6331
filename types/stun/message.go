package stun

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// TxID is a transaction ID.
type TxID [12]byte

// NewTxID returns a new random TxID.
func NewTxID() TxID {
	var tx TxID
	if _, err := crand.Read(tx[:]); err != nil {
		// We expect the randomizer to be available here
		panic(err)
	}
	return tx
}

// Attr is a single raw attribute, value without padding.
type Attr struct {
	Type  AttrType
	Value []byte
}

// Message is a STUN message: a header followed by an ordered list of attributes.
//
// Requests are built with New and the Add* methods, responses come out of Decode.
// Attributes keep their wire order, so encoding a decoded message yields the same bytes.
type Message struct {
	Type  MessageType
	TxID  TxID
	Attrs []Attr
}

// New returns a message of the given type with a fresh transaction ID.
func New(typ MessageType) *Message {
	return &Message{Type: typ, TxID: NewTxID()}
}

// NewResponse returns a message of the given type that answers req.
func NewResponse(typ MessageType, req *Message) *Message {
	return &Message{Type: typ, TxID: req.TxID}
}

func (m *Message) Add(t AttrType, v []byte) {
	m.Attrs = append(m.Attrs, Attr{Type: t, Value: v})
}

func (m *Message) AddUint32(t AttrType, v uint32) {
	m.Add(t, appendU32(nil, v))
}

// AddXorAddress adds an XOR-obfuscated address, masked with this message's transaction ID.
func (m *Message) AddXorAddress(t AttrType, ap netip.AddrPort) error {
	v, err := appendXorAddress(nil, m.TxID, ap)
	if err != nil {
		return err
	}
	m.Add(t, v)
	return nil
}

// AddErrorCode adds an ERROR-CODE attribute, RFC5389 Section 15.6.
func (m *Message) AddErrorCode(code int, reason string) {
	v := []byte{0, 0, byte(code / 100 & 0x07), byte(code % 100)}
	m.Add(AttrErrorCode, append(v, reason...))
}

// Get returns the value of the first attribute of type t.
func (m *Message) Get(t AttrType) ([]byte, bool) {
	for _, a := range m.Attrs {
		if a.Type == t {
			return a.Value, true
		}
	}
	return nil, false
}

func (m *Message) Uint32(t AttrType) (uint32, error) {
	v, ok := m.Get(t)
	if !ok {
		return 0, fmt.Errorf("%w: %#04x", ErrAttrNotFound, uint16(t))
	}
	if len(v) != 4 {
		return 0, ErrMalformedAttrs
	}
	return binary.BigEndian.Uint32(v), nil
}

func (m *Message) XorAddress(t AttrType) (netip.AddrPort, error) {
	v, ok := m.Get(t)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %#04x", ErrAttrNotFound, uint16(t))
	}
	return xorAddress(m.TxID, v)
}

// ErrorCode returns the numeric code and reason phrase of an ERROR-CODE attribute.
func (m *Message) ErrorCode() (int, string, error) {
	v, ok := m.Get(AttrErrorCode)
	if !ok {
		return 0, "", ErrAttrNotFound
	}
	if len(v) < 4 {
		return 0, "", ErrMalformedAttrs
	}
	return int(v[2]&0x07)*100 + int(v[3]), string(v[4:]), nil
}

// Encode serialises the message. Attribute values are zero-padded to a 4 byte boundary.
func (m *Message) Encode() []byte {
	attrsLen := 0
	for _, a := range m.Attrs {
		attrsLen += 4 + (len(a.Value)+3)&^3
	}

	b := make([]byte, 0, headerLen+attrsLen)

	// STUN header, RFC5389 Section 6.
	b = appendU16(b, uint16(m.Type))
	b = appendU16(b, uint16(attrsLen)) // number of bytes following header
	b = append(b, magicCookie...)
	b = append(b, m.TxID[:]...)

	for _, a := range m.Attrs {
		b = appendU16(b, uint16(a.Type))
		b = appendU16(b, uint16(len(a.Value)))
		b = append(b, a.Value...)
		b = appendPadding(b, len(a.Value))
	}

	return b
}

// Decode parses a STUN message. Every failure wraps ErrMalformedMessage.
//
// Bytes past the length declared in the header are ignored. Unknown comprehension-optional
// attributes are kept as raw values; unknown comprehension-required attributes are rejected.
// A FINGERPRINT attribute, if present, must be last and must match.
func Decode(b []byte) (*Message, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d byte packet is shorter than a header", ErrMalformedMessage, len(b))
	}
	if !Is(b) {
		return nil, fmt.Errorf("%w: bad leading bits or magic cookie", ErrMalformedMessage)
	}

	attrsLen := int(binary.BigEndian.Uint16(b[2:4]))
	if attrsLen%4 != 0 {
		return nil, fmt.Errorf("%w: length %d not a multiple of 4", ErrMalformedMessage, attrsLen)
	}
	if headerLen+attrsLen > len(b) {
		return nil, fmt.Errorf("%w: truncated, header claims %d attribute bytes, got %d", ErrMalformedMessage, attrsLen, len(b)-headerLen)
	}
	b = b[:headerLen+attrsLen] // trim trailing packet bytes

	m := &Message{Type: MessageType(binary.BigEndian.Uint16(b[0:2]))}
	copy(m.TxID[:], b[8:headerLen])

	var sawFingerprint bool
	if err := foreachAttr(b[headerLen:], func(off int, attrType AttrType, a []byte) error {
		if sawFingerprint {
			return fmt.Errorf("%w: attribute %#04x after fingerprint", ErrMalformedAttrs, uint16(attrType))
		}
		if attrType.Required() && !knownRequired[attrType] {
			return fmt.Errorf("%w: %#04x", ErrUnknownRequired, uint16(attrType))
		}
		if attrType == AttrFingerprint {
			sawFingerprint = true
			if len(a) != 4 || binary.BigEndian.Uint32(a) != fingerPrint(b[:headerLen+off]) {
				return ErrWrongFingerprint
			}
		}
		m.Attrs = append(m.Attrs, Attr{Type: attrType, Value: bytes.Clone(a)})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return m, nil
}

// AddFingerprint appends a FINGERPRINT attribute computed over the message as encoded so far.
func (m *Message) AddFingerprint() {
	m.Add(AttrFingerprint, make([]byte, 4))
	b := m.Encode()
	fp := fingerPrint(b[:len(b)-8]) // 2-byte header + 2-byte length + 4-byte crc32
	binary.BigEndian.PutUint32(m.Attrs[len(m.Attrs)-1].Value, fp)
}
