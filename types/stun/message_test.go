package stun

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	pion "github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	relayed4 = netip.MustParseAddrPort("10.0.0.1:5000")
	mapped4  = netip.MustParseAddrPort("192.0.2.1:6000")
	peer6    = netip.MustParseAddrPort("[2001:db8::7]:6001")
)

// xorAs adds a pion XOR address under an arbitrary attribute type.
type xorAs struct {
	t    pion.AttrType
	addr netip.AddrPort
}

func (x xorAs) AddTo(m *pion.Message) error {
	a := pion.XORMappedAddress{IP: net.IP(x.addr.Addr().AsSlice()), Port: int(x.addr.Port())}
	return a.AddToAs(m, x.t)
}

func pionAllocateResponse(t *testing.T) *pion.Message {
	t.Helper()

	m, err := pion.Build(
		pion.TransactionID,
		pion.NewType(pion.MethodAllocate, pion.ClassSuccessResponse),
		xorAs{pion.AttrXORRelayedAddress, relayed4},
		xorAs{pion.AttrXORMappedAddress, mapped4},
		pion.Fingerprint,
	)
	require.NoError(t, err)
	return m
}

func TestDecode_PionAllocateResponse(t *testing.T) {
	pm := pionAllocateResponse(t)

	m, err := Decode(pm.Raw)
	require.NoError(t, err)

	assert.Equal(t, AllocateResponse, m.Type)
	assert.Equal(t, TxID(pm.TransactionID), m.TxID)

	relayed, err := m.XorAddress(AttrXorRelayedAddress)
	assert.NoError(t, err)
	assert.Equal(t, relayed4, relayed)

	mapped, err := m.XorAddress(AttrXorMappedAddress)
	assert.NoError(t, err)
	assert.Equal(t, mapped4, mapped)
}

func TestDecode_ReencodeIsIdentical(t *testing.T) {
	pm := pionAllocateResponse(t)

	m, err := Decode(pm.Raw)
	require.NoError(t, err)

	assert.Equal(t, pm.Raw, m.Encode())

	// And again from our own output
	m2, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Encode(), m2.Encode())
}

func TestEncode_ChannelBindDecodesWithPion(t *testing.T) {
	m := New(ChannelBindRequest)
	m.AddUint32(AttrChannelNumber, 0x40010000)
	require.NoError(t, m.AddXorAddress(AttrXorPeerAddress, peer6))

	pm := &pion.Message{Raw: m.Encode()}
	require.NoError(t, pm.Decode())

	assert.Equal(t, pion.NewType(pion.MethodChannelBind, pion.ClassRequest), pm.Type)
	assert.Equal(t, [12]byte(m.TxID), pm.TransactionID)

	ch, err := pm.Get(pion.AttrChannelNumber)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40010000), binary.BigEndian.Uint32(ch))

	var peer pion.XORMappedAddress
	require.NoError(t, peer.GetFromAs(pm, pion.AttrXORPeerAddress))
	assert.Equal(t, net.IP(peer6.Addr().AsSlice()).String(), peer.IP.String())
	assert.Equal(t, int(peer6.Port()), peer.Port)
}

func TestEncode_AllocateRequest(t *testing.T) {
	m := New(AllocateRequest)
	m.AddUint32(AttrRequestedTransport, TransportUDP)

	b := m.Encode()
	assert.Equal(t, []byte{0x00, 0x03, 0x00, 0x08}, b[:4])
	assert.Equal(t, []byte(magicCookie), b[4:8])
	assert.Equal(t, []byte{0x00, 0x19, 0x00, 0x04, 0x11, 0x00, 0x00, 0x00}, b[headerLen:])
}

func TestXorAddress_RoundTrip(t *testing.T) {
	for _, ap := range []netip.AddrPort{relayed4, mapped4, peer6, netip.MustParseAddrPort("[::ffff:127.0.0.1]:1")} {
		m := New(AllocateResponse)
		require.NoError(t, m.AddXorAddress(AttrXorRelayedAddress, ap))

		d, err := Decode(m.Encode())
		require.NoError(t, err)

		got, err := d.XorAddress(AttrXorRelayedAddress)
		assert.NoError(t, err)
		assert.Equal(t, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), got)
	}
}

func TestXorAddress_Invalid(t *testing.T) {
	m := New(ChannelBindRequest)
	assert.ErrorIs(t, m.AddXorAddress(AttrXorPeerAddress, netip.AddrPort{}), ErrBadFamily)

	m.Add(AttrXorPeerAddress, []byte{0, 0x03, 0, 0, 1, 2, 3, 4})
	_, err := m.XorAddress(AttrXorPeerAddress)
	assert.ErrorIs(t, err, ErrBadFamily)

	_, err = m.XorAddress(AttrXorRelayedAddress)
	assert.ErrorIs(t, err, ErrAttrNotFound)
}

func TestErrorCode(t *testing.T) {
	pm, err := pion.Build(
		pion.TransactionID,
		pion.NewType(pion.MethodAllocate, pion.ClassErrorResponse),
		pion.ErrorCodeAttribute{Code: 486, Reason: []byte("Allocation Quota Reached")},
	)
	require.NoError(t, err)

	m, err := Decode(pm.Raw)
	require.NoError(t, err)
	assert.Equal(t, AllocateErrorResponse, m.Type)

	code, reason, err := m.ErrorCode()
	assert.NoError(t, err)
	assert.Equal(t, 486, code)
	assert.Equal(t, "Allocation Quota Reached", reason)

	own := New(ChannelBindErrorResponse)
	own.AddErrorCode(437, "Allocation Mismatch")
	d, err := Decode(own.Encode())
	require.NoError(t, err)
	code, reason, err = d.ErrorCode()
	assert.NoError(t, err)
	assert.Equal(t, 437, code)
	assert.Equal(t, "Allocation Mismatch", reason)
}

func TestDecode_Malformed(t *testing.T) {
	valid := func() []byte {
		m := New(AllocateResponse)
		m.AddUint32(AttrLifetime, DefaultLifetime)
		return m.Encode()
	}

	withAttr := func(t AttrType, v []byte) []byte {
		m := New(AllocateResponse)
		m.Add(t, v)
		return m.Encode()
	}

	badCookie := valid()
	badCookie[5] ^= 0xff

	badLength := valid()
	badLength[3] = 0x06

	badFingerprint := func() []byte {
		m := New(AllocateResponse)
		m.AddUint32(AttrLifetime, DefaultLifetime)
		m.AddFingerprint()
		b := m.Encode()
		b[len(b)-1] ^= 0x01
		return b
	}()

	afterFingerprint := func() []byte {
		m := New(AllocateResponse)
		m.AddFingerprint()
		m.AddUint32(AttrLifetime, DefaultLifetime)
		return m.Encode()
	}()

	// header claims 4 attribute bytes: one LIFETIME header, no value
	truncatedAttr := append(valid()[:headerLen:headerLen], 0x00, 0x0D, 0x00, 0x04)
	truncatedAttr[3] = 0x04

	for name, b := range map[string][]byte{
		"empty":             {},
		"short header":      valid()[:headerLen-1],
		"truncated body":    valid()[:headerLen+4],
		"truncated attr":    truncatedAttr,
		"bad cookie":        badCookie,
		"odd length":        badLength,
		"unknown required":  withAttr(0x0030, []byte{1, 2, 3, 4}),
		"bad fingerprint":   badFingerprint,
		"after fingerprint": afterFingerprint,
		"channel data":      AppendChannelData(nil, 0x40010000, make([]byte, 32)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecode_SkipsUnknownOptional(t *testing.T) {
	m := New(AllocateResponse)
	m.Add(AttrType(0x8030), []byte{1, 2, 3})
	require.NoError(t, m.AddXorAddress(AttrXorRelayedAddress, relayed4))
	m.AddFingerprint()

	d, err := Decode(m.Encode())
	require.NoError(t, err)

	v, ok := d.Get(AttrType(0x8030))
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, v)

	relayed, err := d.XorAddress(AttrXorRelayedAddress)
	assert.NoError(t, err)
	assert.Equal(t, relayed4, relayed)

	assert.Equal(t, m.Encode(), d.Encode())
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	m := New(ChannelBindResponse)
	b := append(m.Encode(), 0xde, 0xad)

	d, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, ChannelBindResponse, d.Type)
	assert.Equal(t, b[:headerLen], d.Encode())
}
