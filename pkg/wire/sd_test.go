package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSDOptionIPv4RoundTrip(t *testing.T) {
	opt := SDOption{Type: OptionIPv4Endpoint, IP: net.IPv4(192, 168, 1, 10), Protocol: ProtoUDP, Port: 30501}
	enc, err := encodeSDOption(opt)
	require.NoError(t, err)
	assert.Equal(t, 12, len(enc)) // nominal wire size for IPv4 option
	got, consumed, err := decodeSDOption(enc)
	require.NoError(t, err)
	assert.Equal(t, 12, consumed)
	assert.True(t, got.IP.Equal(opt.IP))
	assert.Equal(t, opt.Port, got.Port)
	assert.Equal(t, opt.Protocol, got.Protocol)
	assert.False(t, got.Multicast)
}

func TestSDOptionIPv6RoundTrip(t *testing.T) {
	ip := net.ParseIP("fe80::1")
	opt := SDOption{Type: OptionIPv6Endpoint, IP: ip, Protocol: ProtoTCP, Port: 30501}
	enc, err := encodeSDOption(opt)
	require.NoError(t, err)
	assert.Equal(t, 24, len(enc)) // nominal wire size for IPv6 option
	got, consumed, err := decodeSDOption(enc)
	require.NoError(t, err)
	assert.Equal(t, 24, consumed)
	assert.True(t, got.IP.Equal(opt.IP))
	assert.Equal(t, opt.Port, got.Port)
}

func TestSDEntryRoundTrip(t *testing.T) {
	e := SDEntry{
		Type:             EntryOfferService,
		IndexFirstOption: 0,
		NumFirstOptions:  1,
		ServiceID:        0x1001,
		InstanceID:       0x0001,
		MajorVersion:     1,
		TTL:              3,
		MinorVersion:     0,
	}
	enc := encodeSDEntry(e)
	got, err := decodeSDEntry(enc[:])
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestSDEventgroupEntryRoundTrip(t *testing.T) {
	e := SDEntry{
		Type:             EntrySubscribeEventgroup,
		IndexFirstOption: 0,
		NumFirstOptions:  1,
		ServiceID:        0x1001,
		InstanceID:       0x0001,
		MajorVersion:     1,
		TTL:              5,
		EventgroupID:     0x0001,
	}
	enc := encodeSDEntry(e)
	got, err := decodeSDEntry(enc[:])
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.False(t, got.IsServiceEntry())
}

func TestSDMessageRoundTrip(t *testing.T) {
	msg := SDMessage{
		Reboot: true,
		Entries: []SDEntry{
			{Type: EntryOfferService, NumFirstOptions: 1, ServiceID: 0x1001, InstanceID: 1, MajorVersion: 1, TTL: 3},
		},
		Options: []SDOption{
			{Type: OptionIPv4Endpoint, IP: net.IPv4(10, 0, 0, 1), Protocol: ProtoUDP, Port: 30501},
		},
	}
	buf, err := EncodeSDMessage(msg)
	require.NoError(t, err)
	got, err := DecodeSDMessage(buf)
	require.NoError(t, err)
	require.Len(t, got.Entries, 1)
	require.Len(t, got.Options, 1)
	assert.True(t, got.Reboot)
	assert.Equal(t, msg.Entries[0].ServiceID, got.Entries[0].ServiceID)
	assert.True(t, got.Options[0].IP.Equal(msg.Options[0].IP))
}

func TestResolveOptions(t *testing.T) {
	opts := []SDOption{
		{Type: OptionIPv4Endpoint, IP: net.IPv4(1, 1, 1, 1), Port: 1},
		{Type: OptionIPv4MulticastEndpoint, IP: net.IPv4(2, 2, 2, 2), Port: 2},
	}
	e := SDEntry{IndexFirstOption: 0, NumFirstOptions: 1, IndexSecondOption: 1, NumSecondOptions: 1}
	resolved := ResolveOptions(opts, e)
	require.Len(t, resolved, 2)
	assert.True(t, resolved[0].IP.Equal(opts[0].IP))
	assert.True(t, resolved[1].IP.Equal(opts[1].IP))
}

func TestDecodeSDMessageUnknownOptionSkipped(t *testing.T) {
	// An unknown option type (0xFF) with length 2 must be skipped, not rejected.
	buf := []byte{
		0x00, 0x00, 0x00, 0x00, // flags + reserved
		0x00, 0x00, 0x00, 0x00, // entries length = 0
		0x00, 0x00, 0x00, 0x05, // options length = 5
		0x00, 0x02, 0xFF, 0xAA, 0xBB, // length=2, type=0xFF, 2 bytes body
	}
	msg, err := DecodeSDMessage(buf)
	require.NoError(t, err)
	require.Len(t, msg.Options, 1)
	assert.Equal(t, SDOptionType(0), msg.Options[0].Type)
}
