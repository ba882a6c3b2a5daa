package sd

import (
	"net"
	"testing"
	"time"

	"github.com/arunj123/gosomeip/pkg/session"
	"github.com/arunj123/gosomeip/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	frames [][]byte
}

func (c *captureSender) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	cp := append([]byte{}, b...)
	c.frames = append(c.frames, cp)
	return len(b), nil
}

func newTestEngine(sender Sender) *Engine {
	return NewEngine(Options{
		Sessions: session.NewManager(),
		ClientID: 0x1111,
		Cycle:    time.Hour, // disable automatic ticking in tests
		V4Sender: sender,
		V4Group:  &net.UDPAddr{IP: net.ParseIP("224.224.224.245"), Port: 30490},
	})
}

func TestOfferServiceEmitsOnDemand(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(sender)
	e.OfferService(OfferedService{
		ServiceID:    0x1234,
		InstanceID:   1,
		MajorVersion: 1,
		Endpoint:     EndpointAddr{IP: net.ParseIP("10.0.0.5"), Port: 30501, Protocol: wire.ProtoUDP},
	})
	e.emitOffers()
	require.Len(t, sender.frames, 1)

	h, payload, err := wire.DecodeHeader(sender.frames[0])
	require.NoError(t, err)
	assert.Equal(t, wire.SDServiceID, h.ServiceID)
	assert.Equal(t, wire.SDMethodID, h.MethodID)

	msg, err := wire.DecodeSDMessage(payload)
	require.NoError(t, err)
	require.Len(t, msg.Entries, 1)
	assert.Equal(t, wire.EntryOfferService, msg.Entries[0].Type)
	assert.Equal(t, uint32(wire.TTLNoExpire), msg.Entries[0].TTL)
}

func TestStopOfferSendsTTLZero(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(sender)
	e.OfferService(OfferedService{
		ServiceID: 1, InstanceID: 1, MajorVersion: 1,
		Endpoint: EndpointAddr{IP: net.ParseIP("10.0.0.5"), Port: 1, Protocol: wire.ProtoUDP},
	})
	err := e.StopOffer(1, 1, 1)
	require.NoError(t, err)
	require.Len(t, sender.frames, 1)
	_, payload, err := wire.DecodeHeader(sender.frames[0])
	require.NoError(t, err)
	msg, err := wire.DecodeSDMessage(payload)
	require.NoError(t, err)
	assert.True(t, msg.Entries[0].IsStop())
}

func TestHandleOfferPopulatesRemoteServiceTable(t *testing.T) {
	e := newTestEngine(&captureSender{})
	entry := wire.SDEntry{
		Type: wire.EntryOfferService, ServiceID: 0x2000, InstanceID: 1, MajorVersion: 1,
		TTL: 5, NumFirstOptions: 1, IndexFirstOption: 0,
	}
	opt := wire.SDOption{Type: wire.OptionIPv4Endpoint, IP: net.ParseIP("192.168.1.9"), Port: 30501, Protocol: wire.ProtoUDP}
	msg := wire.SDMessage{Entries: []wire.SDEntry{entry}, Options: []wire.SDOption{opt}}
	payload, err := wire.EncodeSDMessage(msg)
	require.NoError(t, err)

	e.HandleInbound(payload, &net.UDPAddr{IP: net.ParseIP("192.168.1.9"), Port: 30490})

	ep, err := e.Resolve(0x2000, 1)
	require.NoError(t, err)
	assert.True(t, ep.IP.Equal(net.ParseIP("192.168.1.9")))
	assert.Equal(t, uint16(30501), ep.Port)
}

func TestHandleStopOfferRemovesEntry(t *testing.T) {
	e := newTestEngine(&captureSender{})
	offer := wire.SDMessage{Entries: []wire.SDEntry{{
		Type: wire.EntryOfferService, ServiceID: 7, InstanceID: 1, MajorVersion: 1,
		TTL: 5, NumFirstOptions: 1,
	}}, Options: []wire.SDOption{{Type: wire.OptionIPv4Endpoint, IP: net.ParseIP("1.2.3.4"), Port: 1, Protocol: wire.ProtoUDP}}}
	payload, _ := wire.EncodeSDMessage(offer)
	e.HandleInbound(payload, nil)
	_, err := e.Resolve(7, 1)
	require.NoError(t, err)

	stop := wire.SDMessage{Entries: []wire.SDEntry{{Type: wire.EntryOfferService, ServiceID: 7, InstanceID: 1, MajorVersion: 1, TTL: 0}}}
	stopPayload, _ := wire.EncodeSDMessage(stop)
	e.HandleInbound(stopPayload, nil)
	_, err = e.Resolve(7, 1)
	assert.ErrorIs(t, err, ErrNotReachable)
}

func TestSweepExpiresTTLEntries(t *testing.T) {
	e := newTestEngine(&captureSender{})
	e.mu.Lock()
	e.remote[RemoteServiceKey{ServiceID: 9, MajorVersion: 1}] = &RemoteService{
		Endpoint:  EndpointAddr{IP: net.ParseIP("1.1.1.1"), Port: 1},
		ExpiresAt: time.Now().Add(-time.Second),
	}
	e.mu.Unlock()

	e.Sweep(time.Now())
	_, err := e.Resolve(9, 1)
	assert.ErrorIs(t, err, ErrNotReachable)
}

func TestSweepDoesNotExpireNoExpireEntries(t *testing.T) {
	e := newTestEngine(&captureSender{})
	e.mu.Lock()
	e.remote[RemoteServiceKey{ServiceID: 9, MajorVersion: 1}] = &RemoteService{
		Endpoint: EndpointAddr{IP: net.ParseIP("1.1.1.1"), Port: 1},
		NoExpire: true,
	}
	e.mu.Unlock()

	e.Sweep(time.Now())
	_, err := e.Resolve(9, 1)
	assert.NoError(t, err)
}

func TestSubscribeAckMarksAcked(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(sender)
	err := e.SubscribeEventgroup(0x3000, 1, 5, 10, EndpointAddr{IP: net.ParseIP("10.0.0.1"), Port: 30501, Protocol: wire.ProtoUDP})
	require.NoError(t, err)
	assert.False(t, e.IsSubscriptionAcked(0x3000, 5))

	ack := wire.SDMessage{Entries: []wire.SDEntry{{
		Type: wire.EntrySubscribeEventgroupAck, ServiceID: 0x3000, InstanceID: 1, MajorVersion: 1,
		TTL: 10, EventgroupID: 5,
	}}}
	payload, _ := wire.EncodeSDMessage(ack)
	e.HandleInbound(payload, nil)
	assert.True(t, e.IsSubscriptionAcked(0x3000, 5))
}

func TestSubscribeAckWithZeroTTLRejects(t *testing.T) {
	e := newTestEngine(&captureSender{})
	require.NoError(t, e.SubscribeEventgroup(1, 1, 2, 10, EndpointAddr{IP: net.ParseIP("10.0.0.1"), Port: 1, Protocol: wire.ProtoUDP}))

	ack := wire.SDMessage{Entries: []wire.SDEntry{{
		Type: wire.EntrySubscribeEventgroupAck, ServiceID: 1, InstanceID: 1, MajorVersion: 1, TTL: 0, EventgroupID: 2,
	}}}
	payload, _ := wire.EncodeSDMessage(ack)
	e.HandleInbound(payload, nil)
	assert.False(t, e.IsSubscriptionAcked(1, 2))
}

func TestPublisherAcksSubscribeForOfferedService(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(sender)
	e.OfferService(OfferedService{
		ServiceID: 0x4000, InstanceID: 1, MajorVersion: 1,
		Endpoint:    EndpointAddr{IP: net.ParseIP("10.0.0.1"), Port: 30501, Protocol: wire.ProtoUDP},
		Eventgroups: []uint16{1},
	})

	sub := wire.SDMessage{Entries: []wire.SDEntry{{
		Type: wire.EntrySubscribeEventgroup, ServiceID: 0x4000, InstanceID: 1, MajorVersion: 1,
		TTL: 10, EventgroupID: 1, NumFirstOptions: 1,
	}}, Options: []wire.SDOption{{Type: wire.OptionIPv4Endpoint, IP: net.ParseIP("10.0.0.9"), Port: 40000, Protocol: wire.ProtoUDP}}}
	payload, _ := wire.EncodeSDMessage(sub)
	e.HandleInbound(payload, nil)

	require.Len(t, sender.frames, 1)
	_, ackPayload, err := wire.DecodeHeader(sender.frames[0])
	require.NoError(t, err)
	ackMsg, err := wire.DecodeSDMessage(ackPayload)
	require.NoError(t, err)
	require.Len(t, ackMsg.Entries, 1)
	assert.Equal(t, wire.EntrySubscribeEventgroupAck, ackMsg.Entries[0].Type)
}

func TestHandleMalformedSDPacketIsDiscarded(t *testing.T) {
	e := newTestEngine(&captureSender{})
	e.HandleInbound([]byte{0x00, 0x01}, nil)
	assert.Empty(t, e.RemoteServices())
}
