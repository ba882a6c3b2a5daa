package dispatch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/arunj123/gosomeip/internal/fifo"
	"github.com/arunj123/gosomeip/pkg/rpc"
	"github.com/arunj123/gosomeip/pkg/sd"
	"github.com/arunj123/gosomeip/pkg/tp"
	"github.com/arunj123/gosomeip/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFifoWith(b []byte) *fifo.Fifo {
	f := fifo.New(len(b))
	f.Write(b)
	return f
}

func captureReply() (func([]byte), *[][]byte) {
	var frames [][]byte
	return func(b []byte) { frames = append(frames, append([]byte(nil), b...)) }, &frames
}

func TestHandleRequestUnknownServiceRepliesError(t *testing.T) {
	d := New(Options{Metrics: NewMetrics(nil)})
	reply, frames := captureReply()

	h := wire.NewHeader(0x1234, 0x0001, 7, 1, wire.Request, wire.EOk, 1, 0)
	d.handleRequest(h, nil, reply)

	require.Len(t, *frames, 1)
	resp, _, err := wire.DecodeHeader((*frames)[0])
	require.NoError(t, err)
	assert.Equal(t, wire.Error, resp.Type)
	assert.Equal(t, wire.EUnknownService, resp.ReturnCode)
}

func TestHandleRequestNoReturnUnknownServiceSendsNoReply(t *testing.T) {
	d := New(Options{Metrics: NewMetrics(nil)})
	reply, frames := captureReply()

	h := wire.NewHeader(0x1234, 0x0001, 7, 1, wire.RequestNoReturn, wire.EOk, 1, 0)
	d.handleRequest(h, nil, reply)

	assert.Empty(t, *frames)
}

func TestHandleRequestInvokesHandlerAndRepliesWithResponse(t *testing.T) {
	d := New(Options{})
	d.RegisterHandler(0x1234, func(payload []byte) ([]byte, error) {
		sum := payload[0] + payload[1]
		return []byte{sum}, nil
	})
	reply, frames := captureReply()

	h := wire.NewHeader(0x1234, 0x0001, 7, 1, wire.Request, wire.EOk, 1, 2)
	d.handleRequest(h, []byte{2, 3}, reply)

	require.Len(t, *frames, 1)
	resp, payload, err := wire.DecodeHeader((*frames)[0])
	require.NoError(t, err)
	assert.Equal(t, wire.Response, resp.Type)
	assert.Equal(t, wire.EOk, resp.ReturnCode)
	assert.Equal(t, []byte{5}, payload)
}

func TestHandleRequestHandlerErrorRepliesNotOkAndInvokesOnServiceError(t *testing.T) {
	d := New(Options{})
	wantErr := errors.New("boom")
	d.RegisterHandler(0x1234, func(payload []byte) ([]byte, error) { return nil, wantErr })

	var gotService uint16
	var gotErr error
	d.SetOnServiceError(func(serviceID uint16, err error) {
		gotService = serviceID
		gotErr = err
	})
	reply, frames := captureReply()

	h := wire.NewHeader(0x1234, 0x0001, 7, 1, wire.Request, wire.EOk, 1, 0)
	d.handleRequest(h, nil, reply)

	require.Len(t, *frames, 1)
	resp, _, err := wire.DecodeHeader((*frames)[0])
	require.NoError(t, err)
	assert.Equal(t, wire.Error, resp.Type)
	assert.Equal(t, wire.ENotOk, resp.ReturnCode)
	assert.Equal(t, uint16(0x1234), gotService)
	assert.ErrorIs(t, gotErr, wantErr)
}

func TestHandleRequestHandlerPanicRecoveredAndReported(t *testing.T) {
	d := New(Options{})
	d.RegisterHandler(0x1234, func(payload []byte) ([]byte, error) {
		panic("handler exploded")
	})
	var reported bool
	d.SetOnServiceError(func(serviceID uint16, err error) { reported = true })
	reply, frames := captureReply()

	h := wire.NewHeader(0x1234, 0x0001, 7, 1, wire.Request, wire.EOk, 1, 0)
	require.NotPanics(t, func() { d.handleRequest(h, nil, reply) })

	assert.True(t, reported)
	require.Len(t, *frames, 1)
	resp, _, err := wire.DecodeHeader((*frames)[0])
	require.NoError(t, err)
	assert.Equal(t, wire.Error, resp.Type)
}

func TestHandleReplyDeliversToCorrelator(t *testing.T) {
	correlator := rpc.New(nil)
	d := New(Options{Correlator: correlator})
	key := rpc.Key{ServiceID: 0x1234, MethodID: 0x0001, SessionID: 9}
	correlator.Register(key)

	h := wire.NewHeader(0x1234, 0x0001, 7, 9, wire.Response, wire.EOk, 1, 3)
	d.handleReply(h, []byte{9, 9, 9})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := correlator.Wait(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, res.Payload)
	assert.False(t, res.IsError)
}

func TestHandleNotificationDeliveredWhenAcked(t *testing.T) {
	engine := ackedEngine(t, 0x1234, 5)
	d := New(Options{SDEngine: engine, Metrics: NewMetrics(nil)})
	d.RegisterEventgroupMembership(0x1234, 0x8001, 5)

	var got []byte
	d.RegisterEventSink(sd.SubscriptionKey{ServiceID: 0x1234, EventgroupID: 5}, func(payload []byte) {
		got = payload
	})

	h := wire.NewHeader(0x1234, 0x8001, 0, 0, wire.Notification, wire.EOk, 1, 4)
	publisher := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 30500}
	d.handleNotification(h, []byte{1, 2, 3, 4}, publisher)

	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestHandleNotificationDroppedWhenSenderMismatchesAck(t *testing.T) {
	metrics := NewMetrics(nil)
	engine := ackedEngine(t, 0x1234, 5)
	d := New(Options{SDEngine: engine, Metrics: metrics})
	d.RegisterEventgroupMembership(0x1234, 0x8001, 5)

	called := false
	d.RegisterEventSink(sd.SubscriptionKey{ServiceID: 0x1234, EventgroupID: 5}, func(payload []byte) {
		called = true
	})

	h := wire.NewHeader(0x1234, 0x8001, 0, 0, wire.Notification, wire.EOk, 1, 4)
	impostor := &net.UDPAddr{IP: net.ParseIP("10.0.0.66"), Port: 30500}
	d.handleNotification(h, []byte{1, 2, 3, 4}, impostor)

	assert.False(t, called, "notification from an endpoint other than the one that acked must be dropped")
}

func TestHandleNotificationDroppedWhenNotAcked(t *testing.T) {
	engine := sd.NewEngine(sd.Options{})
	d := New(Options{SDEngine: engine, Metrics: NewMetrics(nil)})
	d.RegisterEventgroupMembership(0x1234, 0x8001, 5)

	called := false
	d.RegisterEventSink(sd.SubscriptionKey{ServiceID: 0x1234, EventgroupID: 5}, func(payload []byte) {
		called = true
	})

	h := wire.NewHeader(0x1234, 0x8001, 0, 0, wire.Notification, wire.EOk, 1, 4)
	d.handleNotification(h, []byte{1, 2, 3, 4}, nil)

	assert.False(t, called)
}

func TestHandleNotificationUnknownEventIDIgnored(t *testing.T) {
	engine := sd.NewEngine(sd.Options{})
	d := New(Options{SDEngine: engine, Metrics: NewMetrics(nil)})

	h := wire.NewHeader(0x1234, 0x9999, 0, 0, wire.Notification, wire.EOk, 1, 0)
	require.NotPanics(t, func() { d.handleNotification(h, nil, nil) })
}

func TestHandleTPReassemblesThenRoutesToHandler(t *testing.T) {
	reassembler := tp.NewReassembler(time.Minute, nil)
	d := New(Options{Reassembler: reassembler})

	var received []byte
	d.RegisterHandler(0x1234, func(payload []byte) ([]byte, error) {
		received = payload
		return nil, nil
	})

	part1 := []byte("0123456789ABCDEF") // 16 bytes, offset-aligned
	part2 := []byte("tail")

	h := wire.NewHeader(0x1234, 0x0001, 1, 1, wire.RequestNoReturnTP, wire.EOk, 1, 0)
	seg1Header := wire.EncodeTPHeader(wire.TPHeader{Offset: 0, More: true})
	reply, frames := captureReply()
	d.handleTP(h, append(seg1Header[:], part1...), reply, nil)
	assert.Nil(t, received, "must not dispatch before assembly is complete")

	seg2Header := wire.EncodeTPHeader(wire.TPHeader{Offset: 16, More: false})
	d.handleTP(h, append(seg2Header[:], part2...), reply, nil)

	assert.Equal(t, append(append([]byte{}, part1...), part2...), received)
	assert.Empty(t, *frames, "REQUEST_NO_RETURN must never be answered")
}

func TestSendResponseSegmentsLargePayload(t *testing.T) {
	d := New(Options{})
	d.segmentThreshold = 16

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	h := wire.NewHeader(0x1234, 0x0001, 1, 1, wire.Request, wire.EOk, 1, len(payload))

	var frames [][]byte
	d.sendResponse(h, payload, func(b []byte) { frames = append(frames, append([]byte(nil), b...)) })

	require.True(t, len(frames) > 1)
	var reassembled []byte
	for i, frame := range frames {
		hdr, rest, err := wire.DecodeHeader(frame)
		require.NoError(t, err)
		assert.True(t, hdr.Type.HasTP())
		tpHeader, err := wire.DecodeTPHeader(rest)
		require.NoError(t, err)
		reassembled = append(reassembled, rest[wire.TPHeaderSize:]...)
		if i < len(frames)-1 {
			assert.True(t, tpHeader.More)
		} else {
			assert.False(t, tpHeader.More)
		}
	}
	assert.Equal(t, payload, reassembled)
}

func TestPeekFrameLengthWaitsForFullHeader(t *testing.T) {
	payload := []byte{1, 2, 3}
	h := wire.NewHeader(1, 1, 1, 1, wire.Request, wire.EOk, 1, len(payload))
	frame := wire.EncodeHeader(h, payload)

	partial := newFifoWith(frame[:10])
	_, ok := peekFrameLength(partial)
	assert.False(t, ok)

	full := newFifoWith(frame)
	length, ok := peekFrameLength(full)
	require.True(t, ok)
	assert.Equal(t, len(frame), length)
}

func TestHandleDatagramDiscardsMalformedPacket(t *testing.T) {
	metrics := NewMetrics(nil)
	d := New(Options{Metrics: metrics})
	reply, frames := captureReply()

	d.handleDatagram([]byte{1, 2, 3}, reply, &net.UDPAddr{})

	assert.Empty(t, *frames)
}

func ackedEngine(t *testing.T, serviceID, eventgroupID uint16) *sd.Engine {
	t.Helper()
	engine := sd.NewEngine(sd.Options{})
	subscriber := sd.EndpointAddr{IP: net.ParseIP("10.0.0.5").To4(), Port: 30501, Protocol: wire.ProtoUDP}
	_ = engine.SubscribeEventgroup(serviceID, 1, eventgroupID, 3, subscriber)

	ack := wire.SDEntry{
		Type:             wire.EntrySubscribeEventgroupAck,
		ServiceID:        serviceID,
		InstanceID:       1,
		MajorVersion:     1,
		TTL:              3,
		EventgroupID:     eventgroupID,
		NumFirstOptions:  1,
		IndexFirstOption: 0,
	}
	opts := []wire.SDOption{{Type: wire.OptionIPv4Endpoint, IP: net.ParseIP("10.0.0.9").To4(), Port: 30500, Protocol: wire.ProtoUDP}}
	payload, err := wire.EncodeSDMessage(wire.SDMessage{Entries: []wire.SDEntry{ack}, Options: opts})
	require.NoError(t, err)
	engine.HandleInbound(payload, nil)
	require.True(t, engine.IsSubscriptionAcked(serviceID, eventgroupID))
	return engine
}
