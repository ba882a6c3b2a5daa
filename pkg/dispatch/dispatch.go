// Package dispatch implements the dispatcher/event loop: it owns every
// bound socket and routes inbound traffic to the Service Discovery
// engine, the request/response correlator, local service handlers, the
// TP reassembler, or subscriber event sinks. Shaped like
// pkg/node.NodeProcessor, which runs several ticker-driven loops (one
// per concern: background SYNC/PDO processing, main NMT processing,
// one per server) under a single context.CancelFunc and
// sync.WaitGroup. This package keeps that one-goroutine-per-concern
// shape but drives each loop off blocking socket reads bounded by a
// short read deadline (the dispatcher's poll interval) instead of a
// fixed timer, since each loop here waits on I/O, not a clock.
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arunj123/gosomeip/internal/fifo"
	"github.com/arunj123/gosomeip/pkg/rpc"
	"github.com/arunj123/gosomeip/pkg/sd"
	"github.com/arunj123/gosomeip/pkg/tp"
	"github.com/arunj123/gosomeip/pkg/transport"
	"github.com/arunj123/gosomeip/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// DefaultPollInterval bounds how long a socket read blocks before the
// loop re-checks its context and periodic duties (§4.7: "≈100 ms").
const DefaultPollInterval = 100 * time.Millisecond

// Handler answers a REQUEST/REQUEST_NO_RETURN for a locally offered
// service. A non-nil response is echoed back as a RESPONSE unless the
// inbound message was REQUEST_NO_RETURN.
type Handler func(payload []byte) ([]byte, error)

// EventSink receives the payload of an acked, matching NOTIFICATION.
type EventSink func(payload []byte)

// ErrorHandler is invoked when a local Handler panics or returns an
// error, mirroring pkg/node.NodeProcessor.AddResetHandler's role:
// giving host code a chance to log or recover without taking the
// dispatch loop down.
type ErrorHandler func(serviceID uint16, err error)

// Metrics holds the prometheus counters for per-packet failure classes
// §7 requires to be "logged and counted".
type Metrics struct {
	MalformedPackets prometheus.Counter
	UnknownService   prometheus.Counter
	DroppedNotify    prometheus.Counter
}

// NewMetrics registers a Metrics set under the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "someip_dispatch_malformed_packets_total",
			Help: "Inbound packets discarded for failing header/TP decode.",
		}),
		UnknownService: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "someip_dispatch_unknown_service_total",
			Help: "Requests answered with UNKNOWN_SERVICE because no local handler matched.",
		}),
		DroppedNotify: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "someip_dispatch_dropped_notifications_total",
			Help: "Notifications dropped: no matching acked subscription or sender mismatch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MalformedPackets, m.UnknownService, m.DroppedNotify)
	}
	return m
}

// Options configures a new Dispatcher.
type Options struct {
	Logger           *slog.Logger
	Correlator       *rpc.Correlator
	SDEngine         *sd.Engine
	Reassembler      *tp.Reassembler
	SegmentThreshold int
	PollInterval     time.Duration
	Metrics          *Metrics
}

// Dispatcher owns the inbound side of every bound socket and routes
// decoded messages per §4.7.
type Dispatcher struct {
	mu sync.RWMutex

	logger           *slog.Logger
	correlator       *rpc.Correlator
	sdEngine         *sd.Engine
	reassembler      *tp.Reassembler
	segmentThreshold int
	pollInterval     time.Duration
	metrics          *Metrics

	handlers      map[uint16]Handler
	eventSinks    map[sd.SubscriptionKey]EventSink
	eventGroupOf  map[uint16]map[uint16]uint16 // serviceID -> eventID -> eventgroupID
	onServiceErr  ErrorHandler

	serviceUDP []*transport.Endpoint
	sdUDP      []*transport.Endpoint
	tcpListen  []*transport.Endpoint

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Dispatcher ready to have endpoints registered and then Start-ed.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Dispatcher{
		logger:           logger.With("component", "dispatch"),
		correlator:       opts.Correlator,
		sdEngine:         opts.SDEngine,
		reassembler:      opts.Reassembler,
		segmentThreshold: opts.SegmentThreshold,
		pollInterval:     poll,
		metrics:          opts.Metrics,
		handlers:         make(map[uint16]Handler),
		eventSinks:       make(map[sd.SubscriptionKey]EventSink),
		eventGroupOf:     make(map[uint16]map[uint16]uint16),
	}
}

// RegisterHandler installs the local handler for serviceID.
func (d *Dispatcher) RegisterHandler(serviceID uint16, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[serviceID] = h
}

// RegisterEventSink installs the sink notifications for (service,
// eventgroup) are delivered to once the local subscription is acked.
func (d *Dispatcher) RegisterEventSink(key sd.SubscriptionKey, sink EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventSinks[key] = sink
}

// RegisterEventgroupMembership records that eventID belongs to
// eventgroupID for serviceID, so an inbound notification's event id can
// be mapped back to the eventgroup a subscription was acked against.
func (d *Dispatcher) RegisterEventgroupMembership(serviceID, eventID, eventgroupID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.eventGroupOf[serviceID]
	if !ok {
		m = make(map[uint16]uint16)
		d.eventGroupOf[serviceID] = m
	}
	m[eventID] = eventgroupID
}

// SetOnServiceError installs the hook invoked when a handler panics or
// errors. The dispatch loop itself never stops because of it.
func (d *Dispatcher) SetOnServiceError(h ErrorHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onServiceErr = h
}

// AddServiceEndpoint registers a bound UDP endpoint carrying
// request/response/notification traffic.
func (d *Dispatcher) AddServiceEndpoint(ep *transport.Endpoint) {
	d.serviceUDP = append(d.serviceUDP, ep)
}

// AddSDEndpoint registers a bound UDP endpoint carrying SD traffic.
func (d *Dispatcher) AddSDEndpoint(ep *transport.Endpoint) {
	d.sdUDP = append(d.sdUDP, ep)
}

// AddTCPListener registers a bound TCP listener carrying
// request/response traffic over a byte stream.
func (d *Dispatcher) AddTCPListener(ep *transport.Endpoint) {
	d.tcpListen = append(d.tcpListen, ep)
}

// Start launches one goroutine per registered socket plus the TP
// reassembly sweep.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, ep := range d.serviceUDP {
		ep := ep
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runUDPServiceLoop(ctx, ep)
		}()
	}
	for _, ep := range d.sdUDP {
		ep := ep
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runUDPSDLoop(ctx, ep)
		}()
	}
	for _, ep := range d.tcpListen {
		ep := ep
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runTCPAcceptLoop(ctx, ep)
		}()
	}
	if d.reassembler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runSweepLoop(ctx)
		}()
	}
}

// Stop cancels every dispatcher goroutine and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (d *Dispatcher) runUDPServiceLoop(ctx context.Context, ep *transport.Endpoint) {
	conn := ep.UDPConn()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(d.pollInterval))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("udp read error", "endpoint", ep.Name, "error", err)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		d.handleDatagram(data, func(resp []byte) {
			if _, err := conn.WriteToUDP(resp, addr); err != nil {
				d.logger.Warn("udp write error", "endpoint", ep.Name, "error", err)
			}
		}, addr)
	}
}

func (d *Dispatcher) runUDPSDLoop(ctx context.Context, ep *transport.Endpoint) {
	conn := ep.UDPConn()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(d.pollInterval))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("sd udp read error", "endpoint", ep.Name, "error", err)
			continue
		}
		if d.sdEngine != nil {
			d.sdEngine.HandleInbound(append([]byte(nil), buf[:n]...), addr)
		}
	}
}

func (d *Dispatcher) runTCPAcceptLoop(ctx context.Context, ep *transport.Endpoint) {
	l := ep.Listener()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = l.SetDeadline(time.Now().Add(d.pollInterval))
		conn, err := l.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("tcp accept error", "endpoint", ep.Name, "error", err)
			continue
		}
		id := xid.New()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleTCPConn(ctx, conn, id)
		}()
	}
}

func (d *Dispatcher) handleTCPConn(ctx context.Context, conn net.Conn, id xid.ID) {
	defer conn.Close()
	logger := d.logger.With("conn", id.String(), "remote", conn.RemoteAddr())
	logger.Debug("tcp connection accepted")

	buf := fifo.New(4096)
	readBuf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(d.pollInterval))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf.Write(readBuf[:n])
		}
		for {
			frameLen, ok := peekFrameLength(buf)
			if !ok || buf.Occupied() < frameLen {
				break
			}
			frame := append([]byte(nil), buf.Peek(frameLen)...)
			buf.Drop(frameLen)
			d.handleDatagram(frame, func(resp []byte) {
				if _, werr := conn.Write(resp); werr != nil {
					logger.Warn("tcp write error", "error", werr)
				}
			}, conn.RemoteAddr())
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				logger.Debug("tcp connection closed by peer")
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("tcp read error", "error", err)
			return
		}
	}
}

// peekFrameLength reports the total wire size of the message at the
// front of buf (16 header bytes + (length-8) payload bytes) once the
// full 16-byte header has arrived.
func peekFrameLength(buf *fifo.Fifo) (int, bool) {
	if buf.Occupied() < wire.HeaderSize {
		return 0, false
	}
	header := buf.Peek(wire.HeaderSize)
	length := binary.BigEndian.Uint32(header[4:8])
	return wire.HeaderSize + int(length) - 8, true
}

func (d *Dispatcher) handleDatagram(data []byte, reply func([]byte), from net.Addr) {
	h, payload, err := wire.DecodeHeader(data)
	if err != nil {
		if d.metrics != nil {
			d.metrics.MalformedPackets.Inc()
		}
		d.logger.Warn("discarding malformed packet", "from", from, "error", err)
		return
	}
	d.route(h, payload, reply, from)
}

func (d *Dispatcher) route(h wire.Header, payload []byte, reply func([]byte), from net.Addr) {
	switch {
	case h.Type.HasTP():
		d.handleTP(h, payload, reply, from)
	case h.Type == wire.Request || h.Type == wire.RequestNoReturn:
		d.handleRequest(h, payload, reply)
	case h.Type == wire.Response || h.Type == wire.Error:
		d.handleReply(h, payload)
	case h.Type == wire.Notification:
		d.handleNotification(h, payload, from)
	default:
		d.logger.Warn("discarding message of unroutable type", "type", h.Type)
	}
}

func (d *Dispatcher) handleTP(h wire.Header, subPayload []byte, reply func([]byte), from net.Addr) {
	tpHeader, err := wire.DecodeTPHeader(subPayload)
	if err != nil {
		if d.metrics != nil {
			d.metrics.MalformedPackets.Inc()
		}
		d.logger.Warn("discarding malformed TP sub-header", "error", err)
		return
	}
	chunk := subPayload[wire.TPHeaderSize:]
	key := tp.AssemblyKey{ServiceID: h.ServiceID, MethodID: h.MethodID, ClientID: h.ClientID, SessionID: h.SessionID}
	full, done, err := d.reassembler.Feed(key, tpHeader, chunk)
	if err != nil {
		if d.metrics != nil {
			d.metrics.MalformedPackets.Inc()
		}
		d.logger.Warn("TP reassembly rejected segment", "error", err)
		return
	}
	if !done {
		return
	}
	h.Type = h.Type.Base()
	d.route(h, full, reply, from)
}

func (d *Dispatcher) handleRequest(h wire.Header, payload []byte, reply func([]byte)) {
	d.mu.RLock()
	handler, ok := d.handlers[h.ServiceID]
	d.mu.RUnlock()

	if !ok {
		if d.metrics != nil {
			d.metrics.UnknownService.Inc()
		}
		if h.Type != wire.RequestNoReturn {
			d.sendError(h, wire.EUnknownService, reply)
		}
		return
	}

	resp, err := d.invokeHandler(handler, h.ServiceID, payload)
	if h.Type == wire.RequestNoReturn {
		return
	}
	if err != nil {
		d.sendError(h, wire.ENotOk, reply)
		return
	}
	if resp == nil {
		return
	}
	d.sendResponse(h, resp, reply)
}

func (d *Dispatcher) invokeHandler(handler Handler, serviceID uint16, payload []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
		if err != nil {
			d.mu.RLock()
			onErr := d.onServiceErr
			d.mu.RUnlock()
			if onErr != nil {
				onErr(serviceID, err)
			}
		}
	}()
	return handler(payload)
}

func (d *Dispatcher) sendError(h wire.Header, rc wire.ReturnCode, reply func([]byte)) {
	errHeader := wire.NewHeader(h.ServiceID, h.MethodID, h.ClientID, h.SessionID, wire.Error, rc, h.InterfaceVersion, 0)
	reply(wire.EncodeHeader(errHeader, nil))
}

func (d *Dispatcher) sendResponse(h wire.Header, payload []byte, reply func([]byte)) {
	if d.segmentThreshold > 0 && len(payload) > d.segmentThreshold {
		for _, seg := range tp.SegmentPayload(payload, d.segmentThreshold) {
			respHeader := wire.NewHeader(h.ServiceID, h.MethodID, h.ClientID, h.SessionID, wire.Response.WithTP(), wire.EOk, h.InterfaceVersion, len(seg.Payload))
			tpHeader := wire.EncodeTPHeader(seg.Header)
			frame := wire.EncodeHeader(respHeader, append(tpHeader[:], seg.Payload...))
			reply(frame)
		}
		return
	}
	respHeader := wire.NewHeader(h.ServiceID, h.MethodID, h.ClientID, h.SessionID, wire.Response, wire.EOk, h.InterfaceVersion, len(payload))
	reply(wire.EncodeHeader(respHeader, payload))
}

func (d *Dispatcher) handleReply(h wire.Header, payload []byte) {
	if d.correlator == nil {
		return
	}
	key := rpc.Key{ServiceID: h.ServiceID, MethodID: h.MethodID, SessionID: h.SessionID}
	res := rpc.Result{Payload: payload, IsError: h.Type == wire.Error, ReturnCode: h.ReturnCode}
	d.correlator.Deliver(key, res)
}

func (d *Dispatcher) handleNotification(h wire.Header, payload []byte, from net.Addr) {
	d.mu.RLock()
	groups := d.eventGroupOf[h.ServiceID]
	eventgroupID, ok := groups[h.MethodID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	if d.sdEngine == nil || !d.sdEngine.IsSubscriptionAcked(h.ServiceID, eventgroupID) {
		if d.metrics != nil {
			d.metrics.DroppedNotify.Inc()
		}
		return
	}
	if udpFrom, ok := from.(*net.UDPAddr); ok {
		if !d.sdEngine.SenderMatchesAck(h.ServiceID, eventgroupID, udpFrom) {
			if d.metrics != nil {
				d.metrics.DroppedNotify.Inc()
			}
			return
		}
	}

	key := sd.SubscriptionKey{ServiceID: h.ServiceID, EventgroupID: eventgroupID}
	d.mu.RLock()
	sink, ok := d.eventSinks[key]
	d.mu.RUnlock()
	if !ok {
		return
	}
	sink(payload)
}

func (d *Dispatcher) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(tp.DefaultReassemblyTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.reassembler.Sweep(now)
		}
	}
}
