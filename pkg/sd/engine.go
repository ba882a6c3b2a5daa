// Package sd implements the Service Discovery engine: periodic offer
// emission, inbound SD parsing, the remote-service table with TTL
// aging, and the subscription state machine. Shaped like the
// periodic-announce-plus-liveness-monitor pattern split across
// pkg/nmt/nmt.go (periodic heartbeat production) and
// pkg/heartbeat.HBConsumer (per-node liveness table aged by a
// background sweep against a per-entry deadline), generalized from
// CANopen node ids to (service_id, major_version) service identities
// and from a single heartbeat timeout to per-offer TTLs.
package sd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arunj123/gosomeip/pkg/session"
	"github.com/arunj123/gosomeip/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCycle is the default offer-emission period (§4.6: "default 1000 ms").
const DefaultCycle = 1000 * time.Millisecond

// DefaultSweepInterval bounds how often the TTL sweep runs.
const DefaultSweepInterval = 500 * time.Millisecond

var (
	// ErrNotReachable is surfaced to callers whose remote-service entry
	// expired or was never offered.
	ErrNotReachable = errors.New("sd: service not reachable")
	// ErrNoUsableFamily is returned when neither IPv4 nor IPv6 SD
	// transport is configured/usable for an outbound SD message.
	ErrNoUsableFamily = errors.New("sd: no usable SD multicast family")
)

// EndpointAddr is a resolved (ip, port, protocol) triple carried in SD
// options, independent of pkg/transport so this package has no bind-time
// dependencies.
type EndpointAddr struct {
	IP       net.IP
	Port     uint16
	Protocol wire.L4Protocol
}

func (e EndpointAddr) option(optType wire.SDOptionType) wire.SDOption {
	return wire.SDOption{Type: optType, IP: e.IP, Port: e.Port, Protocol: e.Protocol, Multicast: optType == wire.OptionIPv4MulticastEndpoint || optType == wire.OptionIPv6MulticastEndpoint}
}

// Sender abstracts the outbound half of a bound SD socket. *net.UDPConn
// satisfies it directly.
type Sender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

type offerKey struct {
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
}

// OfferedService is a locally-provided service the engine advertises.
type OfferedService struct {
	ServiceID         uint16
	InstanceID        uint16
	MajorVersion      uint8
	MinorVersion      uint32
	Endpoint          EndpointAddr
	MulticastEndpoint *EndpointAddr
	Eventgroups       []uint16
}

// RemoteServiceKey identifies a remote-service table entry (§3: "A
// mapping (service_id, major_version) → (ip, port, transport)").
type RemoteServiceKey struct {
	ServiceID    uint16
	MajorVersion uint8
}

// RemoteService is one remote-service table entry.
type RemoteService struct {
	InstanceID uint16
	Endpoint   EndpointAddr
	ExpiresAt  time.Time
	NoExpire   bool
}

func (r *RemoteService) expired(now time.Time) bool {
	return !r.NoExpire && now.After(r.ExpiresAt)
}

// SubscriptionKey identifies a subscription-table entry.
type SubscriptionKey struct {
	ServiceID    uint16
	EventgroupID uint16
}

// SubState is the subscriber-side subscription lifecycle state.
type SubState int

const (
	SubRequested SubState = iota
	SubPending
	SubAcked
	SubRejected
)

// Subscription is one subscriber-side subscription-table entry.
type Subscription struct {
	InstanceID uint16
	State      SubState
	AckedFrom  *net.UDPAddr
}

type ringGroup struct {
	sender Sender
	group  *net.UDPAddr
}

// Metrics holds the prometheus counters the engine exports, covering the
// per-packet failure classes §7 requires to be "logged and counted".
type Metrics struct {
	MalformedPackets prometheus.Counter
	UnknownOptions   prometheus.Counter
	TTLExpirations   prometheus.Counter
	ActiveOffers     prometheus.Gauge
	ActiveSubs       prometheus.Gauge
}

// NewMetrics registers a Metrics set under the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "someip_sd_malformed_packets_total",
			Help: "SD packets discarded for failing to decode.",
		}),
		UnknownOptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "someip_sd_unknown_options_total",
			Help: "SD options skipped because their type was not recognized.",
		}),
		TTLExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "someip_sd_ttl_expirations_total",
			Help: "Remote-service entries removed because their TTL elapsed.",
		}),
		ActiveOffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "someip_sd_active_remote_services",
			Help: "Remote-service entries currently unexpired.",
		}),
		ActiveSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "someip_sd_acked_subscriptions",
			Help: "Subscriptions currently in the acked state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MalformedPackets, m.UnknownOptions, m.TTLExpirations, m.ActiveOffers, m.ActiveSubs)
	}
	return m
}

// Engine runs offer emission, inbound SD parsing, and TTL aging.
type Engine struct {
	mu sync.RWMutex

	logger   *slog.Logger
	sessions *session.Manager
	clientID uint16
	metrics  *Metrics

	v4, v6 *ringGroup
	cycle  time.Duration

	offered       map[offerKey]OfferedService
	remote        map[RemoteServiceKey]*RemoteService
	subscriptions map[SubscriptionKey]*Subscription
	subscribers   map[SubscriptionKey][]EndpointAddr

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a new Engine.
type Options struct {
	Logger         *slog.Logger
	Sessions       *session.Manager
	ClientID       uint16
	Metrics        *Metrics
	Cycle          time.Duration
	V4Sender       Sender
	V4Group        *net.UDPAddr
	V6Sender       Sender
	V6Group        *net.UDPAddr
}

// NewEngine constructs an Engine ready to Start. A family is usable only
// when both its Sender and Group are set; with neither family usable,
// every outbound SD message fails with ErrNoUsableFamily.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cycle := opts.Cycle
	if cycle <= 0 {
		cycle = DefaultCycle
	}
	e := &Engine{
		logger:        logger.With("component", "sd"),
		sessions:      opts.Sessions,
		clientID:      opts.ClientID,
		metrics:       opts.Metrics,
		cycle:         cycle,
		offered:       make(map[offerKey]OfferedService),
		remote:        make(map[RemoteServiceKey]*RemoteService),
		subscriptions: make(map[SubscriptionKey]*Subscription),
		subscribers:   make(map[SubscriptionKey][]EndpointAddr),
	}
	if opts.V4Sender != nil && opts.V4Group != nil {
		e.v4 = &ringGroup{sender: opts.V4Sender, group: opts.V4Group}
	}
	if opts.V6Sender != nil && opts.V6Group != nil {
		e.v6 = &ringGroup{sender: opts.V6Sender, group: opts.V6Group}
	}
	return e
}

// Start launches the offer-emission and TTL-sweep background goroutines.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.runOfferLoop(ctx)
	go e.runSweepLoop(ctx)
}

// Stop halts background goroutines and emits a Stop-Offer for every
// offered service.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.RLock()
	offers := make([]OfferedService, 0, len(e.offered))
	for _, o := range e.offered {
		offers = append(offers, o)
	}
	e.mu.RUnlock()
	for _, o := range offers {
		_ = e.StopOffer(o.ServiceID, o.InstanceID, o.MajorVersion)
	}
}

func (e *Engine) runOfferLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emitOffers()
		}
	}
}

func (e *Engine) runSweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Sweep(now)
		}
	}
}

// OfferService registers a locally-provided service for periodic
// advertisement starting with the next offer cycle.
func (e *Engine) OfferService(svc OfferedService) {
	e.mu.Lock()
	e.offered[offerKey{svc.ServiceID, svc.InstanceID, svc.MajorVersion}] = svc
	e.mu.Unlock()
}

// StopOffer removes a service from the offered set and emits a single
// Stop-Offer (TTL=0) entry immediately.
func (e *Engine) StopOffer(serviceID, instanceID uint16, majorVersion uint8) error {
	e.mu.Lock()
	key := offerKey{serviceID, instanceID, majorVersion}
	svc, ok := e.offered[key]
	delete(e.offered, key)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	entry := wire.SDEntry{
		Type:             wire.EntryOfferService,
		ServiceID:        svc.ServiceID,
		InstanceID:       svc.InstanceID,
		MajorVersion:     svc.MajorVersion,
		TTL:              0,
		MinorVersion:     svc.MinorVersion,
		NumFirstOptions:  1,
		IndexFirstOption: 0,
	}
	opts := []wire.SDOption{svc.Endpoint.option(unicastOptionType(svc.Endpoint.IP))}
	return e.send(wire.SDMessage{Entries: []wire.SDEntry{entry}, Options: opts})
}

func (e *Engine) emitOffers() {
	e.mu.RLock()
	offers := make([]OfferedService, 0, len(e.offered))
	for _, o := range e.offered {
		offers = append(offers, o)
	}
	e.mu.RUnlock()
	if len(offers) == 0 {
		return
	}

	var entries []wire.SDEntry
	var options []wire.SDOption
	for _, svc := range offers {
		first := len(options)
		options = append(options, svc.Endpoint.option(unicastOptionType(svc.Endpoint.IP)))
		numFirst := uint8(1)
		numSecond := uint8(0)
		second := 0
		if svc.MulticastEndpoint != nil {
			second = len(options)
			options = append(options, svc.MulticastEndpoint.option(multicastOptionType(svc.MulticastEndpoint.IP)))
			numSecond = 1
		}
		entries = append(entries, wire.SDEntry{
			Type:              wire.EntryOfferService,
			ServiceID:         svc.ServiceID,
			InstanceID:        svc.InstanceID,
			MajorVersion:      svc.MajorVersion,
			MinorVersion:      svc.MinorVersion,
			TTL:               wire.TTLNoExpire,
			IndexFirstOption:  uint8(first),
			NumFirstOptions:   numFirst,
			IndexSecondOption: uint8(second),
			NumSecondOptions:  numSecond,
		})
	}
	if err := e.send(wire.SDMessage{Entries: entries, Options: options}); err != nil {
		e.logger.Warn("failed to emit offers", "error", err)
	}
}

// SubscribeEventgroup emits a SubscribeEventgroup entry carrying
// subscriberEndpoint and marks the subscription pending.
func (e *Engine) SubscribeEventgroup(serviceID, instanceID, eventgroupID uint16, ttl uint32, subscriberEndpoint EndpointAddr) error {
	key := SubscriptionKey{ServiceID: serviceID, EventgroupID: eventgroupID}
	e.mu.Lock()
	e.subscriptions[key] = &Subscription{InstanceID: instanceID, State: SubPending}
	e.mu.Unlock()

	entry := wire.SDEntry{
		Type:             wire.EntrySubscribeEventgroup,
		ServiceID:        serviceID,
		InstanceID:       instanceID,
		MajorVersion:     1,
		TTL:              ttl,
		EventgroupID:     eventgroupID,
		NumFirstOptions:  1,
		IndexFirstOption: 0,
	}
	opts := []wire.SDOption{subscriberEndpoint.option(unicastOptionType(subscriberEndpoint.IP))}
	return e.send(wire.SDMessage{Entries: []wire.SDEntry{entry}, Options: opts})
}

// UnsubscribeEventgroup emits the same entry with TTL=0.
func (e *Engine) UnsubscribeEventgroup(serviceID, instanceID, eventgroupID uint16, subscriberEndpoint EndpointAddr) error {
	key := SubscriptionKey{ServiceID: serviceID, EventgroupID: eventgroupID}
	e.mu.Lock()
	delete(e.subscriptions, key)
	e.mu.Unlock()

	entry := wire.SDEntry{
		Type:             wire.EntrySubscribeEventgroup,
		ServiceID:        serviceID,
		InstanceID:       instanceID,
		MajorVersion:     1,
		TTL:              0,
		EventgroupID:     eventgroupID,
		NumFirstOptions:  1,
		IndexFirstOption: 0,
	}
	opts := []wire.SDOption{subscriberEndpoint.option(unicastOptionType(subscriberEndpoint.IP))}
	return e.send(wire.SDMessage{Entries: []wire.SDEntry{entry}, Options: opts})
}

// IsSubscriptionAcked reports whether the subscription for (service,
// eventgroup) is currently in the acked state.
func (e *Engine) IsSubscriptionAcked(serviceID, eventgroupID uint16) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sub, ok := e.subscriptions[SubscriptionKey{ServiceID: serviceID, EventgroupID: eventgroupID}]
	return ok && sub.State == SubAcked
}

// SenderMatchesAck reports whether from is the endpoint that acked the
// (serviceID, eventgroupID) subscription, so notifications from any
// other source can be ignored. An unacked subscription, or an ack that
// carried no unicast option to record, never matches.
func (e *Engine) SenderMatchesAck(serviceID, eventgroupID uint16, from *net.UDPAddr) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sub, ok := e.subscriptions[SubscriptionKey{ServiceID: serviceID, EventgroupID: eventgroupID}]
	if !ok || sub.AckedFrom == nil || from == nil {
		return false
	}
	return sub.AckedFrom.IP.Equal(from.IP) && sub.AckedFrom.Port == from.Port
}

// RemoteServices returns a snapshot of the remote-service table.
func (e *Engine) RemoteServices() map[RemoteServiceKey]RemoteService {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[RemoteServiceKey]RemoteService, len(e.remote))
	for k, v := range e.remote {
		out[k] = *v
	}
	return out
}

// Resolve returns the bound endpoint for a remote service, or
// ErrNotReachable if no live entry exists.
func (e *Engine) Resolve(serviceID uint16, majorVersion uint8) (EndpointAddr, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.remote[RemoteServiceKey{ServiceID: serviceID, MajorVersion: majorVersion}]
	if !ok || rs.expired(time.Now()) {
		return EndpointAddr{}, ErrNotReachable
	}
	return rs.Endpoint, nil
}

// HandleInbound decodes and processes one SD payload received on an SD
// socket. from is the packet's source address and is used only in log
// lines: replies are never addressed by it, and subscribers and ack
// senders are taken from the endpoint options the entries carry.
func (e *Engine) HandleInbound(payload []byte, from *net.UDPAddr) {
	msg, err := wire.DecodeSDMessage(payload)
	if err != nil {
		if e.metrics != nil {
			e.metrics.MalformedPackets.Inc()
		}
		e.logger.Warn("discarding malformed SD packet", "from", from, "error", err)
		return
	}
	if e.metrics != nil {
		for _, o := range msg.Options {
			if o.Type == 0 {
				e.metrics.UnknownOptions.Inc()
			}
		}
	}
	for _, entry := range msg.Entries {
		opts := wire.ResolveOptions(msg.Options, entry)
		switch entry.Type {
		case wire.EntryOfferService:
			e.handleOffer(entry, opts)
		case wire.EntrySubscribeEventgroup:
			e.handleSubscribe(entry, opts)
		case wire.EntrySubscribeEventgroupAck:
			e.handleAck(entry, opts)
		case wire.EntryFindService:
			// This node only answers FindService by virtue of its
			// periodic unsolicited offers; no unicast reply is sent.
		}
	}
}

func (e *Engine) handleOffer(entry wire.SDEntry, opts []wire.SDOption) {
	key := RemoteServiceKey{ServiceID: entry.ServiceID, MajorVersion: entry.MajorVersion}
	if entry.IsStop() {
		e.mu.Lock()
		delete(e.remote, key)
		e.mu.Unlock()
		return
	}
	ep, ok := firstUnicast(opts)
	if !ok {
		return
	}
	rs := &RemoteService{InstanceID: entry.InstanceID, Endpoint: ep}
	if entry.TTL == wire.TTLNoExpire {
		rs.NoExpire = true
	} else {
		rs.ExpiresAt = time.Now().Add(time.Duration(entry.TTL) * time.Second)
	}
	e.mu.Lock()
	e.remote[key] = rs
	e.mu.Unlock()
}

func (e *Engine) handleSubscribe(entry wire.SDEntry, opts []wire.SDOption) {
	subKey := SubscriptionKey{ServiceID: entry.ServiceID, EventgroupID: entry.EventgroupID}

	e.mu.RLock()
	offered, isOffered := e.findOfferedLocked(entry.ServiceID, entry.InstanceID)
	e.mu.RUnlock()
	if !isOffered {
		return
	}

	if entry.IsStop() {
		e.mu.Lock()
		list := e.subscribers[subKey]
		if ep, ok := firstUnicast(opts); ok {
			for i, s := range list {
				if s.IP.Equal(ep.IP) && s.Port == ep.Port {
					list = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		e.subscribers[subKey] = list
		e.mu.Unlock()
		return
	}

	ep, ok := firstUnicast(opts)
	if !ok {
		return
	}
	e.mu.Lock()
	e.subscribers[subKey] = append(e.subscribers[subKey], ep)
	e.mu.Unlock()

	ack := wire.SDEntry{
		Type:             wire.EntrySubscribeEventgroupAck,
		ServiceID:        entry.ServiceID,
		InstanceID:       entry.InstanceID,
		MajorVersion:     entry.MajorVersion,
		TTL:              entry.TTL,
		EventgroupID:     entry.EventgroupID,
		NumFirstOptions:  1,
		IndexFirstOption: 0,
	}
	// The ack carries the publisher's own unicast endpoint: the
	// subscriber records it (handleAck) and accepts notifications only
	// from it (SenderMatchesAck).
	ackOpts := []wire.SDOption{offered.Endpoint.option(unicastOptionType(offered.Endpoint.IP))}
	if err := e.send(wire.SDMessage{Entries: []wire.SDEntry{ack}, Options: ackOpts}); err != nil {
		e.logger.Warn("failed to send subscribe ack", "service", entry.ServiceID, "eventgroup", entry.EventgroupID, "error", err)
	}
}

func (e *Engine) findOfferedLocked(serviceID, instanceID uint16) (OfferedService, bool) {
	for k, v := range e.offered {
		if k.ServiceID == serviceID && k.InstanceID == instanceID {
			return v, true
		}
	}
	return OfferedService{}, false
}

func (e *Engine) handleAck(entry wire.SDEntry, opts []wire.SDOption) {
	key := SubscriptionKey{ServiceID: entry.ServiceID, EventgroupID: entry.EventgroupID}
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subscriptions[key]
	if !ok {
		return
	}
	if entry.IsStop() {
		sub.State = SubRejected
		return
	}
	sub.State = SubAcked
	if ep, ok := firstUnicast(opts); ok {
		sub.AckedFrom = &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)}
	}
}

// Sweep removes remote-service entries whose TTL has elapsed.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, rs := range e.remote {
		if rs.expired(now) {
			delete(e.remote, key)
			if e.metrics != nil {
				e.metrics.TTLExpirations.Inc()
			}
			e.logger.Info("remote-service entry expired", "service", key.ServiceID, "major_version", key.MajorVersion)
		}
	}
	if e.metrics != nil {
		e.metrics.ActiveOffers.Set(float64(len(e.remote)))
		acked := 0
		for _, s := range e.subscriptions {
			if s.State == SubAcked {
				acked++
			}
		}
		e.metrics.ActiveSubs.Set(float64(acked))
	}
}

func firstUnicast(opts []wire.SDOption) (EndpointAddr, bool) {
	for _, o := range opts {
		if o.Type == wire.OptionIPv4Endpoint || o.Type == wire.OptionIPv6Endpoint {
			return EndpointAddr{IP: o.IP, Port: o.Port, Protocol: o.Protocol}, true
		}
	}
	return EndpointAddr{}, false
}

func unicastOptionType(ip net.IP) wire.SDOptionType {
	if ip.To4() != nil {
		return wire.OptionIPv4Endpoint
	}
	return wire.OptionIPv6Endpoint
}

func multicastOptionType(ip net.IP) wire.SDOptionType {
	if ip.To4() != nil {
		return wire.OptionIPv4MulticastEndpoint
	}
	return wire.OptionIPv6MulticastEndpoint
}

// send emits msg on every usable SD multicast family (§4.6: "a node may
// emit on only one family if the other is not configured or not usable").
func (e *Engine) send(msg wire.SDMessage) error {
	e.mu.RLock()
	v4, v6 := e.v4, e.v6
	sessions := e.sessions
	clientID := e.clientID
	e.mu.RUnlock()

	if v4 == nil && v6 == nil {
		return ErrNoUsableFamily
	}

	payload, err := wire.EncodeSDMessage(msg)
	if err != nil {
		return fmt.Errorf("sd: encode: %w", err)
	}
	sessionID := uint16(1)
	if sessions != nil {
		sessionID = sessions.Next(wire.SDServiceID, wire.SDMethodID)
	}
	header := wire.NewHeader(wire.SDServiceID, wire.SDMethodID, clientID, sessionID, wire.SDMessageType, wire.EOk, 1, len(payload))
	frame := wire.EncodeHeader(header, payload)

	var lastErr error
	sent := false
	if v4 != nil {
		if _, err := v4.sender.WriteToUDP(frame, v4.group); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}
	if v6 != nil {
		if _, err := v6.sender.WriteToUDP(frame, v6.group); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}
	if !sent {
		return lastErr
	}
	return nil
}
