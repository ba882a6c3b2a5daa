// Package runtime is the top-level façade: it loads a configuration
// document, binds every endpoint an instance needs, wires the codec,
// session, TP, correlator, Service Discovery, and dispatch layers
// together, and exposes the small surface applications actually call
// (offer a service, resolve and call a remote one, subscribe to
// events). Shaped like pkg/network.Network: a struct that owns the
// bus/transport, holds one controller per managed unit, and exposes
// Connect/CreateLocalNode/AddRemoteNode/Command/Scan as the single
// entry point applications use instead of touching the lower packages
// directly.
package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/arunj123/gosomeip/pkg/config"
	"github.com/arunj123/gosomeip/pkg/dispatch"
	"github.com/arunj123/gosomeip/pkg/rpc"
	"github.com/arunj123/gosomeip/pkg/sd"
	"github.com/arunj123/gosomeip/pkg/session"
	"github.com/arunj123/gosomeip/pkg/tp"
	"github.com/arunj123/gosomeip/pkg/transport"
	"github.com/arunj123/gosomeip/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRequestTimeout bounds SendRequest when the caller,
// Options.DefaultTimeout and the instance's SD overrides all leave it
// unset.
const DefaultRequestTimeout = 2 * time.Second

// Options configures a new Runtime.
type Options struct {
	Config            *config.Config
	Instance          string
	Logger            *slog.Logger
	Registerer        prometheus.Registerer
	ClientID          uint16
	SegmentThreshold  int
	PollInterval      time.Duration
	ReassemblyTimeout time.Duration
	DefaultTimeout    time.Duration
}

// Runtime is one running SOME/IP instance: its bound sockets and the
// wired C1-C7 components behind the public API below.
type Runtime struct {
	logger *slog.Logger
	cfg    *config.Config
	name   string
	inst   config.InstanceConfig

	registry    *transport.Registry
	sessions    *session.Manager
	correlator  *rpc.Correlator
	reassembler *tp.Reassembler
	sdEngine    *sd.Engine
	dispatcher  *dispatch.Dispatcher

	clientID         uint16
	segmentThreshold int
	requestTimeout   time.Duration

	serviceV4 *transport.Endpoint
	serviceV6 *transport.Endpoint

	cancel context.CancelFunc
}

func endpointName(iface, alias string) string { return iface + "/" + alias }

func parseFamily(version int) transport.Family {
	if version == 6 {
		return transport.IPv6
	}
	return transport.IPv4
}

func parseProtocol(s string) transport.Protocol {
	if s == "tcp" {
		return transport.TCP
	}
	return transport.UDP
}

func l4Protocol(s string) wire.L4Protocol {
	if s == "tcp" {
		return wire.ProtoTCP
	}
	return wire.ProtoUDP
}

// New binds every endpoint instance opts.Instance needs and wires the
// lower layers. The returned Runtime is not yet accepting traffic;
// call Start.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime", "instance", opts.Instance)

	inst, ok := opts.Config.Instance(opts.Instance)
	if !ok {
		return nil, fmt.Errorf("runtime: unknown instance %q", opts.Instance)
	}

	r := &Runtime{
		logger:           logger,
		cfg:              opts.Config,
		name:             opts.Instance,
		inst:             inst,
		registry:         transport.NewRegistry(logger),
		sessions:         session.NewManager(),
		clientID:         opts.ClientID,
		segmentThreshold: opts.SegmentThreshold,
		requestTimeout:   opts.DefaultTimeout,
	}
	if r.requestTimeout <= 0 {
		r.requestTimeout = DefaultRequestTimeout
	}
	if inst.SD.RequestTimeoutMs > 0 {
		r.requestTimeout = time.Duration(inst.SD.RequestTimeoutMs) * time.Millisecond
	}

	var serviceEndpoints, tcpEndpoints []*transport.Endpoint
	for ifaceName, alias := range inst.UnicastBind {
		epCfg, ok := opts.Config.Endpoint(ifaceName, alias)
		if !ok {
			return nil, fmt.Errorf("runtime: unicast_bind %s/%s has no endpoint definition", ifaceName, alias)
		}
		proto := parseProtocol(epCfg.Protocol)
		family := parseFamily(epCfg.Version)
		ep, err := r.registry.Bind(transport.Config{
			Name:      endpointName(ifaceName, alias),
			Interface: ifaceName,
			IP:        net.ParseIP(epCfg.IP),
			Port:      epCfg.Port,
			Family:    family,
			Protocol:  proto,
			ReusePort: true,
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: bind %s/%s: %w", ifaceName, alias, err)
		}
		if proto == transport.TCP {
			tcpEndpoints = append(tcpEndpoints, ep)
			continue
		}
		serviceEndpoints = append(serviceEndpoints, ep)
		if family == transport.IPv6 {
			if r.serviceV6 == nil {
				r.serviceV6 = ep
			}
		} else if r.serviceV4 == nil {
			r.serviceV4 = ep
		}
	}

	var sdEndpoints []*transport.Endpoint
	var v4Sender, v6Sender *transport.Endpoint
	var v4Group, v6Group *net.UDPAddr
	hops := inst.SD.MulticastHops
	for ifaceName := range inst.UnicastBind {
		iface, ok := opts.Config.Interface(ifaceName)
		if !ok {
			continue
		}
		if iface.SD.V4 != "" && v4Sender == nil {
			ep, group, err := r.bindSD(ifaceName, iface.SD.V4, transport.IPv4, hops)
			if err != nil {
				return nil, err
			}
			sdEndpoints = append(sdEndpoints, ep)
			v4Sender, v4Group = ep, group
		}
		if iface.SD.V6 != "" && v6Sender == nil {
			ep, group, err := r.bindSD(ifaceName, iface.SD.V6, transport.IPv6, hops)
			if err != nil {
				return nil, err
			}
			sdEndpoints = append(sdEndpoints, ep)
			v6Sender, v6Group = ep, group
		}
	}

	r.reassembler = tp.NewReassembler(opts.ReassemblyTimeout, logger)
	r.correlator = rpc.New(logger)

	sdCycle := time.Duration(inst.SD.CycleOfferMs) * time.Millisecond
	sdOpts := sd.Options{
		Logger:   logger,
		Sessions: r.sessions,
		ClientID: r.clientID,
		Metrics:  sd.NewMetrics(opts.Registerer),
		Cycle:    sdCycle,
	}
	if v4Sender != nil {
		sdOpts.V4Sender = v4Sender.UDPConn()
		sdOpts.V4Group = v4Group
	}
	if v6Sender != nil {
		sdOpts.V6Sender = v6Sender.UDPConn()
		sdOpts.V6Group = v6Group
	}
	r.sdEngine = sd.NewEngine(sdOpts)

	r.dispatcher = dispatch.New(dispatch.Options{
		Logger:           logger,
		Correlator:       r.correlator,
		SDEngine:         r.sdEngine,
		Reassembler:      r.reassembler,
		SegmentThreshold: opts.SegmentThreshold,
		PollInterval:     opts.PollInterval,
		Metrics:          dispatch.NewMetrics(opts.Registerer),
	})
	for _, ep := range serviceEndpoints {
		r.dispatcher.AddServiceEndpoint(ep)
	}
	for _, ep := range tcpEndpoints {
		r.dispatcher.AddTCPListener(ep)
	}
	for _, ep := range sdEndpoints {
		r.dispatcher.AddSDEndpoint(ep)
	}

	return r, nil
}

func (r *Runtime) bindSD(ifaceName, alias string, family transport.Family, hops int) (*transport.Endpoint, *net.UDPAddr, error) {
	epCfg, ok := r.cfg.Endpoint(ifaceName, alias)
	if !ok {
		return nil, nil, fmt.Errorf("runtime: sd endpoint %s/%s has no definition", ifaceName, alias)
	}
	ip := net.ParseIP(epCfg.IP)
	ep, err := r.registry.Bind(transport.Config{
		Name:      endpointName(ifaceName, alias),
		Interface: ifaceName,
		IP:        ip,
		Port:      epCfg.Port,
		Family:    family,
		Protocol:  transport.UDP,
		Multicast: true,
		HopLimit:  hops,
		ReusePort: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("runtime: bind sd %s/%s: %w", ifaceName, alias, err)
	}
	return ep, &net.UDPAddr{IP: ip, Port: int(epCfg.Port)}, nil
}

// Start launches Service Discovery and dispatch processing.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sdEngine.Start(ctx)
	r.dispatcher.Start(ctx)
}

// Stop halts processing, cancels every pending RPC waiter, and closes
// every bound socket. Stop emits a Stop-Offer for each currently
// offered service before returning (delegated to sd.Engine.Stop).
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.dispatcher.Stop()
	r.sdEngine.Stop()
	r.correlator.Shutdown()
	_ = r.registry.Close()
}

// OfferService starts advertising the providing-service entry named
// alias in the instance's configuration, answering REQUEST/
// REQUEST_NO_RETURN with handler.
func (r *Runtime) OfferService(alias string, handler dispatch.Handler) error {
	svc, ok := r.inst.Providing[alias]
	if !ok {
		return fmt.Errorf("runtime: instance %q has no providing entry %q", r.name, alias)
	}
	r.dispatcher.RegisterHandler(svc.ServiceID, handler)

	var endpoint sd.EndpointAddr
	found := false
	for ifaceName, epAlias := range svc.OfferOn {
		epCfg, ok := r.cfg.Endpoint(ifaceName, epAlias)
		if !ok {
			continue
		}
		endpoint = sd.EndpointAddr{IP: net.ParseIP(epCfg.IP), Port: epCfg.Port, Protocol: l4Protocol(epCfg.Protocol)}
		if bound, err := r.registry.Get(endpointName(ifaceName, epAlias)); err == nil {
			endpoint.IP, endpoint.Port = bound.Bound.IP, bound.Bound.Port
		}
		found = true
		break
	}
	if !found {
		return fmt.Errorf("runtime: providing entry %q has no resolvable offer_on endpoint", alias)
	}

	var eventgroupIDs []uint16
	var multicastEP *sd.EndpointAddr
	for _, eg := range svc.Eventgroups {
		eventgroupIDs = append(eventgroupIDs, eg.EventgroupID)
		for _, eventID := range eg.EventIDs {
			r.dispatcher.RegisterEventgroupMembership(svc.ServiceID, eventID, eg.EventgroupID)
		}
		if eg.Multicast != "" && multicastEP == nil {
			for ifaceName := range svc.OfferOn {
				if epCfg, ok := r.cfg.Endpoint(ifaceName, eg.Multicast); ok {
					ep := sd.EndpointAddr{IP: net.ParseIP(epCfg.IP), Port: epCfg.Port, Protocol: l4Protocol(epCfg.Protocol)}
					multicastEP = &ep
					break
				}
			}
		}
	}

	r.sdEngine.OfferService(sd.OfferedService{
		ServiceID:         svc.ServiceID,
		InstanceID:        svc.InstanceID,
		MajorVersion:      svc.MajorVersion,
		MinorVersion:      svc.MinorVersion,
		Endpoint:          endpoint,
		MulticastEndpoint: multicastEP,
		Eventgroups:       eventgroupIDs,
	})
	return nil
}

// StopOffer withdraws a previously offered service.
func (r *Runtime) StopOffer(alias string) error {
	svc, ok := r.inst.Providing[alias]
	if !ok {
		return fmt.Errorf("runtime: instance %q has no providing entry %q", r.name, alias)
	}
	return r.sdEngine.StopOffer(svc.ServiceID, svc.InstanceID, svc.MajorVersion)
}

// GetClient resolves the required-service entry named alias to a
// reachable endpoint, blocking (polling the remote-service table) up
// to timeout for an offer to arrive if one is not already known.
func (r *Runtime) GetClient(alias string, timeout time.Duration) (sd.EndpointAddr, error) {
	req, ok := r.inst.Required[alias]
	if !ok {
		return sd.EndpointAddr{}, fmt.Errorf("runtime: instance %q has no required entry %q", r.name, alias)
	}
	if req.StaticIP != "" {
		return sd.EndpointAddr{IP: net.ParseIP(req.StaticIP), Port: req.StaticPort, Protocol: wire.ProtoUDP}, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if ep, err := r.sdEngine.Resolve(req.ServiceID, req.MajorVersion); err == nil {
			return ep, nil
		}
		if time.Now().After(deadline) {
			return sd.EndpointAddr{}, sd.ErrNotReachable
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// SendRequest sends a REQUEST (or REQUEST_NO_RETURN, when
// waitForResponse is false) to target and, if waitForResponse,
// blocks for the matching RESPONSE/ERROR up to timeout. UDP targets
// are correlated through the dispatcher via pkg/rpc; TCP targets open
// a fresh connection per call and read the reply directly off it,
// per the decision that connection pooling is a policy left
// unimplemented.
func (r *Runtime) SendRequest(serviceID, methodID uint16, payload []byte, target sd.EndpointAddr, waitForResponse bool, timeout time.Duration) (rpc.Result, error) {
	if timeout <= 0 {
		timeout = r.requestTimeout
	}
	sessionID := r.sessions.Next(serviceID, methodID)
	msgType := wire.Request
	if !waitForResponse {
		msgType = wire.RequestNoReturn
	}
	header := wire.NewHeader(serviceID, methodID, r.clientID, sessionID, msgType, wire.EOk, 1, len(payload))
	frame := wire.EncodeHeader(header, payload)

	if target.Protocol == wire.ProtoTCP {
		return r.sendTCP(frame, target, waitForResponse, timeout)
	}
	return r.sendUDP(frame, target, rpc.Key{ServiceID: serviceID, MethodID: methodID, SessionID: sessionID}, waitForResponse, timeout)
}

func (r *Runtime) udpConnFor(ip net.IP) (*net.UDPConn, error) {
	if ip.To4() != nil && r.serviceV4 != nil {
		return r.serviceV4.UDPConn(), nil
	}
	if ip.To4() == nil && r.serviceV6 != nil {
		return r.serviceV6.UDPConn(), nil
	}
	if r.serviceV4 != nil {
		return r.serviceV4.UDPConn(), nil
	}
	if r.serviceV6 != nil {
		return r.serviceV6.UDPConn(), nil
	}
	return nil, fmt.Errorf("runtime: no bound UDP service endpoint for instance %q", r.name)
}

func (r *Runtime) sendUDP(frame []byte, target sd.EndpointAddr, key rpc.Key, waitForResponse bool, timeout time.Duration) (rpc.Result, error) {
	conn, err := r.udpConnFor(target.IP)
	if err != nil {
		return rpc.Result{}, err
	}
	if waitForResponse {
		r.correlator.Register(key)
	}
	addr := &net.UDPAddr{IP: target.IP, Port: int(target.Port)}
	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		if waitForResponse {
			r.correlator.Forget(key)
		}
		return rpc.Result{}, err
	}
	if !waitForResponse {
		return rpc.Result{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.correlator.Wait(ctx, key)
}

func (r *Runtime) sendTCP(frame []byte, target sd.EndpointAddr, waitForResponse bool, timeout time.Duration) (rpc.Result, error) {
	addr := net.JoinHostPort(target.IP.String(), strconv.Itoa(int(target.Port)))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return rpc.Result{}, fmt.Errorf("runtime: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return rpc.Result{}, fmt.Errorf("runtime: write to %s: %w", addr, err)
	}
	if !waitForResponse {
		return rpc.Result{}, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	full := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, full); err != nil {
		return rpc.Result{}, fmt.Errorf("runtime: read header from %s: %w", addr, err)
	}
	need := int(binary.BigEndian.Uint32(full[4:8])) - 8
	if need > 0 {
		extra := make([]byte, need)
		if _, err := io.ReadFull(conn, extra); err != nil {
			return rpc.Result{}, fmt.Errorf("runtime: read payload from %s: %w", addr, err)
		}
		full = append(full, extra...)
	}
	h, respPayload, err := wire.DecodeHeader(full)
	if err != nil {
		return rpc.Result{}, fmt.Errorf("runtime: decode response from %s: %w", addr, err)
	}
	return rpc.Result{Payload: append([]byte(nil), respPayload...), ReturnCode: h.ReturnCode, IsError: h.Type == wire.Error}, nil
}

func (r *Runtime) ownUnicastEndpoint() (sd.EndpointAddr, error) {
	ep := r.serviceV4
	if ep == nil {
		ep = r.serviceV6
	}
	if ep == nil {
		return sd.EndpointAddr{}, fmt.Errorf("runtime: instance %q has no bound unicast endpoint", r.name)
	}
	return sd.EndpointAddr{IP: ep.Bound.IP, Port: ep.Bound.Port, Protocol: wire.ProtoUDP}, nil
}

// SubscribeEventgroup subscribes to eventgroupID of (serviceID,
// instanceID) and delivers acked, matching notifications to sink.
// eventIDs names every event id published under this eventgroup, so
// inbound notifications can be mapped back to it; the runtime has no
// other source for that membership once the subscriber is a different
// configuration instance than the publisher.
func (r *Runtime) SubscribeEventgroup(serviceID, instanceID, eventgroupID uint16, eventIDs []uint16, ttl uint32, sink dispatch.EventSink) error {
	subscriber, err := r.ownUnicastEndpoint()
	if err != nil {
		return err
	}
	for _, id := range eventIDs {
		r.dispatcher.RegisterEventgroupMembership(serviceID, id, eventgroupID)
	}
	r.dispatcher.RegisterEventSink(sd.SubscriptionKey{ServiceID: serviceID, EventgroupID: eventgroupID}, sink)
	return r.sdEngine.SubscribeEventgroup(serviceID, instanceID, eventgroupID, ttl, subscriber)
}

// UnsubscribeEventgroup withdraws a previously made subscription.
func (r *Runtime) UnsubscribeEventgroup(serviceID, instanceID, eventgroupID uint16) error {
	subscriber, err := r.ownUnicastEndpoint()
	if err != nil {
		return err
	}
	return r.sdEngine.UnsubscribeEventgroup(serviceID, instanceID, eventgroupID, subscriber)
}

// IsSubscriptionAcked reports whether (serviceID, eventgroupID) is
// currently acked.
func (r *Runtime) IsSubscriptionAcked(serviceID, eventgroupID uint16) bool {
	return r.sdEngine.IsSubscriptionAcked(serviceID, eventgroupID)
}

// DiscoverAll waits for the full timeout, collecting unsolicited offers
// observed during that window, and returns a snapshot of the
// remote-service table. Grounded on pkg/network.Network.Scan's
// "collect everything that answers within a bounded window" shape,
// adapted from an active multi-client SDO scan to a passive wait since
// SOME/IP service discovery is offer-driven rather than poll-driven.
func (r *Runtime) DiscoverAll(timeout time.Duration) map[sd.RemoteServiceKey]sd.RemoteService {
	<-time.After(timeout)
	return r.sdEngine.RemoteServices()
}

// Description is a snapshot of one running instance's state, returned
// by Describe.
type Description struct {
	Instance          string
	OfferedServices   []string
	RemoteServices    map[sd.RemoteServiceKey]sd.RemoteService
	PendingRequests   int
	PendingReassembly int
}

// Describe returns a point-in-time snapshot of the instance, the
// local-introspection analogue of an EDS-over-SDO self-description
// object: it lets an operator ask a running node what it is without
// touching its configuration file.
func (r *Runtime) Describe() Description {
	offered := make([]string, 0, len(r.inst.Providing))
	for alias := range r.inst.Providing {
		offered = append(offered, alias)
	}
	return Description{
		Instance:          r.name,
		OfferedServices:   offered,
		RemoteServices:    r.sdEngine.RemoteServices(),
		PendingRequests:   r.correlator.Pending(),
		PendingReassembly: r.reassembler.Pending(),
	}
}
