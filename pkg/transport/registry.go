package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// DefaultMulticastHopLimit is used for SD multicast traffic when a
// Config does not override it (§6: "a configurable hop limit (default
// 1)").
const DefaultMulticastHopLimit = 1

// Registry binds configured endpoints at startup and exposes their
// bound identities by alias. Bind, Get, All and Close each hold the
// registry's lock while they touch the endpoint table.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *slog.Logger
}

// NewRegistry returns an empty Registry. A nil logger defaults to slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		logger:    logger.With("component", "transport"),
	}
}

// Bind binds one configured endpoint and registers it under its name.
// UDP binds apply SO_REUSEADDR (and SO_REUSEPORT where the platform
// defines it). TCP binds put the listener into accepting mode
// immediately. Multicast endpoints join their group on the named
// interface and configure the outbound interface and hop limit.
func (r *Registry) Bind(cfg Config) (*Endpoint, error) {
	iface, err := resolveInterface(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceUnknown, cfg.Interface, err)
	}

	var ep *Endpoint
	switch cfg.Protocol {
	case TCP:
		ep, err = r.bindTCP(cfg)
	default:
		ep, err = r.bindUDP(cfg, iface)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.endpoints[cfg.Name] = ep
	r.mu.Unlock()

	r.logger.Info("bound endpoint", "name", cfg.Name, "bound", ep.Bound.String(), "multicast", cfg.Multicast)
	return ep, nil
}

func (r *Registry) bindUDP(cfg Config, iface *net.Interface) (*Endpoint, error) {
	network := udpNetwork(cfg.Family)
	laddr := &net.UDPAddr{IP: cfg.IP, Port: int(cfg.Port)}
	if cfg.Multicast {
		// The listening socket binds to the wildcard address; the
		// multicast group is joined separately below.
		laddr = &net.UDPAddr{Port: int(cfg.Port)}
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	if err := applyReuseOptions(conn, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reuse options: %v", ErrBindFailed, err)
	}

	if cfg.Multicast {
		if err := joinMulticast(conn, cfg, iface); err != nil {
			conn.Close()
			return nil, err
		}
	}

	bound := conn.LocalAddr().(*net.UDPAddr)
	ip := cfg.IP
	if ip == nil {
		ip = bound.IP
	}
	return &Endpoint{
		Name:   cfg.Name,
		Config: cfg,
		Bound: BoundIdentity{
			IP:       ip,
			Port:     uint16(bound.Port),
			Family:   cfg.Family,
			Protocol: UDP,
		},
		udpConn: conn,
	}, nil
}

func (r *Registry) bindTCP(cfg Config) (*Endpoint, error) {
	network := tcpNetwork(cfg.Family)
	laddr := &net.TCPAddr{IP: cfg.IP, Port: int(cfg.Port)}

	l, err := net.ListenTCP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	fd := netfd.GetFdFromConn(l)
	if fd > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}

	bound := l.Addr().(*net.TCPAddr)
	ip := cfg.IP
	if ip == nil {
		ip = bound.IP
	}
	return &Endpoint{
		Name:   cfg.Name,
		Config: cfg,
		Bound: BoundIdentity{
			IP:       ip,
			Port:     uint16(bound.Port),
			Family:   cfg.Family,
			Protocol: TCP,
		},
		listener: l,
	}, nil
}

// applyReuseOptions recovers the raw file descriptor behind conn (bound
// via the standard net package) so golang.org/x/sys/unix socket options
// can be applied, the way pkg/can/socketcanv2 applies CAN_RAW options on
// top of a unix.Socket-created fd.
func applyReuseOptions(conn *net.UDPConn, cfg Config) error {
	fd := netfd.GetFdFromConn(conn)
	if fd <= 0 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if cfg.ReusePort {
		_ = setReusePort(fd)
	}
	return nil
}

func joinMulticast(conn *net.UDPConn, cfg Config, iface *net.Interface) error {
	group := &net.UDPAddr{IP: cfg.IP}
	hops := cfg.HopLimit
	if hops <= 0 {
		hops = DefaultMulticastHopLimit
	}

	if cfg.Family == IPv6 {
		p := ipv6.NewPacketConn(conn)
		if err := p.JoinGroup(iface, group); err != nil {
			return fmt.Errorf("%w: %v", ErrJoinFailed, err)
		}
		if err := p.SetMulticastInterface(iface); err != nil {
			return fmt.Errorf("%w: set outbound interface: %v", ErrJoinFailed, err)
		}
		if err := p.SetMulticastHopLimit(hops); err != nil {
			return fmt.Errorf("%w: set multicast hop limit: %v", ErrJoinFailed, err)
		}
		return nil
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(iface, group); err != nil {
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	if err := p.SetMulticastInterface(iface); err != nil {
		return fmt.Errorf("%w: set outbound interface: %v", ErrJoinFailed, err)
	}
	if err := p.SetMulticastTTL(hops); err != nil {
		return fmt.Errorf("%w: set multicast ttl: %v", ErrJoinFailed, err)
	}
	return nil
}

func resolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err == nil {
		return iface, nil
	}
	// Friendly-name fallback: some platforms expose adapters under a
	// display name distinct from the kernel ifname; fall back to a
	// linear scan for a case-insensitive match.
	ifaces, listErr := net.Interfaces()
	if listErr != nil {
		return nil, err
	}
	for _, candidate := range ifaces {
		if equalFold(candidate.Name, name) {
			c := candidate
			return &c, nil
		}
	}
	return nil, err
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func udpNetwork(f Family) string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

func tcpNetwork(f Family) string {
	if f == IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// Get returns the bound endpoint registered under name.
func (r *Registry) Get(name string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// All returns every bound endpoint, keyed by alias.
func (r *Registry) All() map[string]*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Endpoint, len(r.endpoints))
	for k, v := range r.endpoints {
		out[k] = v
	}
	return out
}

// Close closes every bound socket.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, ep := range r.endpoints {
		var err error
		if ep.udpConn != nil {
			err = ep.udpConn.Close()
		}
		if ep.listener != nil {
			err = ep.listener.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing endpoint %s: %w", name, err)
		}
	}
	r.endpoints = make(map[string]*Endpoint)
	return firstErr
}
