// Package transport owns the mapping from configured endpoint names to
// bound sockets (IPv4/IPv6, UDP/TCP) and tracks ephemeral-port
// resolution. Shaped like the bus binding idiom found in
// pkg/can/socketcanv2.NewBus: resolve interface by name, open socket,
// set socket options, bind) generalized from a single CAN_RAW socket per
// channel to per-alias UDP/TCP endpoints with multicast support.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// Family distinguishes IPv4 from IPv6 endpoints. Dual-stack sockets are
// never used; each family gets its own socket.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Protocol is the transport-layer protocol of an endpoint.
type Protocol int

const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	if p == TCP {
		return "tcp"
	}
	return "udp"
}

// Config describes an endpoint as configured, before binding. Port 0
// means "bind ephemeral".
type Config struct {
	Name       string
	Interface  string // network interface name, required for multicast endpoints
	IP         net.IP
	Port       uint16
	Family     Family
	Protocol   Protocol
	Multicast  bool
	HopLimit   int // outbound multicast hop/TTL limit; 0 means "use Registry default"
	ReusePort  bool
}

var (
	// ErrBindFailed covers address-in-use and permission failures at bind time.
	ErrBindFailed = errors.New("transport: bind failed")
	// ErrInterfaceUnknown is returned when a configured interface name does not resolve.
	ErrInterfaceUnknown = errors.New("transport: interface unknown")
	// ErrJoinFailed is returned when a multicast group cannot be joined on the requested interface.
	ErrJoinFailed = errors.New("transport: multicast join failed")
	// ErrUnknownEndpoint is returned by Registry lookups for an alias that was never bound.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
)

// BoundIdentity is the resolved (ip, port) an endpoint is reachable at
// after binding — the kernel may have assigned the port if Config.Port
// was 0. This identity, never the configured one, must appear in every
// outbound Offer and every logged address.
type BoundIdentity struct {
	IP       net.IP
	Port     uint16
	Family   Family
	Protocol Protocol
}

func (b BoundIdentity) String() string {
	return fmt.Sprintf("%s:%d/%s", b.IP, b.Port, b.Protocol)
}

// Endpoint is a bound network endpoint: its configured identity, its
// resolved bound identity, and the live socket handle(s) backing it.
type Endpoint struct {
	Name   string
	Config Config
	Bound  BoundIdentity

	udpConn  *net.UDPConn
	listener *net.TCPListener
}

// UDPConn returns the bound UDP socket, or nil if this endpoint is TCP.
func (e *Endpoint) UDPConn() *net.UDPConn { return e.udpConn }

// Listener returns the bound TCP listener, or nil if this endpoint is UDP.
func (e *Endpoint) Listener() *net.TCPListener { return e.listener }
