// Package config loads and validates the JSON topology document
// described in §6: interfaces/endpoints/instances, SD timing overrides,
// and providing/required service tables. Shaped like
// pkg/config.NodeConfigurator (a small object wrapping parsed
// data behind typed accessor methods) generalized from an SDO-backed
// object-dictionary view to a JSON-document-backed topology view, since
// no EDS/INI description format in the retrieved corpus fits a
// multi-interface IP topology document — see DESIGN.md for why
// encoding/json, not a third-party library, is used here.
package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// EndpointConfig is one named endpoint on an interface.
type EndpointConfig struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Version  int    `json:"version"`  // 4 or 6
	Protocol string `json:"protocol"` // "udp" or "tcp"
}

// SDBinding names the endpoint alias used as the IPv4/IPv6 SD multicast
// group on an interface.
type SDBinding struct {
	V4 string `json:"v4,omitempty"`
	V6 string `json:"v6,omitempty"`
}

// InterfaceConfig is one named network interface and its endpoints.
type InterfaceConfig struct {
	Endpoints map[string]EndpointConfig `json:"endpoints"`
	SD        SDBinding                 `json:"sd"`
}

// Eventgroup describes one published eventgroup of a providing service.
type Eventgroup struct {
	EventgroupID uint16   `json:"eventgroup_id"`
	EventIDs     []uint16 `json:"event_ids"`
	Multicast    string   `json:"multicast,omitempty"` // optional endpoint alias
}

// ProvidingService is one service an instance offers.
type ProvidingService struct {
	ServiceID    uint16                `json:"service_id"`
	InstanceID   uint16                `json:"instance_id"`
	MajorVersion uint8                 `json:"major_version"`
	MinorVersion uint32                `json:"minor_version"`
	OfferOn      map[string]string     `json:"offer_on"` // interface -> endpoint alias
	Eventgroups  []Eventgroup          `json:"eventgroups,omitempty"`
}

// RequiredService is one service an instance consumes.
type RequiredService struct {
	ServiceID    uint16   `json:"service_id"`
	InstanceID   uint16   `json:"instance_id"`
	MajorVersion uint8    `json:"major_version"`
	FindOn       []string `json:"find_on"`
	StaticIP     string   `json:"static_ip,omitempty"`
	StaticPort   uint16   `json:"static_port,omitempty"`
}

// SDOverrides overrides the default SD timing for an instance.
type SDOverrides struct {
	CycleOfferMs     int `json:"cycle_offer_ms,omitempty"`
	RequestTimeoutMs int `json:"request_timeout_ms,omitempty"`
	MulticastHops    int `json:"multicast_hops,omitempty"`
}

// InstanceConfig is one node's providing/required service tables.
type InstanceConfig struct {
	Providing    map[string]ProvidingService `json:"providing,omitempty"`
	Required     map[string]RequiredService  `json:"required,omitempty"`
	UnicastBind  map[string]string           `json:"unicast_bind"` // interface -> endpoint alias
	SD           SDOverrides                 `json:"sd,omitempty"`
}

// Document is the top-level JSON document shape.
type Document struct {
	Interfaces map[string]InterfaceConfig `json:"interfaces"`
	Instances  map[string]InstanceConfig  `json:"instances"`
}

// Config is the fully resolved, immutable configuration returned by
// Load. Unexported fields prevent callers from mutating it after the
// §6 mandatory invariants have been checked.
type Config struct {
	doc Document
}

// Document returns the parsed document. The returned value is a copy of
// the maps' headers, but callers must not mutate nested maps/slices.
func (c *Config) Document() Document {
	return c.doc
}

// Interface returns the named interface's configuration.
func (c *Config) Interface(name string) (InterfaceConfig, bool) {
	iface, ok := c.doc.Interfaces[name]
	return iface, ok
}

// Instance returns the named instance's configuration.
func (c *Config) Instance(name string) (InstanceConfig, bool) {
	inst, ok := c.doc.Instances[name]
	return inst, ok
}

// Endpoint resolves an (interface, alias) pair to its endpoint config.
func (c *Config) Endpoint(iface, alias string) (EndpointConfig, bool) {
	i, ok := c.doc.Interfaces[iface]
	if !ok {
		return EndpointConfig{}, false
	}
	ep, ok := i.Endpoints[alias]
	return ep, ok
}

// Load parses and validates a configuration document from r, returning
// a resolved, immutable *Config or the first validation error found.
func Load(r io.Reader) (*Config, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	return &Config{doc: doc}, nil
}
