package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure Load can return.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type endpointTuple struct {
	ip       string
	port     uint16
	protocol string
}

type endpointRef struct {
	iface string
	alias string
}

// validate enforces the §6 mandatory configuration invariants.
func validate(doc Document) error {
	if err := validateAliasesExist(doc); err != nil {
		return err
	}
	if err := validateSDPortsNonZero(doc); err != nil {
		return err
	}
	if err := validateProvidingUniqueness(doc); err != nil {
		return err
	}
	if err := validateEndpointUniqueness(doc); err != nil {
		return err
	}
	return nil
}

func validateAliasesExist(doc Document) error {
	for instName, inst := range doc.Instances {
		for alias, svc := range inst.Providing {
			for ifaceName, epAlias := range svc.OfferOn {
				iface, ok := doc.Interfaces[ifaceName]
				if !ok {
					return fmt.Errorf("%w: instance %q providing %q: offer_on references unknown interface %q", ErrInvalidConfig, instName, alias, ifaceName)
				}
				if _, ok := iface.Endpoints[epAlias]; !ok {
					return fmt.Errorf("%w: instance %q providing %q: endpoint alias %q not found on interface %q", ErrInvalidConfig, instName, alias, epAlias, ifaceName)
				}
			}
		}
		for alias, svc := range inst.Required {
			for _, ifaceName := range svc.FindOn {
				if _, ok := doc.Interfaces[ifaceName]; !ok {
					return fmt.Errorf("%w: instance %q required %q: find_on references unknown interface %q", ErrInvalidConfig, instName, alias, ifaceName)
				}
			}
		}
		for ifaceName, epAlias := range inst.UnicastBind {
			iface, ok := doc.Interfaces[ifaceName]
			if !ok {
				return fmt.Errorf("%w: instance %q: unicast_bind references unknown interface %q", ErrInvalidConfig, instName, ifaceName)
			}
			if _, ok := iface.Endpoints[epAlias]; !ok {
				return fmt.Errorf("%w: instance %q: unicast_bind endpoint alias %q not found on interface %q", ErrInvalidConfig, instName, epAlias, ifaceName)
			}
		}
	}
	for ifaceName, iface := range doc.Interfaces {
		if iface.SD.V4 != "" {
			if _, ok := iface.Endpoints[iface.SD.V4]; !ok {
				return fmt.Errorf("%w: interface %q: sd.v4 references unknown endpoint alias %q", ErrInvalidConfig, ifaceName, iface.SD.V4)
			}
		}
		if iface.SD.V6 != "" {
			if _, ok := iface.Endpoints[iface.SD.V6]; !ok {
				return fmt.Errorf("%w: interface %q: sd.v6 references unknown endpoint alias %q", ErrInvalidConfig, ifaceName, iface.SD.V6)
			}
		}
	}
	return nil
}

func validateSDPortsNonZero(doc Document) error {
	for ifaceName, iface := range doc.Interfaces {
		for _, alias := range []string{iface.SD.V4, iface.SD.V6} {
			if alias == "" {
				continue
			}
			ep := iface.Endpoints[alias]
			if ep.Port == 0 {
				return fmt.Errorf("%w: interface %q: SD endpoint %q has a zero port", ErrInvalidConfig, ifaceName, alias)
			}
		}
	}
	return nil
}

func validateProvidingUniqueness(doc Document) error {
	type identity struct {
		serviceID, instanceID uint16
		majorVersion          uint8
	}
	seen := make(map[identity]string)
	for instName, inst := range doc.Instances {
		for alias, svc := range inst.Providing {
			id := identity{svc.ServiceID, svc.InstanceID, svc.MajorVersion}
			if owner, ok := seen[id]; ok {
				return fmt.Errorf("%w: providing entry (service=%d, instance=%d, major=%d) declared by both %q and %q/%q",
					ErrInvalidConfig, id.serviceID, id.instanceID, id.majorVersion, owner, instName, alias)
			}
			seen[id] = fmt.Sprintf("%s/%s", instName, alias)
		}
	}
	return nil
}

func validateEndpointUniqueness(doc Document) error {
	sdAliases := make(map[endpointRef]bool)
	for ifaceName, iface := range doc.Interfaces {
		if iface.SD.V4 != "" {
			sdAliases[endpointRef{ifaceName, iface.SD.V4}] = true
		}
		if iface.SD.V6 != "" {
			sdAliases[endpointRef{ifaceName, iface.SD.V6}] = true
		}
	}

	tuples := make(map[endpointTuple][]endpointRef)
	for ifaceName, iface := range doc.Interfaces {
		for alias, ep := range iface.Endpoints {
			t := endpointTuple{ip: ep.IP, port: ep.Port, protocol: ep.Protocol}
			tuples[t] = append(tuples[t], endpointRef{ifaceName, alias})
		}
	}
	for t, refs := range tuples {
		if len(refs) <= 1 {
			continue
		}
		allSD := true
		for _, ref := range refs {
			if !sdAliases[ref] {
				allSD = false
				break
			}
		}
		if !allSD {
			return fmt.Errorf("%w: endpoints %v all bind (ip=%s, port=%d, protocol=%s) without SD-control-plane reuse",
				ErrInvalidConfig, refs, t.ip, t.port, t.protocol)
		}
	}
	return nil
}
