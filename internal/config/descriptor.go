package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v2"

	"grimm.is/warden/internal/firewall"
)

// Descriptor is one endpoint as an orchestrator describes it, covering
// both address families.
type Descriptor struct {
	ID        string             `yaml:"id"`
	Interface string             `yaml:"interface"`
	MAC       string             `yaml:"mac"`
	IPv4      []string           `yaml:"ipv4,omitempty"`
	IPv6      []string           `yaml:"ipv6,omitempty"`
	Inbound   []firewall.ACLRule `yaml:"inbound,omitempty"`
	Outbound  []firewall.ACLRule `yaml:"outbound,omitempty"`

	// Path is the file the descriptor was read from.
	Path string `yaml:"-"`
}

// ErrNoAddresses is returned for a descriptor with no local address at all.
var ErrNoAddresses = errors.New("descriptor has no ipv4 or ipv6 addresses")

// LoadDescriptor reads one YAML descriptor. Unknown keys are errors.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// ParseDescriptor decodes a descriptor from YAML.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return &d, nil
}

// LoadDescriptors reads every path in order.
func LoadDescriptors(paths ...string) ([]*Descriptor, error) {
	out := make([]*Descriptor, 0, len(paths))
	for _, p := range paths {
		d, err := LoadDescriptor(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadDescriptorDir reads every *.yaml and *.yml file in dir, sorted by
// name. Two files describing the same id are an error.
func LoadDescriptorDir(dir string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)

	descs, err := LoadDescriptors(paths...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, len(descs))
	for _, d := range descs {
		if prev, ok := seen[d.ID]; ok {
			return nil, fmt.Errorf("endpoint %q described by both %s and %s", d.ID, prev, d.Path)
		}
		seen[d.ID] = d.Path
	}
	return descs, nil
}

// KnownIDsByFamily returns, per family, the ids whose descriptors yield an
// endpoint in that family. A descriptor with no addresses in families keeps
// nothing. Any other descriptor that does not build keeps its id in every
// family; the returned error joins why each one failed.
func KnownIDsByFamily(descs []*Descriptor, families []firewall.Family) (map[firewall.Family]map[string]bool, error) {
	known := make(map[firewall.Family]map[string]bool, len(families))
	for _, f := range families {
		known[f] = make(map[string]bool)
	}
	var errs []error
	for _, d := range descs {
		eps, err := d.Endpoints(families)
		if errors.Is(err, ErrNoAddresses) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Path, err))
			for _, f := range families {
				known[f][d.ID] = true
			}
			continue
		}
		for _, e := range eps {
			known[e.Family][d.ID] = true
		}
	}
	return known, errors.Join(errs...)
}

// Endpoints builds one firewall endpoint per family the descriptor has
// addresses in, restricted to families. ACL rules are routed to the
// family of their CIDR. Rules whose CIDR does not parse, or whose family
// has no endpoint, go to the first endpoint, where SyncACLs reports and
// skips them.
func (d *Descriptor) Endpoints(families []firewall.Family) ([]*firewall.Endpoint, error) {
	if err := firewall.ValidateID(d.ID); err != nil {
		return nil, err
	}
	mac, err := net.ParseMAC(d.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %s: mac %q: %v", firewall.ErrInvalidEndpoint, d.ID, d.MAC, err)
	}

	byFamily := map[firewall.Family][]string{
		firewall.IPv4: d.IPv4,
		firewall.IPv6: d.IPv6,
	}
	var out []*firewall.Endpoint
	for _, f := range families {
		raw := byFamily[f]
		if len(raw) == 0 {
			continue
		}
		ips := make([]netip.Addr, 0, len(raw))
		for _, s := range raw {
			ip, err := netip.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("%w: endpoint %s: address %q: %v", firewall.ErrInvalidEndpoint, d.ID, s, err)
			}
			ips = append(ips, ip)
		}
		out = append(out, &firewall.Endpoint{
			ID:        d.ID,
			Interface: d.Interface,
			Family:    f,
			LocalIPs:  ips,
			MAC:       mac,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: endpoint %s: %w", firewall.ErrInvalidEndpoint, d.ID, ErrNoAddresses)
	}

	route := func(rules []firewall.ACLRule, assign func(*firewall.Endpoint, firewall.ACLRule)) {
		for _, r := range rules {
			target := out[0]
			if f, ok := cidrFamily(r.CIDR); ok {
				for _, e := range out {
					if e.Family == f {
						target = e
					}
				}
			}
			assign(target, r)
		}
	}
	route(d.Inbound, func(e *firewall.Endpoint, r firewall.ACLRule) { e.Inbound = append(e.Inbound, r) })
	route(d.Outbound, func(e *firewall.Endpoint, r firewall.ACLRule) { e.Outbound = append(e.Outbound, r) })

	for _, e := range out {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func cidrFamily(cidr string) (firewall.Family, bool) {
	var addr netip.Addr
	if p, err := netip.ParsePrefix(cidr); err == nil {
		addr = p.Addr()
	} else if a, err := netip.ParseAddr(cidr); err == nil {
		addr = a
	} else {
		return 0, false
	}
	if addr.Is4() {
		return firewall.IPv4, true
	}
	return firewall.IPv6, true
}
