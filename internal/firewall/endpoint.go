package firewall

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// ACLRule is one permit entry of an endpoint's inbound or outbound policy.
type ACLRule struct {
	CIDR     string `yaml:"cidr"`
	Protocol string `yaml:"protocol,omitempty"`
	Port     *int   `yaml:"port,omitempty"`
}

func (r ACLRule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{cidr:%q", r.CIDR)
	if r.Protocol != "" {
		fmt.Fprintf(&b, " protocol:%q", r.Protocol)
	}
	if r.Port != nil {
		fmt.Fprintf(&b, " port:%d", *r.Port)
	}
	b.WriteString("}")
	return b.String()
}

// Reasons an ACL rule is rejected.
var (
	ErrMissingCIDR         = errors.New("missing cidr")
	ErrPortWithoutProtocol = errors.New("port without protocol")
	ErrBadCIDR             = errors.New("unparseable cidr")
	ErrWrongFamily         = errors.New("cidr belongs to the other address family")
	ErrBadPort             = errors.New("port out of range")
	ErrBadProtocol         = errors.New("invalid protocol")
)

// EncodeMember renders r as an ipset member for family f and reports which
// kind of set it belongs in:
//
//	cidr                 no protocol, no port
//	cidr,protocol:0      protocol only
//	cidr,protocol:port   protocol and port
//
// The cidr is emitted as given; it is parsed only to validate it.
func EncodeMember(r ACLRule, f Family) (string, SetKind, error) {
	cidr := strings.TrimSpace(r.CIDR)
	if cidr == "" {
		return "", 0, ErrMissingCIDR
	}
	if r.Port != nil && r.Protocol == "" {
		return "", 0, ErrPortWithoutProtocol
	}
	addr, err := parseCIDRAddr(cidr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrBadCIDR, r.CIDR)
	}
	if addr.Is4() != (f == IPv4) {
		return "", 0, fmt.Errorf("%w: %q is not %s", ErrWrongFamily, r.CIDR, f)
	}

	if r.Protocol == "" {
		return cidr, SetKindAddr, nil
	}
	proto := strings.ToLower(strings.TrimSpace(r.Protocol))
	if proto == "" || strings.ContainsAny(proto, ",: \t") {
		return "", 0, fmt.Errorf("%w: %q", ErrBadProtocol, r.Protocol)
	}
	port := 0
	if r.Port != nil {
		if *r.Port < 0 || *r.Port > 65535 {
			return "", 0, fmt.Errorf("%w: %d", ErrBadPort, *r.Port)
		}
		port = *r.Port
	}
	return cidr + "," + proto + ":" + strconv.Itoa(port), SetKindAddrPort, nil
}

// parseCIDRAddr returns the address of a prefix or bare address.
func parseCIDRAddr(s string) (netip.Addr, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr(), nil
	}
	return netip.ParseAddr(s)
}

// Endpoint is one policy-controlled virtual interface in one family.
type Endpoint struct {
	ID        string
	Interface string
	Family    Family
	LocalIPs  []netip.Addr
	MAC       net.HardwareAddr
	Inbound   []ACLRule
	Outbound  []ACLRule
}

// Validate checks everything Compile needs before touching the backend.
func (e *Endpoint) Validate() error {
	if err := ValidateID(e.ID); err != nil {
		return err
	}
	if !e.Family.Valid() {
		return fmt.Errorf("%w: endpoint %s has no address family", ErrInvalidEndpoint, e.ID)
	}
	if e.Interface == "" || len(e.Interface) > 15 || strings.ContainsAny(e.Interface, " /\t") {
		return fmt.Errorf("%w: endpoint %s has bad interface name %q", ErrInvalidEndpoint, e.ID, e.Interface)
	}
	if len(e.MAC) != 6 {
		return fmt.Errorf("%w: endpoint %s needs a 6-byte MAC, got %q", ErrInvalidEndpoint, e.ID, e.MAC.String())
	}
	for _, ip := range e.LocalIPs {
		if !ip.IsValid() || ip.Unmap().Is4() != (e.Family == IPv4) {
			return fmt.Errorf("%w: endpoint %s address %s is not %s", ErrInvalidEndpoint, e.ID, ip, e.Family)
		}
	}
	return nil
}

// hostPrefixes returns the endpoint's addresses as host prefixes, sorted.
func (e *Endpoint) hostPrefixes() []string {
	out := make([]string, 0, len(e.LocalIPs))
	for _, ip := range e.LocalIPs {
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()).String())
	}
	slices.Sort(out)
	return slices.Compact(out)
}
