package firewall

import (
	"fmt"
	"net/netip"
)

// MetadataRedirect describes the v4 DNAT that sends instance metadata
// requests to a local proxy.
type MetadataRedirect struct {
	Address    string // destination to intercept, e.g. 169.254.169.254
	Port       int    // destination TCP port
	RedirectTo string // ip:port the request is sent to
}

// DefaultMetadataRedirect is the redirect installed when none is configured.
func DefaultMetadataRedirect() MetadataRedirect {
	return MetadataRedirect{
		Address:    "169.254.169.254",
		Port:       80,
		RedirectTo: "127.0.0.1:9697",
	}
}

// Validate checks that the redirect can be rendered as a v4 DNAT rule.
func (m MetadataRedirect) Validate() error {
	addr, err := netip.ParseAddr(m.Address)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("metadata address %q is not an IPv4 address", m.Address)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("metadata port %d out of range", m.Port)
	}
	to, err := netip.ParseAddrPort(m.RedirectTo)
	if err != nil || !to.Addr().Is4() {
		return fmt.Errorf("metadata redirect target %q is not an IPv4 ip:port", m.RedirectTo)
	}
	return nil
}

// dialect holds everything that differs between the two address families.
// Operations pick one dialect per call and never branch on Family again.
type dialect interface {
	Family() Family
	// Tag prefixes every set name of the family.
	Tag() string
	// SetFamily is the ipset "family" argument.
	SetFamily() string
	// HostBits is the prefix length of a single address.
	HostBits() int
	// ToPreamble are the rules placed before the common to-chain rules.
	ToPreamble() []Rule
	// FromPreamble are the rules placed before the common from-chain rules.
	FromPreamble() []Rule
	// FromGuards follow the conntrack rules in the from-chain.
	FromGuards() []Rule
	// RedirectRule returns the metadata DNAT rule, if the family has one.
	RedirectRule(m MetadataRedirect) (Rule, bool)
	// Extensions lists the match and target extensions rules of this
	// family rely on.
	Extensions() (matches, targets []string)
}

func dialectFor(f Family) dialect {
	if f == IPv6 {
		return dialect6{}
	}
	return dialect4{}
}

var commonMatches = []string{"conntrack", "tcp", "udp", "mac", "physdev", "set"}

type dialect4 struct{}

func (dialect4) Family() Family       { return IPv4 }
func (dialect4) Tag() string          { return "" }
func (dialect4) SetFamily() string    { return "inet" }
func (dialect4) HostBits() int        { return 32 }
func (dialect4) ToPreamble() []Rule   { return nil }
func (dialect4) FromPreamble() []Rule { return nil }

// FromGuards drops DHCP replies sourced by the endpoint so it cannot act as
// a DHCP server.
func (dialect4) FromGuards() []Rule {
	return []Rule{{Protocol: "udp", SourcePort: 67, DestPort: 68, Target: TargetDrop}}
}

func (dialect4) RedirectRule(m MetadataRedirect) (Rule, bool) {
	return Rule{
		Destination:   m.Address + "/32",
		Protocol:      "tcp",
		DestPort:      m.Port,
		Target:        TargetDNAT,
		ToDestination: m.RedirectTo,
	}, true
}

func (dialect4) Extensions() (matches, targets []string) {
	return commonMatches, []string{TargetDNAT}
}

type dialect6 struct{}

// icmpv6Passthrough are multicast listener and neighbour discovery types
// that the to-chain must always let through.
var icmpv6Passthrough = []string{"130", "131", "132", "134", "135", "136"}

func (dialect6) Family() Family     { return IPv6 }
func (dialect6) Tag() string        { return "6-" }
func (dialect6) SetFamily() string  { return "inet6" }
func (dialect6) HostBits() int      { return 128 }
func (dialect6) FromGuards() []Rule { return nil }

func (dialect6) ToPreamble() []Rule {
	rules := make([]Rule, 0, len(icmpv6Passthrough))
	for _, t := range icmpv6Passthrough {
		rules = append(rules, Rule{Protocol: "ipv6-icmp", ICMPv6Type: t, Target: TargetReturn})
	}
	return rules
}

func (dialect6) FromPreamble() []Rule {
	return []Rule{{Protocol: "ipv6-icmp", Target: TargetReturn}}
}

func (dialect6) RedirectRule(MetadataRedirect) (Rule, bool) {
	return Rule{}, false
}

func (dialect6) Extensions() (matches, targets []string) {
	return append([]string{"icmp6"}, commonMatches...), nil
}
