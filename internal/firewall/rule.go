package firewall

import (
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// Standard targets. Any other target names a chain to jump to.
const (
	TargetReturn = "RETURN"
	TargetDrop   = "DROP"
	TargetAccept = "ACCEPT"
	TargetDNAT   = "DNAT"
)

// Set match directions.
const (
	SetSrc = "src"
	SetDst = "dst"
)

// Connection tracking states used by the compiler.
const (
	StateInvalid     = "INVALID"
	StateRelated     = "RELATED"
	StateEstablished = "ESTABLISHED"
)

// Rule is one packet-filter rule: a match predicate plus a target.
// Position is not part of a Rule; it is carried by the chain listing.
type Rule struct {
	Protocol     string
	Source       string
	Destination  string
	OutInterface string

	SourcePort int
	DestPort   int
	ICMPv6Type string

	CTStates []string

	MatchSet     string
	SetDirection string

	MACSource string

	PhysDevIn      string
	PhysDevOut     string
	PhysDevBridged bool

	Target        string
	ToDestination string

	// Extra holds listing tokens the parser does not model, in order.
	Extra []string
}

// Jumps reports whether the rule's target is chain.
func (r Rule) Jumps(chain string) bool {
	return r.Target == chain
}

var protocolAliases = map[string]string{
	"1":      "icmp",
	"6":      "tcp",
	"17":     "udp",
	"58":     "ipv6-icmp",
	"icmpv6": "ipv6-icmp",
	"icmp6":  "ipv6-icmp",
}

var icmpv6TypeNames = map[string]string{
	"destination-unreachable": "1",
	"packet-too-big":          "2",
	"time-exceeded":           "3",
	"parameter-problem":       "4",
	"echo-request":            "128",
	"echo-reply":              "129",
	"router-solicitation":     "133",
	"router-advertisement":    "134",
	"neighbour-solicitation":  "135",
	"neighbor-solicitation":   "135",
	"neighbour-advertisement": "136",
	"neighbor-advertisement":  "136",
	"redirect":                "137",
}

// Normalize returns the canonical form used for content comparison: host
// addresses carry an explicit prefix length, protocol aliases are folded,
// MACs are lower case and conntrack states sorted.
func (r Rule) Normalize() Rule {
	n := r
	n.Protocol = strings.ToLower(n.Protocol)
	if alias, ok := protocolAliases[n.Protocol]; ok {
		n.Protocol = alias
	}
	n.Source = canonicalPrefix(n.Source)
	n.Destination = canonicalPrefix(n.Destination)
	n.MACSource = strings.ToLower(n.MACSource)
	if name, ok := icmpv6TypeNames[strings.ToLower(n.ICMPv6Type)]; ok {
		n.ICMPv6Type = name
	}
	if len(n.CTStates) > 0 {
		var states []string
		for _, s := range n.CTStates {
			for _, part := range strings.Split(s, ",") {
				if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
					states = append(states, part)
				}
			}
		}
		slices.Sort(states)
		n.CTStates = slices.Compact(states)
	}
	if len(n.Extra) == 0 {
		n.Extra = nil
	}
	return n
}

func canonicalPrefix(s string) string {
	if s == "" {
		return s
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked().String()
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(a, a.BitLen()).String()
	}
	return s
}

// Equal reports whether two rules have the same match predicate and target,
// ignoring position and spelling differences.
func (r Rule) Equal(o Rule) bool {
	a, b := r.Normalize(), o.Normalize()
	return a.Protocol == b.Protocol &&
		a.Source == b.Source &&
		a.Destination == b.Destination &&
		a.OutInterface == b.OutInterface &&
		a.SourcePort == b.SourcePort &&
		a.DestPort == b.DestPort &&
		a.ICMPv6Type == b.ICMPv6Type &&
		slices.Equal(a.CTStates, b.CTStates) &&
		a.MatchSet == b.MatchSet &&
		a.SetDirection == b.SetDirection &&
		a.MACSource == b.MACSource &&
		a.PhysDevIn == b.PhysDevIn &&
		a.PhysDevOut == b.PhysDevOut &&
		a.PhysDevBridged == b.PhysDevBridged &&
		a.Target == b.Target &&
		a.ToDestination == b.ToDestination &&
		slices.Equal(a.Extra, b.Extra)
}

// Args renders the rule as iptables arguments following the chain name.
func (r Rule) Args() []string {
	var args []string
	if r.Source != "" {
		args = append(args, "-s", r.Source)
	}
	if r.Destination != "" {
		args = append(args, "-d", r.Destination)
	}
	if r.OutInterface != "" {
		args = append(args, "-o", r.OutInterface)
	}
	if r.Protocol != "" {
		args = append(args, "-p", r.Protocol)
	}
	if r.ICMPv6Type != "" {
		args = append(args, "-m", "icmp6", "--icmpv6-type", r.ICMPv6Type)
	}
	if r.SourcePort != 0 || r.DestPort != 0 {
		args = append(args, "-m", strings.ToLower(r.Protocol))
		if r.SourcePort != 0 {
			args = append(args, "--sport", strconv.Itoa(r.SourcePort))
		}
		if r.DestPort != 0 {
			args = append(args, "--dport", strconv.Itoa(r.DestPort))
		}
	}
	if len(r.CTStates) > 0 {
		args = append(args, "-m", "conntrack", "--ctstate", strings.Join(r.CTStates, ","))
	}
	if r.MatchSet != "" {
		args = append(args, "-m", "set", "--match-set", r.MatchSet, r.SetDirection)
	}
	if r.MACSource != "" {
		args = append(args, "-m", "mac", "--mac-source", r.MACSource)
	}
	if r.PhysDevIn != "" || r.PhysDevOut != "" || r.PhysDevBridged {
		args = append(args, "-m", "physdev")
		if r.PhysDevIn != "" {
			args = append(args, "--physdev-in", r.PhysDevIn)
		}
		if r.PhysDevOut != "" {
			args = append(args, "--physdev-out", r.PhysDevOut)
		}
		if r.PhysDevBridged {
			args = append(args, "--physdev-is-bridged")
		}
	}
	args = append(args, r.Extra...)
	if r.Target != "" {
		args = append(args, "-j", r.Target)
	}
	if r.ToDestination != "" {
		args = append(args, "--to-destination", r.ToDestination)
	}
	return args
}

// String renders the rule the way iptables -S prints it, minus the chain.
func (r Rule) String() string {
	args := r.Args()
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			args[i] = strconv.Quote(a)
		}
	}
	return strings.Join(args, " ")
}

// isMACAllow reports whether r has the shape of an anti-spoof allow rule:
// RETURN matching only a MAC and optionally a source address.
func isMACAllow(r Rule) bool {
	return r.Target == TargetReturn &&
		r.MACSource != "" &&
		r.Protocol == "" &&
		r.Destination == "" &&
		r.OutInterface == "" &&
		len(r.CTStates) == 0 &&
		r.MatchSet == "" &&
		r.PhysDevIn == "" &&
		r.PhysDevOut == "" &&
		!r.PhysDevBridged &&
		len(r.Extra) == 0
}
