//go:build linux

package firewall

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var protoNumbers = map[string]uint8{
	"tcp":     unix.IPPROTO_TCP,
	"udp":     unix.IPPROTO_UDP,
	"sctp":    unix.IPPROTO_SCTP,
	"udplite": unix.IPPROTO_UDPLITE,
	"icmp":    unix.IPPROTO_ICMP,
	"icmpv6":  unix.IPPROTO_ICMPV6,
}

// netlinkSets is a SetStore that talks to the kernel ipset subsystem over
// netlink instead of forking the ipset tool.
type netlinkSets struct{}

// OpenNetlinkSets returns the netlink SetStore.
func OpenNetlinkSets() (SetStore, error) {
	return netlinkSets{}, nil
}

func (netlinkSets) List() ([]string, error) {
	results, err := netlink.IpsetListAll()
	if err != nil {
		return nil, fmt.Errorf("ipset list: %w", err)
	}
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.SetName)
	}
	slices.Sort(names)
	return names, nil
}

func (n netlinkSets) Exists(name string) (bool, error) {
	names, err := n.List()
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

func (netlinkSets) Describe(name string) (SetKind, Family, error) {
	res, err := netlink.IpsetList(name)
	if err != nil {
		return 0, 0, fmt.Errorf("ipset list %s: %w", name, err)
	}
	kind, err := ParseSetType(res.TypeName)
	if err != nil {
		return 0, 0, err
	}
	family := IPv4
	if res.Family == unix.AF_INET6 {
		family = IPv6
	}
	return kind, family, nil
}

func (netlinkSets) Create(name string, kind SetKind, family Family) error {
	if err := checkSetName(name); err != nil {
		return err
	}
	af := uint8(unix.AF_INET)
	if family == IPv6 {
		af = unix.AF_INET6
	}
	err := netlink.IpsetCreate(name, kind.TypeName(), netlink.IpsetCreateOptions{
		Replace: true,
		Family:  af,
	})
	if err != nil {
		return fmt.Errorf("ipset create %s: %w", name, err)
	}
	return nil
}

func (netlinkSets) Destroy(name string) error {
	if err := netlink.IpsetDestroy(name); err != nil {
		return fmt.Errorf("ipset destroy %s: %w", name, err)
	}
	return nil
}

func (netlinkSets) Add(name, member string) error {
	entry, err := memberToEntry(member)
	if err != nil {
		return err
	}
	if err := netlink.IpsetAdd(name, entry); err != nil {
		return fmt.Errorf("ipset add %s %s: %w", name, member, err)
	}
	return nil
}

func (netlinkSets) Flush(name string) error {
	if err := netlink.IpsetFlush(name); err != nil {
		return fmt.Errorf("ipset flush %s: %w", name, err)
	}
	return nil
}

func (netlinkSets) Swap(a, b string) error {
	if err := netlink.IpsetSwap(a, b); err != nil {
		return fmt.Errorf("ipset swap %s %s: %w", a, b, err)
	}
	return nil
}

func (netlinkSets) Members(name string) ([]string, error) {
	res, err := netlink.IpsetList(name)
	if err != nil {
		return nil, fmt.Errorf("ipset list %s: %w", name, err)
	}
	members := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		members = append(members, entryToMember(e))
	}
	return members, nil
}

// memberToEntry converts "cidr[,proto:port]" into a netlink entry.
func memberToEntry(member string) (*netlink.IPSetEntry, error) {
	addr, rest, hasPort := strings.Cut(member, ",")
	prefix, err := netip.ParsePrefix(addr)
	if err != nil {
		a, aerr := netip.ParseAddr(addr)
		if aerr != nil {
			return nil, fmt.Errorf("bad member address %q", addr)
		}
		prefix = netip.PrefixFrom(a, a.BitLen())
	}
	entry := &netlink.IPSetEntry{
		IP:      net.IP(prefix.Addr().AsSlice()),
		CIDR:    uint8(prefix.Bits()),
		Replace: true,
	}
	if !hasPort {
		return entry, nil
	}
	protoName, portStr, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("bad member %q: want proto:port", member)
	}
	proto, ok := protoNumbers[strings.ToLower(protoName)]
	if !ok {
		n, err := strconv.ParseUint(protoName, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("unknown protocol %q", protoName)
		}
		proto = uint8(n)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad port %q", portStr)
	}
	p := uint16(port)
	entry.Protocol = &proto
	entry.Port = &p
	return entry, nil
}

// entryToMember renders a netlink entry in ipset save syntax.
func entryToMember(e netlink.IPSetEntry) string {
	var b strings.Builder
	b.WriteString(e.IP.String())
	b.WriteString("/")
	b.WriteString(strconv.Itoa(int(e.CIDR)))
	if e.Protocol != nil {
		name := strconv.Itoa(int(*e.Protocol))
		for n, num := range protoNumbers {
			if num == *e.Protocol {
				name = n
				break
			}
		}
		port := 0
		if e.Port != nil {
			port = int(*e.Port)
		}
		fmt.Fprintf(&b, ",%s:%d", name, port)
	}
	return b.String()
}
