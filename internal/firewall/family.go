package firewall

import (
	"fmt"
	"strings"
)

// Family is an IP address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// Families lists every supported family in the order operations visit them.
var Families = []Family{IPv4, IPv6}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "v4"
	case IPv6:
		return "v6"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Valid reports whether f is IPv4 or IPv6.
func (f Family) Valid() bool {
	return f == IPv4 || f == IPv6
}

// ParseFamily accepts "v4", "ipv4", "4", "v6", "ipv6" and "6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v4", "ipv4", "4", "inet":
		return IPv4, nil
	case "v6", "ipv6", "6", "inet6":
		return IPv6, nil
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}
