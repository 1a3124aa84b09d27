package firewall

import (
	"errors"
	"fmt"
	"regexp"
)

// Tables used by the compiler.
const (
	TableFilter = "filter"
	TableNAT    = "nat"
)

// Built-in chains the dispatch chains hang off.
const (
	ChainInput      = "INPUT"
	ChainForward    = "FORWARD"
	ChainPrerouting = "PREROUTING"
)

// Host-wide chains. These names are shared with every other agent that
// inspects the host and must not change.
const (
	ChainPreroutingRedirect = "PREROUTING-redirect"
	ChainInputDispatch      = "INPUT-dispatch"
	ChainForwardDispatch    = "FORWARD-dispatch"

	ChainToPrefix   = "to-"
	ChainFromPrefix = "from-"
)

// Set name stems, prefixed by the family tag.
const (
	setToAddr   = "to-addr-"
	setToPort   = "to-port-"
	setFromAddr = "from-addr-"
	setFromPort = "from-port-"
	setTmpAddr  = "tmp-addr"
	setTmpPort  = "tmp-port"
)

// maxSetName is the kernel's IPSET_MAXNAMELEN minus the terminating NUL.
const maxSetName = 31

var (
	// ErrInvalidEndpoint is returned when an endpoint descriptor cannot be compiled.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrNameTooLong is returned when a derived set name exceeds the kernel limit.
	ErrNameTooLong = errors.New("name too long")
)

var validIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Names are the backend object names for one (endpoint, family).
type Names struct {
	ToChain   string
	FromChain string
	ToAddr    string
	ToPort    string
	FromAddr  string
	FromPort  string
}

// NamesFor derives the chain and set names of endpoint id in family f.
func NamesFor(id string, f Family) Names {
	tag := dialectFor(f).Tag()
	return Names{
		ToChain:   ChainToPrefix + id,
		FromChain: ChainFromPrefix + id,
		ToAddr:    tag + setToAddr + id,
		ToPort:    tag + setToPort + id,
		FromAddr:  tag + setFromAddr + id,
		FromPort:  tag + setFromPort + id,
	}
}

// ScratchSets returns the shared staging pair of family f.
func ScratchSets(f Family) (addr, port string) {
	tag := dialectFor(f).Tag()
	return tag + setTmpAddr, tag + setTmpPort
}

// ToPortSetPrefix is the set name prefix Discovery scans for.
func ToPortSetPrefix(f Family) string {
	return dialectFor(f).Tag() + setToPort
}

// ValidateID checks that id is usable in every derived chain and set name.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEndpoint)
	}
	if !validIDRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q contains characters outside [A-Za-z0-9_.-]", ErrInvalidEndpoint, id)
	}
	// The longest derived name is the v6 from-port set.
	longest := NamesFor(id, IPv6).FromPort
	if len(longest) > maxSetName {
		return fmt.Errorf("%w: id %q gives set name %q longer than %d bytes", ErrNameTooLong, id, longest, maxSetName)
	}
	return nil
}
