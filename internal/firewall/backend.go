package firewall

import (
	"errors"
	"fmt"
)

// RulePosnLast asks InsertRule to append.
const RulePosnLast = -1

// PacketFilter is one address family's view of the kernel packet filter.
// Rule positions are 0-based.
type PacketFilter interface {
	Family() Family
	// Prime verifies that the given match and target extensions are usable
	// and keeps them loaded. It runs once before any rule is built.
	Prime(matches, targets []string) error
	ChainExists(table, chain string) (bool, error)
	ListChains(table string) ([]string, error)
	NewChain(table, chain string) error
	FlushChain(table, chain string) error
	DeleteChain(table, chain string) error
	ListRules(table, chain string) ([]Rule, error)
	InsertRule(table, chain string, pos int, r Rule) error
	DeleteRule(table, chain string, pos int) error
}

// SetKind is the member shape of an ipset.
type SetKind int

const (
	// SetKindAddr holds bare networks.
	SetKindAddr SetKind = iota
	// SetKindAddrPort holds network,protocol:port tuples.
	SetKindAddrPort
)

// TypeName is the ipset type implementing the kind.
func (k SetKind) TypeName() string {
	if k == SetKindAddrPort {
		return "hash:net,port"
	}
	return "hash:net"
}

func (k SetKind) String() string {
	if k == SetKindAddrPort {
		return "addr-port"
	}
	return "addr"
}

// ParseSetType maps an ipset type name back to a kind.
func ParseSetType(name string) (SetKind, error) {
	switch name {
	case "hash:net":
		return SetKindAddr, nil
	case "hash:net,port":
		return SetKindAddrPort, nil
	}
	return 0, fmt.Errorf("unsupported set type %q", name)
}

// SetStore is the kernel ipset store, shared by both families.
type SetStore interface {
	Exists(name string) (bool, error)
	List() ([]string, error)
	Create(name string, kind SetKind, family Family) error
	Destroy(name string) error
	// Add tolerates members that are already present.
	Add(name, member string) error
	Flush(name string) error
	// Swap atomically exchanges the contents of two sets of the same kind.
	Swap(a, b string) error
	Members(name string) ([]string, error)
}

// BulkAdder is implemented by stores that can stage many members in one call.
type BulkAdder interface {
	AddAll(name string, members []string) error
}

// SetDescriber is implemented by stores that can report a set's type.
type SetDescriber interface {
	Describe(name string) (SetKind, Family, error)
}

// Errors returned by the in-memory backends. The kernel refuses the same
// operations with its own messages.
var (
	ErrChainInUse     = errors.New("chain is referenced by a rule")
	ErrChainNotEmpty  = errors.New("chain is not empty")
	ErrChainNotFound  = errors.New("no such chain")
	ErrChainExists    = errors.New("chain already exists")
	ErrSetInUse       = errors.New("set is referenced by a rule")
	ErrSetNotFound    = errors.New("no such set")
	ErrSetExists      = errors.New("set already exists")
	ErrKindMismatch   = errors.New("sets have different types")
	ErrFamilyMismatch = errors.New("member does not belong to the set family")
	ErrBadPosition    = errors.New("rule position out of range")
)

// DispatchProbe selects how dispatch jumps are deduplicated.
type DispatchProbe string

const (
	// ProbePrecise dedup-inserts every dispatch rule by content.
	ProbePrecise DispatchProbe = "precise"
	// ProbeCoarse skips dispatch insertion when a cheap existence probe
	// finds an earlier install.
	ProbeCoarse DispatchProbe = "coarse"
)

// ParseDispatchProbe validates a configured probe mode.
func ParseDispatchProbe(s string) (DispatchProbe, error) {
	switch DispatchProbe(s) {
	case "", ProbePrecise:
		return ProbePrecise, nil
	case ProbeCoarse:
		return ProbeCoarse, nil
	}
	return "", fmt.Errorf("unknown dispatch probe %q (want precise or coarse)", s)
}

// Capabilities describe backend behaviour the compiler adapts to.
type Capabilities struct {
	DispatchProbe DispatchProbe
}
