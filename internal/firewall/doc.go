// Package firewall compiles per-endpoint isolation policy into iptables
// chains and ipsets, and keeps the kernel state converged on it.
//
// # Overview
//
// Every endpoint (a container or VM interface) gets, per address family, a
// to-chain for traffic destined to it and a from-chain for traffic it
// sends. Host-wide dispatch chains route bridged traffic into them. ACL
// rules are not compiled into rules at all: they are published into four
// ipsets per endpoint that the chains match on.
//
//	INPUT   -> INPUT-dispatch   -> from-<id>
//	FORWARD -> FORWARD-dispatch -> from-<id> / to-<id>
//	PREROUTING (nat, v4) -> PREROUTING-redirect  (metadata DNAT)
//
// # Convergence
//
// The kernel offers no transactions. Every operation is instead written so
// that running it again converges on the same state:
//
//   - chains and sets are created only when absent ([EnsureChain], [EnsureSet])
//   - rules are inserted only when no equal rule exists ([InsertRule])
//   - removals rescan the chain after every delete until nothing matches
//
// The one step that needs atomicity, replacing a set's members, is staged
// in a scratch set and swapped in.
//
// # Key Types
//
//   - [Manager]: binds packet filters, a set store, logging and metrics
//   - [PacketFilter]: per-family backend, see [IPTables] and [MemoryFilter]
//   - [SetStore]: ipset backend, see [IPSet], [OpenNetlinkSets] and [MemorySets]
//   - [Endpoint], [ACLRule]: the descriptor consumed by [Manager.Compile]
//     and [Manager.SyncACLs]
//
// # Example
//
//	m, err := firewall.NewManager(firewall.NewIPSet(), firewall.Options{},
//		firewall.NewIPTables(firewall.IPv4, 5), firewall.NewIPTables(firewall.IPv6, 5))
//	if err != nil {
//		return err
//	}
//	if err := m.Prime(); err != nil {
//		return err
//	}
//	if err := m.InstallBaseline(); err != nil {
//		return err
//	}
//	if err := m.Compile(ep); err != nil {
//		return err
//	}
//	return m.SyncACLs(ep)
package firewall
