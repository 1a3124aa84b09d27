package firewall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFilter_Refusals(t *testing.T) {
	sets := NewMemorySets()
	pf := NewMemoryFilter(IPv4)
	sets.LinkFilters(pf)

	require.NoError(t, pf.NewChain(TableFilter, "to-e1"))
	assert.ErrorIs(t, pf.NewChain(TableFilter, "to-e1"), ErrChainExists)

	err := pf.InsertRule(TableFilter, ChainForward, 0, Rule{Target: "missing"})
	assert.ErrorIs(t, err, ErrChainNotFound, "jump to a missing chain")

	err = pf.InsertRule(TableFilter, "to-e1", 0, Rule{MatchSet: "to-port-e1", SetDirection: SetSrc, Target: TargetReturn})
	assert.ErrorIs(t, err, ErrSetNotFound, "match on a missing set")

	err = pf.InsertRule(TableFilter, "to-e1", 3, Rule{Target: TargetDrop})
	assert.ErrorIs(t, err, ErrBadPosition)
	assert.ErrorIs(t, pf.DeleteRule(TableFilter, "to-e1", 0), ErrBadPosition)

	require.NoError(t, pf.InsertRule(TableFilter, ChainForward, 0, Rule{OutInterface: "tap-e1", Target: "to-e1"}))
	assert.ErrorIs(t, pf.DeleteChain(TableFilter, "to-e1"), ErrChainInUse)

	require.NoError(t, pf.DeleteRule(TableFilter, ChainForward, 0))
	require.NoError(t, pf.InsertRule(TableFilter, "to-e1", 0, Rule{Target: TargetDrop}))
	assert.ErrorIs(t, pf.DeleteChain(TableFilter, "to-e1"), ErrChainNotEmpty)

	require.NoError(t, pf.FlushChain(TableFilter, "to-e1"))
	require.NoError(t, pf.DeleteChain(TableFilter, "to-e1"))
	assert.Error(t, pf.DeleteChain(TableFilter, ChainForward), "built-in chain")

	_, err = pf.ListRules("mangle", ChainForward)
	assert.Error(t, err)
}

func TestMemorySets_Refusals(t *testing.T) {
	sets := NewMemorySets()
	pf := NewMemoryFilter(IPv4)
	sets.LinkFilters(pf)

	require.NoError(t, sets.Create("to-addr-e1", SetKindAddr, IPv4))
	require.NoError(t, sets.Create("to-port-e1", SetKindAddrPort, IPv4))
	require.NoError(t, sets.Create("6-to-addr-e1", SetKindAddr, IPv6))
	assert.ErrorIs(t, sets.Create("to-addr-e1", SetKindAddr, IPv4), ErrSetExists)

	assert.ErrorIs(t, sets.Swap("to-addr-e1", "to-port-e1"), ErrKindMismatch)
	assert.ErrorIs(t, sets.Swap("to-addr-e1", "6-to-addr-e1"), ErrKindMismatch)
	assert.ErrorIs(t, sets.Swap("to-addr-e1", "nope"), ErrSetNotFound)

	assert.Error(t, sets.Add("to-addr-e1", "10.0.0.0/8,tcp:80"), "port member in addr set")
	assert.Error(t, sets.Add("to-port-e1", "10.0.0.0/8"), "addr member in port set")
	assert.ErrorIs(t, sets.Add("to-addr-e1", "2001:db8::/32"), ErrFamilyMismatch)
	assert.Error(t, sets.Add("to-port-e1", "10.0.0.0/8,tcp:99999"))
	require.NoError(t, sets.Add("to-addr-e1", "10.0.0.0/8"))
	require.NoError(t, sets.Add("to-addr-e1", "10.0.0.0/8"))

	require.NoError(t, pf.NewChain(TableFilter, "to-e1"))
	require.NoError(t, pf.InsertRule(TableFilter, "to-e1", 0, Rule{MatchSet: "to-addr-e1", SetDirection: SetSrc, Target: TargetReturn}))
	assert.ErrorIs(t, sets.Destroy("to-addr-e1"), ErrSetInUse)

	require.NoError(t, pf.FlushChain(TableFilter, "to-e1"))
	require.NoError(t, sets.Destroy("to-addr-e1"))
	assert.ErrorIs(t, sets.Destroy("to-addr-e1"), ErrSetNotFound)
}

func TestMemorySets_StoresKernelForm(t *testing.T) {
	sets := NewMemorySets()
	require.NoError(t, sets.Create("to-addr-e1", SetKindAddr, IPv4))
	require.NoError(t, sets.Create("to-port-e1", SetKindAddrPort, IPv4))
	require.NoError(t, sets.Create("6-to-addr-e1", SetKindAddr, IPv6))

	require.NoError(t, sets.AddAll("to-addr-e1", []string{"10.0.0.5/32", "10.0.0.5", "10.1.2.3/16"}))
	require.NoError(t, sets.Add("to-port-e1", "10.0.0.9/32,tcp:22"))
	require.NoError(t, sets.Add("6-to-addr-e1", "2001:db8::1/128"))

	assert.Equal(t, []string{"10.0.0.5", "10.1.0.0/16"}, members(t, sets, "to-addr-e1"))
	assert.Equal(t, []string{"10.0.0.9,tcp:22"}, members(t, sets, "to-port-e1"))
	assert.Equal(t, []string{"2001:db8::1"}, members(t, sets, "6-to-addr-e1"))
}

func TestMemorySets_Swap(t *testing.T) {
	sets := NewMemorySets()
	require.NoError(t, sets.Create("tmp-addr", SetKindAddr, IPv4))
	require.NoError(t, sets.Create("to-addr-e1", SetKindAddr, IPv4))
	require.NoError(t, sets.AddAll("to-addr-e1", []string{"10.1.0.0/16"}))
	require.NoError(t, sets.AddAll("tmp-addr", []string{"10.2.0.0/16", "10.3.0.0/16"}))

	var notified []string
	sets.Observe(func(name string, _ []string) { notified = append(notified, name) })

	require.NoError(t, sets.Swap("tmp-addr", "to-addr-e1"))
	assert.Equal(t, []string{"10.2.0.0/16", "10.3.0.0/16"}, members(t, sets, "to-addr-e1"))
	assert.Equal(t, []string{"10.1.0.0/16"}, members(t, sets, "tmp-addr"))
	assert.Equal(t, []string{"tmp-addr", "to-addr-e1"}, notified)
}

func TestMemoryFilter_Dump(t *testing.T) {
	pf := NewMemoryFilter(IPv4)
	require.NoError(t, pf.NewChain(TableFilter, "INPUT-dispatch"))
	require.NoError(t, pf.InsertRule(TableFilter, ChainInput, 0, Rule{Target: "INPUT-dispatch"}))

	dump := pf.Dump()
	assert.Contains(t, dump, "*filter v4\n")
	assert.Contains(t, dump, "-P INPUT ACCEPT\n")
	assert.Contains(t, dump, "-N INPUT-dispatch\n")
	assert.Contains(t, dump, "-A INPUT -j INPUT-dispatch\n")
	assert.Less(t, strings.Index(dump, "*filter"), strings.Index(dump, "*nat"))
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, Capabilities{})
	require.NoError(t, env.m.InstallBaseline())
	ep := endpointE1(t)
	require.NoError(t, env.m.Compile(ep))
	require.NoError(t, env.m.SyncACLs(ep))

	sets, filters, err := Snapshot(env.sets, env.v4, env.v6)
	require.NoError(t, err)
	require.Len(t, filters, 2)

	assert.Equal(t, env.sets.Dump(), sets.Dump())
	assert.Equal(t, env.v4.Dump(), filters[0].Dump())
	assert.Equal(t, env.v6.Dump(), filters[1].Dump())

	// The copy is independent and enforces the same references.
	require.NoError(t, filters[0].FlushChain(TableFilter, "to-e1"))
	assert.NotEmpty(t, rules(t, env.v4, TableFilter, "to-e1"))
	assert.ErrorIs(t, sets.Destroy("from-port-e1"), ErrSetInUse)
}

func TestGuessSetShape(t *testing.T) {
	tests := []struct {
		name    string
		members []string
		kind    SetKind
		family  Family
	}{
		{"to-port-e1", nil, SetKindAddrPort, IPv4},
		{"6-to-addr-e1", nil, SetKindAddr, IPv6},
		{"custom", []string{"2001:db8::/32,tcp:80"}, SetKindAddrPort, IPv6},
		{"custom", []string{"10.0.0.0/8"}, SetKindAddr, IPv4},
	}
	for _, tt := range tests {
		kind, family := guessSetShape(tt.name, tt.members)
		assert.Equal(t, tt.kind, kind, tt.name)
		assert.Equal(t, tt.family, family, tt.name)
	}
}
