package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/logging"
)

func TestInstallBaseline(t *testing.T) {
	env := newTestEnv(t, Capabilities{})
	require.NoError(t, env.m.InstallBaseline())

	for _, pf := range []*MemoryFilter{env.v4, env.v6} {
		input := rules(t, pf, TableFilter, ChainInput)
		require.NotEmpty(t, input)
		assert.True(t, input[0].Jumps(ChainInputDispatch), "%s INPUT", pf.Family())

		forward := rules(t, pf, TableFilter, ChainForward)
		require.NotEmpty(t, forward)
		assert.True(t, forward[0].Jumps(ChainForwardDispatch), "%s FORWARD", pf.Family())
	}

	redirect := rules(t, env.v4, TableNAT, ChainPreroutingRedirect)
	require.Len(t, redirect, 1)
	assert.Equal(t, TargetDNAT, redirect[0].Target)
	assert.Equal(t, "127.0.0.1:9697", redirect[0].ToDestination)
	assert.True(t, rules(t, env.v4, TableNAT, ChainPrerouting)[0].Jumps(ChainPreroutingRedirect))

	ok, err := env.v6.ChainExists(TableNAT, ChainPreroutingRedirect)
	require.NoError(t, err)
	assert.False(t, ok, "v6 has no metadata redirect")
}

func TestInstallBaseline_Idempotent(t *testing.T) {
	for _, probe := range []DispatchProbe{ProbePrecise, ProbeCoarse} {
		t.Run(string(probe), func(t *testing.T) {
			env := newTestEnv(t, Capabilities{DispatchProbe: probe})
			require.NoError(t, env.m.InstallBaseline())
			v4, v6 := env.v4.Dump(), env.v6.Dump()

			require.NoError(t, env.m.InstallBaseline())
			assert.Equal(t, v4, env.v4.Dump())
			assert.Equal(t, v6, env.v6.Dump())
		})
	}
}

func TestInstallBaseline_JumpsStayAtHead(t *testing.T) {
	env := newTestEnv(t, Capabilities{})
	other := Rule{Protocol: "tcp", DestPort: 22, Target: TargetAccept}
	require.NoError(t, env.v4.InsertRule(TableFilter, ChainInput, RulePosnLast, other))

	require.NoError(t, env.m.InstallBaseline())
	input := rules(t, env.v4, TableFilter, ChainInput)
	require.Len(t, input, 2)
	assert.True(t, input[0].Jumps(ChainInputDispatch))
	assert.True(t, input[1].Equal(other))
}

func TestInstallBaseline_CustomMetadata(t *testing.T) {
	sets := NewMemorySets()
	v4 := NewMemoryFilter(IPv4)
	sets.LinkFilters(v4)
	m, err := NewManager(sets, Options{
		Metadata: MetadataRedirect{Address: "169.254.169.254", Port: 8080, RedirectTo: "10.1.1.1:80"},
		Logger:   logging.Discard(),
	}, v4)
	require.NoError(t, err)
	require.NoError(t, m.Prime())
	require.NoError(t, m.InstallBaseline())

	r := rules(t, v4, TableNAT, ChainPreroutingRedirect)[0]
	assert.Equal(t, 8080, r.DestPort)
	assert.Equal(t, "10.1.1.1:80", r.ToDestination)
}

func TestInstallBaseline_CoarseTrustsExistingJump(t *testing.T) {
	env := newTestEnv(t, Capabilities{DispatchProbe: ProbeCoarse})

	// Something else already wired INPUT; coarse mode leaves FORWARD alone.
	require.NoError(t, env.v4.NewChain(TableFilter, ChainInputDispatch))
	require.NoError(t, env.v4.InsertRule(TableFilter, ChainInput, 0, Rule{Target: ChainInputDispatch}))

	require.NoError(t, env.m.InstallBaseline())
	assert.Empty(t, rules(t, env.v4, TableFilter, ChainForward))
	assert.Empty(t, rules(t, env.v6, TableFilter, ChainInput))

	ok, err := env.v4.ChainExists(TableFilter, ChainForwardDispatch)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInstallBaseline_RequiresPrime(t *testing.T) {
	sets := NewMemorySets()
	m, err := NewManager(sets, Options{Logger: logging.Discard()}, NewMemoryFilter(IPv4))
	require.NoError(t, err)
	assert.ErrorIs(t, m.InstallBaseline(), ErrNotPrimed)
}
