package firewall

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/logging"
)

func exitErr(code int) error {
	return &CommandError{Name: "iptables", ExitCode: code, Err: errors.New("exit status")}
}

func TestIPTables_Binary(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv6, 0)
	ipt.SetRunner(mockRunner)

	mockRunner.On("Run", "ip6tables", "-w", "-t", "filter", "-N", "to-e1").Return(nil)
	require.NoError(t, ipt.NewChain(TableFilter, "to-e1"))
	mockRunner.AssertExpectations(t)
}

func TestIPTables_ChainExists(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv4, 5)
	ipt.SetRunner(mockRunner)

	mockRunner.On("Run", "iptables", "-w", "5", "-t", "filter", "-S", "to-e1").Return(nil).Once()
	mockRunner.On("Run", "iptables", "-w", "5", "-t", "filter", "-S", "to-e2").Return(exitErr(1)).Once()
	mockRunner.On("Run", "iptables", "-w", "5", "-t", "filter", "-S", "to-e3").Return(exitErr(2)).Once()

	ok, err := ipt.ChainExists(TableFilter, "to-e1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ipt.ChainExists(TableFilter, "to-e2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ipt.ChainExists(TableFilter, "to-e3")
	assert.Error(t, err)
	mockRunner.AssertExpectations(t)
}

func TestIPTables_LockContentionIsTemporary(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv4, 5)
	ipt.SetRunner(mockRunner)

	mockRunner.On("Run", "iptables", "-w", "5", "-t", "filter", "-F", "to-e1").Return(exitErr(4))
	err := ipt.FlushChain(TableFilter, "to-e1")
	assert.ErrorIs(t, err, ErrTemporary)
	assert.True(t, isRetryable(err, DefaultRetryConfig()))
}

func TestIPTables_ListChains(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv4, 0)
	ipt.SetRunner(mockRunner)

	out := "-P INPUT ACCEPT\n-P FORWARD DROP\n-N INPUT-dispatch\n-N to-e1\n-A INPUT -j INPUT-dispatch\n"
	mockRunner.On("Output", "iptables", "-w", "-t", "filter", "-S").Return([]byte(out), nil)

	chains, err := ipt.ListChains(TableFilter)
	require.NoError(t, err)
	assert.Equal(t, []string{"INPUT", "FORWARD", "INPUT-dispatch", "to-e1"}, chains)
}

func TestIPTables_ListRules(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv4, 0)
	ipt.SetRunner(mockRunner)

	out := `-N to-e1
-A to-e1 -m conntrack --ctstate INVALID -j DROP
-A to-e1 -m conntrack --ctstate RELATED,ESTABLISHED -j RETURN
-A to-e1 -m set --match-set to-port-e1 src -j RETURN
-A to-e1 -m comment --comment "unterminated -j DROP
-A to-e1 -j DROP
`
	mockRunner.On("Output", "iptables", "-w", "-t", "filter", "-S", "to-e1").Return([]byte(out), nil)

	rules, err := ipt.ListRules(TableFilter, "to-e1")
	require.NoError(t, err)
	require.Len(t, rules, 5)
	assert.True(t, rules[0].Equal(Rule{CTStates: []string{StateInvalid}, Target: TargetDrop}))
	assert.Equal(t, "to-port-e1", rules[2].MatchSet)
	assert.Equal(t, SetSrc, rules[2].SetDirection)
	// Unparseable lines keep their slot.
	assert.Empty(t, rules[3].Target)
	assert.Len(t, rules[3].Extra, 1)
	assert.Equal(t, TargetDrop, rules[4].Target)
}

func TestIPTables_InsertAndDelete(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv4, 0)
	ipt.SetRunner(mockRunner)

	mockRunner.On("Run", "iptables", "-w", "-t", "filter", "-I", "from-e1", "3",
		"-s", "10.0.0.5/32", "-m", "mac", "--mac-source", "aa:bb:cc:dd:ee:ff", "-j", "RETURN").Return(nil)
	mockRunner.On("Run", "iptables", "-w", "-t", "filter", "-A", "from-e1", "-j", "DROP").Return(nil)
	mockRunner.On("Run", "iptables", "-w", "-t", "filter", "-D", "from-e1", "1").Return(nil)
	mockRunner.On("Run", "iptables", "-w", "-t", "nat", "-I", "PREROUTING-redirect", "1",
		"-d", "169.254.169.254/32", "-p", "tcp", "-m", "tcp", "--dport", "80",
		"-j", "DNAT", "--to-destination", "127.0.0.1:9697").Return(nil)

	require.NoError(t, ipt.InsertRule(TableFilter, "from-e1", 2,
		Rule{Source: "10.0.0.5/32", MACSource: "aa:bb:cc:dd:ee:ff", Target: TargetReturn}))
	require.NoError(t, ipt.InsertRule(TableFilter, "from-e1", RulePosnLast, Rule{Target: TargetDrop}))
	require.NoError(t, ipt.DeleteRule(TableFilter, "from-e1", 0))

	redirect, _ := dialectFor(IPv4).RedirectRule(DefaultMetadataRedirect())
	require.NoError(t, ipt.InsertRule(TableNAT, ChainPreroutingRedirect, 0, redirect))
	mockRunner.AssertExpectations(t)
}

func TestIPTables_Prime(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	ipt := NewIPTables(IPv4, 0)
	ipt.SetRunner(mockRunner)

	mockRunner.On("Run", "iptables", "-m", "conntrack", "--help").Return(nil)
	mockRunner.On("Run", "iptables", "-m", "physdev", "--help").Return(exitErr(2))

	err := ipt.Prime([]string{"conntrack", "physdev", "set"}, []string{"DNAT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "physdev")
	mockRunner.AssertNotCalled(t, "Run", "iptables", "-m", "set", "--help")
}

// recordingRunner accepts every command and answers listings with nothing.
type recordingRunner struct {
	calls []string
}

func (r *recordingRunner) Run(name string, args ...string) error {
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return nil
}

func (r *recordingRunner) RunInput(input string, name string, args ...string) error {
	return r.Run(name, args...)
}

func (r *recordingRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, r.Run(name, args...)
}

func TestIPTables_CompileThroughManager(t *testing.T) {
	runner := &recordingRunner{}
	ipt := NewIPTables(IPv4, 0)
	ipt.SetRunner(runner)

	m, err := NewManager(NewMemorySets(), Options{Logger: logging.Discard()}, ipt)
	require.NoError(t, err)
	require.NoError(t, m.Prime())
	require.NoError(t, m.Compile(endpointE1(t)))

	assert.Contains(t, runner.calls, "iptables -m physdev --help")
	assert.Contains(t, runner.calls, "iptables -j DNAT --help")
	assert.Contains(t, runner.calls, "iptables -w -t filter -I to-e1 1 -m conntrack --ctstate INVALID -j DROP")
	assert.Contains(t, runner.calls, "iptables -w -t filter -A to-e1 -j DROP")
	assert.Contains(t, runner.calls, "iptables -w -t filter -A from-e1 -s 10.0.0.5/32 -m mac --mac-source aa:bb:cc:dd:ee:ff -j RETURN")
	assert.Contains(t, runner.calls, "iptables -w -t filter -A from-e1 -j DROP")
	assert.Contains(t, runner.calls,
		"iptables -w -t filter -A INPUT-dispatch -m physdev --physdev-in tap-e1 --physdev-is-bridged -j from-e1")
	assert.Contains(t, runner.calls, "iptables -w -t filter -A FORWARD-dispatch -o tap-e1 -j to-e1")
}
