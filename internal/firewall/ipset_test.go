package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPSet_Exists(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	mockRunner.On("Run", "ipset", "list", "-n", "to-port-e1").Return(nil)
	mockRunner.On("Run", "ipset", "list", "-n", "to-port-e2").Return(exitErr(1))

	ok, err := s.Exists("to-port-e1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists("to-port-e2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIPSet_Create(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	mockRunner.On("Run", "ipset", "-exist", "create", "to-port-e1", "hash:net,port", "family", "inet").Return(nil)
	mockRunner.On("Run", "ipset", "-exist", "create", "6-to-addr-e1", "hash:net", "family", "inet6").Return(nil)

	require.NoError(t, s.Create("to-port-e1", SetKindAddrPort, IPv4))
	require.NoError(t, s.Create("6-to-addr-e1", SetKindAddr, IPv6))
	mockRunner.AssertExpectations(t)

	assert.Error(t, s.Create("bad name", SetKindAddr, IPv4))
	assert.ErrorIs(t, s.Create("6-from-port-abcdefghijklmnopqrstuvwxyz", SetKindAddr, IPv6), ErrNameTooLong)
}

func TestIPSet_AddAllUsesRestore(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	input := "add tmp-port 10.0.0.0/24,tcp:80\nadd tmp-port 10.1.0.0/16,udp:0\n"
	mockRunner.On("RunInput", input, "ipset", "-exist", "restore").Return(nil)

	require.NoError(t, s.AddAll("tmp-port", []string{"10.0.0.0/24,tcp:80", "10.1.0.0/16,udp:0"}))
	require.NoError(t, s.AddAll("tmp-port", nil))
	mockRunner.AssertNumberOfCalls(t, "RunInput", 1)

	assert.Error(t, s.AddAll("tmp-port", []string{"10.0.0.0/8\ncreate evil hash:ip"}))
}

func TestIPSet_List(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	out := `Name: to-port-e1
Type: hash:net,port
Revision: 7
Header: family inet hashsize 1024 maxelem 65536
Size in memory: 504
References: 1
Number of entries: 0

Name: 6-to-port-e2
Type: hash:net,port
Header: family inet6 hashsize 1024 maxelem 65536
`
	mockRunner.On("Output", "ipset", "list", "-t").Return([]byte(out), nil)

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"to-port-e1", "6-to-port-e2"}, names)
}

func TestIPSet_Describe(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	mockRunner.On("Output", "ipset", "list", "-t", "6-to-addr-e1").Return([]byte(
		"Name: 6-to-addr-e1\nType: hash:net\nHeader: family inet6 hashsize 1024 maxelem 65536\n"), nil)
	mockRunner.On("Output", "ipset", "list", "-t", "odd").Return([]byte(
		"Name: odd\nType: bitmap:port\nHeader: range 0-1024\n"), nil)

	kind, family, err := s.Describe("6-to-addr-e1")
	require.NoError(t, err)
	assert.Equal(t, SetKindAddr, kind)
	assert.Equal(t, IPv6, family)

	_, _, err = s.Describe("odd")
	assert.Error(t, err)
}

func TestIPSet_Members(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	out := `create to-port-e1 hash:net,port family inet hashsize 1024 maxelem 65536
add to-port-e1 10.0.0.0/24,tcp:80
add to-port-e1 10.1.0.0/16,udp:0
`
	mockRunner.On("Output", "ipset", "save", "to-port-e1").Return([]byte(out), nil)

	members, err := s.Members("to-port-e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24,tcp:80", "10.1.0.0/16,udp:0"}, members)
}

func TestIPSet_SyncThroughManager(t *testing.T) {
	mockRunner := new(MockCommandRunner)
	s := NewIPSet()
	s.SetRunner(mockRunner)

	for _, name := range []string{"tmp-addr", "tmp-port", "to-addr-e1", "to-port-e1", "from-addr-e1", "from-port-e1"} {
		mockRunner.On("Run", "ipset", "list", "-n", name).Return(nil)
		mockRunner.On("Run", "ipset", "flush", name).Return(nil).Maybe()
	}
	mockRunner.On("RunInput", "add tmp-port 10.0.0.0/24,tcp:80\n", "ipset", "-exist", "restore").Return(nil)
	mockRunner.On("Run", "ipset", "swap", "tmp-addr", "to-addr-e1").Return(nil)
	mockRunner.On("Run", "ipset", "swap", "tmp-port", "to-port-e1").Return(nil)
	mockRunner.On("Run", "ipset", "swap", "tmp-addr", "from-addr-e1").Return(nil)
	mockRunner.On("Run", "ipset", "swap", "tmp-port", "from-port-e1").Return(nil)

	env := newTestEnv(t, Capabilities{})
	env.m.sets = s
	require.NoError(t, env.m.SyncACLs(endpointE1(t)))

	mockRunner.AssertExpectations(t)
	mockRunner.AssertNotCalled(t, "Run", "ipset", "flush", "to-port-e1")
}
