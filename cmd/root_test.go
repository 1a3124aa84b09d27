package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level = "error"
families  = ["v4", "v6"]

retry {
  attempts      = 1
  initial_delay = "1ms"
  max_delay     = "1ms"
}
`

const e1Descriptor = `
id: e1
interface: tap-e1
mac: aa:bb:cc:dd:ee:01
ipv4: [10.0.0.5]
ipv6: ["2001:db8::5"]
inbound:
  - {cidr: 10.0.0.0/24, protocol: tcp, port: 22}
outbound:
  - {cidr: "2001:db8:1::/48"}
`

type fixture struct {
	dir    string
	config string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{dir: dir, config: filepath.Join(dir, "warden.hcl")}
	require.NoError(t, os.WriteFile(fx.config, []byte(testConfig), 0o644))
	return fx
}

func (fx *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(fx.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs warden in dry-run mode and returns stdout.
func (fx *fixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--dry-run", "--config", fx.config}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func TestApply_DryRun(t *testing.T) {
	fx := newFixture(t)
	desc := fx.write(t, "e1.yaml", e1Descriptor)

	out, err := fx.execute(t, "apply", "-f", desc)
	require.NoError(t, err)
	assert.Equal(t, "applied e1 (v4)\napplied e1 (v6)\n", out)
}

func TestApply_InvalidDescriptorDoesNotStopOthers(t *testing.T) {
	fx := newFixture(t)
	good := fx.write(t, "e1.yaml", e1Descriptor)
	bad := fx.write(t, "e2.yaml", "id: e2\ninterface: tap-e2\nmac: nope\nipv4: [10.0.0.6]\n")

	out, err := fx.execute(t, "apply", "-f", bad, "-f", good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "e2")
	assert.Contains(t, out, "applied e1 (v4)")
}

func TestApply_NeedsDescriptors(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.execute(t, "apply")
	assert.ErrorContains(t, err, "descriptor_dir")
}

func TestSyncACLs_DryRun(t *testing.T) {
	fx := newFixture(t)
	desc := fx.write(t, "e1.yaml", e1Descriptor)

	out, err := fx.execute(t, "sync-acls", "-f", desc)
	require.NoError(t, err)
	assert.Equal(t, "synced e1 (v4)\nsynced e1 (v6)\n", out)
}

func TestPlan_ShowsCompiledState(t *testing.T) {
	fx := newFixture(t)
	desc := fx.write(t, "e1.yaml", e1Descriptor)

	out, err := fx.execute(t, "plan", "-f", desc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "--- live\n+++ planned\n"), out)
	assert.Contains(t, out, "+-N to-e1\n")
	assert.Contains(t, out, "+-A to-e1 -j DROP\n")
	assert.Contains(t, out, "+-A FORWARD-dispatch -o tap-e1 -j to-e1\n")
	assert.Contains(t, out, "+add to-port-e1 10.0.0.0/24,tcp:22\n")
	assert.Contains(t, out, "+add 6-from-addr-e1 2001:db8:1::/48\n")
}

func TestPlan_Baseline(t *testing.T) {
	fx := newFixture(t)
	desc := fx.write(t, "e1.yaml", e1Descriptor)

	out, err := fx.execute(t, "plan", "--baseline", "-f", desc)
	require.NoError(t, err)
	assert.Contains(t, out, "+-A INPUT -j INPUT-dispatch\n")
}

func TestBaseline_DryRun(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.execute(t, "baseline")
	require.NoError(t, err)
	assert.Equal(t, "baseline installed (v4,v6)\n", out)
}

func TestTeardown_DryRun(t *testing.T) {
	fx := newFixture(t)

	out, err := fx.execute(t, "teardown", "e1", "--family", "v6")
	require.NoError(t, err)
	assert.Equal(t, "removed e1 (v6)\n", out)

	_, err = fx.execute(t, "teardown", "e1", "--family", "v5")
	assert.Error(t, err)

	_, err = fx.execute(t, "teardown")
	assert.Error(t, err, "ids are required")
}

func TestDiscover_DryRun(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.execute(t, "discover")
	require.NoError(t, err)
	assert.Equal(t, "FAMILY  ENDPOINT\n", out)
}

func TestCleanup_NeedsDirectory(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.execute(t, "cleanup")
	assert.ErrorContains(t, err, "descriptor directory")

	fx.write(t, "endpoints/e1.yaml", e1Descriptor)
	out, err := fx.execute(t, "cleanup", "-d", filepath.Join(fx.dir, "endpoints"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConfigShow(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "dispatch_probe")
	assert.Contains(t, out, `"precise"`)
	assert.Contains(t, out, "retry {")
}

func TestConfigCheck(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.execute(t, "config", "check")
	require.NoError(t, err)
	assert.Equal(t, "config ok\n", out)

	fx.write(t, "warden.hcl", testConfig+"\ndescriptor_dir = \""+filepath.Join(fx.dir, "endpoints")+"\"\n")
	fx.write(t, "endpoints/e1.yaml", e1Descriptor)
	out, err = fx.execute(t, "config", "check")
	require.NoError(t, err)
	assert.Equal(t, "1 descriptors ok\nconfig ok\n", out)

	fx.write(t, "endpoints/e2.yaml", "id: e2\ninterface: tap-e2\nmac: aa:bb:cc:dd:ee:02\n")
	_, err = fx.execute(t, "config", "check")
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	fx := newFixture(t)
	fx.write(t, "warden.hcl", `dispatch_probe = "sometimes"`)
	_, err := fx.execute(t, "baseline")
	assert.Error(t, err)

	_, err = fx.execute(t, "--config", filepath.Join(fx.dir, "missing.hcl"), "baseline")
	assert.Error(t, err)
}

func TestLogLevelOverride(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.execute(t, "--log-level", "loud", "baseline")
	assert.Error(t, err)
}

func TestMetricsTextfile(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(fx.dir, "warden.prom")

	_, err := fx.execute(t, "--metrics-textfile", path, "baseline")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "warden_operations_total")
}
