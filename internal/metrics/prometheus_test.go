package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordOperation(t *testing.T) {
	r := New()

	finished := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.RecordOperation("compile", "v4", time.Second, finished, nil)
	r.RecordOperation("compile", "v4", time.Second, finished.Add(time.Hour), errors.New("boom"))
	r.RecordOperation("compile", "v4", 2*time.Second, finished, nil)

	assert.Equal(t, 2.0, value(t, r.Operations.WithLabelValues("compile", "v4", "ok")))
	assert.Equal(t, 1.0, value(t, r.Operations.WithLabelValues("compile", "v4", "error")))
	assert.Equal(t, float64(finished.Unix()), value(t, r.LastSuccess.WithLabelValues("compile")))

	var m dto.Metric
	require.NoError(t, r.OperationDuration.WithLabelValues("compile", "v4").(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(3), m.GetHistogram().GetSampleCount())
	assert.Equal(t, 4.0, m.GetHistogram().GetSampleSum())
}

func TestRecordRemoval(t *testing.T) {
	r := New()

	r.RecordRemoval("v6", "from", 0, 1)
	r.RecordRemoval("v6", "from", 3, 4)

	assert.Equal(t, 3.0, value(t, r.RulesRemoved.WithLabelValues("v6", "from")))
	var m dto.Metric
	require.NoError(t, r.FixedPointPasses.WithLabelValues("v6", "from").(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.Equal(t, 5.0, m.GetHistogram().GetSampleSum())
}

func TestRecordSwap(t *testing.T) {
	r := New()

	r.RecordSwap("v4", "inbound", "to-port-e1", 1)
	r.RecordSwap("v4", "inbound", "to-port-e1", 4)

	assert.Equal(t, 4.0, value(t, r.SetMembers.WithLabelValues("to-port-e1")))
	assert.Equal(t, 2.0, value(t, r.SetSwaps.WithLabelValues("v4", "inbound")))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.InvalidACLRules.WithLabelValues("v4", "inbound", "missing cidr").Inc()

	path := filepath.Join(t.TempDir(), "warden.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "warden_invalid_acl_rules_total"))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Orphans.WithLabelValues("v4").Set(2)
	assert.Equal(t, 0.0, value(t, b.Orphans.WithLabelValues("v4")))
}

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}
