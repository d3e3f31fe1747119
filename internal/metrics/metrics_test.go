package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestNewCollectorsRegistersWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	require.NotNil(t, c)

	c.KeyspaceKeys.Set(42)
	require.Equal(t, float64(42), gaugeValue(t, c.KeyspaceKeys))
}

func TestCommandsTotalCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.CommandsTotal.WithLabelValues("GET").Inc()
	c.CommandsTotal.WithLabelValues("GET").Inc()
	c.CommandsTotal.WithLabelValues("SET").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() != "keyvaultd_commands_total" {
			continue
		}
		found = true
		require.Len(t, f.GetMetric(), 2)
	}
	require.True(t, found)
}
