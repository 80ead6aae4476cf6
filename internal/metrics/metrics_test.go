package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestRegistryCountersIncrement(t *testing.T) {
	r := New()
	r.BufferHits.Inc()
	r.BufferHits.Inc()
	require.Equal(t, 2.0, counterValue(t, r.BufferHits))
}

func TestMustRegisterWiresEveryCollector(t *testing.T) {
	r := New()
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { r.MustRegister(reg) })

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMustRegisterRejectsDuplicateRegistration(t *testing.T) {
	r := New()
	reg := prometheus.NewRegistry()
	r.MustRegister(reg)
	require.Panics(t, func() { r.MustRegister(reg) })
}
