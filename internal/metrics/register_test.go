package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Namespace: Namespace, Name: "things_total", Help: "Things."}

	first, err := Register(reg, prometheus.NewCounter(opts))
	require.NoError(t, err)
	second, err := Register(reg, prometheus.NewCounter(opts))
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: "things_total", Help: "Other."}))
	assert.Error(t, err)
}
