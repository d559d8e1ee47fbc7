package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNew_RegistersCollectorsOnAnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.TransactionCommitted()

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "storage_transactions_committed_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNoOp_MethodsAreSafeAndNeverPanic(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.TransactionCommitted()
		m.TransactionRolledBack()
		m.ObserveCommitDuration(time.Millisecond)
		m.PersisterAppend()
		m.PersisterAppendFailed()
		m.SetStreamSubscribers(3)
	})

	noop := metrics.NoOp()
	assert.NotPanics(t, func() { noop.TransactionCommitted() })
}
