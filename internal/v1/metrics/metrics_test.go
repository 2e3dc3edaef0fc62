package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	// promauto registers against the global registry at init; incrementing
	// without panic confirms the collectors are wired correctly.

	t.Run("StoreOperationsTotal", func(t *testing.T) {
		StoreOperationsTotal.WithLabelValues("get", "success").Inc()
		val := testutil.ToFloat64(StoreOperationsTotal.WithLabelValues("get", "success"))
		if val < 1 {
			t.Errorf("Expected StoreOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("StoreOperationDuration", func(t *testing.T) {
		StoreOperationDuration.WithLabelValues("get").Observe(0.1)
	})

	t.Run("QueueDepth", func(t *testing.T) {
		QueueDepth.WithLabelValues("casual", "chat").Set(3)
		val := testutil.ToFloat64(QueueDepth.WithLabelValues("casual", "chat"))
		if val != 3 {
			t.Errorf("Expected QueueDepth 3, got %v", val)
		}
	})

	t.Run("Connections", func(t *testing.T) {
		before := testutil.ToFloat64(ActiveConnections)
		IncConnection()
		DecConnection()
		after := testutil.ToFloat64(ActiveConnections)
		if before != after {
			t.Errorf("Inc/Dec should cancel out, before=%v after=%v", before, after)
		}
	})
}
