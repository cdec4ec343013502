package presence

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics_ReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m1, err := NewPromMetrics(reg)
	if err != nil {
		t.Fatalf("NewPromMetrics: %v", err)
	}
	m2, err := NewPromMetrics(reg)
	if err != nil {
		t.Fatalf("second NewPromMetrics: %v", err)
	}

	m1.ConnectionOpened()
	m2.ConnectionOpened()
	m1.Authorized()
	m2.HeartbeatReceived()

	if got := testutil.ToFloat64(m1.Connections); got != 2 {
		t.Fatalf("connections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m2.AuthorizedConnections); got != 1 {
		t.Fatalf("authorized_connections = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(reg, "pairhub_initialized_connections_total"); got != 1 {
		t.Fatalf("initialized series = %d, want 1", got)
	}
}
