package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for connection gauges.
	c.UpdatePoolStats("app", 3, 5, 8, 1)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("app"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("app", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("app"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("app", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("app")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("app")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("app")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("app")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("app")
	c.PoolExhausted("app")
	c.PoolExhausted("app")

	val := getCounterValue(c.poolExhausted.WithLabelValues("app"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestRemoveDatabase(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("app", 1, 2, 3, 0)
	c.PoolExhausted("app")
	c.TransactionCompleted("app", 10*time.Millisecond)
	c.HandshakeFailure("app", "error")
	c.ProtocolViolation("app")

	c.RemoveDatabase("app")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "database" && l.GetValue() == "app" {
					t.Errorf("metric %s still has database=app label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleDatabases(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("app1", 1, 0, 1, 0)
	c.UpdatePoolStats("app2", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("app1"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("app2"))

	if v1 != 1 {
		t.Errorf("expected app1 active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected app2 active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("app", 1, 0, 1, 0)
	c2.UpdatePoolStats("app", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("app"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("app"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.TransactionCompleted("app", 50*time.Millisecond)
	c.TransactionCompleted("app", 100*time.Millisecond)

	val := getCounterValue(c.transactionsTotal.WithLabelValues("app"))
	if val != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", val)
	}

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "tusq_transaction_duration_seconds" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("app", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "tusq_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("app")
	c.DirtyDisconnect("app")

	val := getCounterValue(c.dirtyDisconnects.WithLabelValues("app"))
	if val != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", val)
	}
}

func TestHandshakeFailure(t *testing.T) {
	c, _ := newTestCollector(t)

	c.HandshakeFailure("app", "missing_password")
	c.HandshakeFailure("app", "missing_password")
	c.HandshakeFailure("app", "unsupported_auth")
	c.HandshakeFailure("", "unsupported_request")

	val := getCounterValue(c.handshakeFailures.WithLabelValues("app", "missing_password"))
	if val != 2 {
		t.Errorf("expected missing_password=2, got %v", val)
	}
	val = getCounterValue(c.handshakeFailures.WithLabelValues("app", "unsupported_auth"))
	if val != 1 {
		t.Errorf("expected unsupported_auth=1, got %v", val)
	}
	val = getCounterValue(c.handshakeFailures.WithLabelValues("", "unsupported_request"))
	if val != 1 {
		t.Errorf("expected unsupported_request=1 for empty alias, got %v", val)
	}
}

func TestProtocolViolation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ProtocolViolation("app")
	c.ProtocolViolation("app")
	c.ProtocolViolation("app")

	val := getCounterValue(c.protocolViolations.WithLabelValues("app"))
	if val != 3 {
		t.Errorf("expected protocol violations=3, got %v", val)
	}
}
