package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("asset", "cache"))
	RecordRequest("asset", "cache")
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("asset", "cache"))

	if after-before != 1 {
		t.Errorf("requests_total delta = %v, want 1", after-before)
	}
}

func TestRecordState(t *testing.T) {
	all := []string{"idle", "connecting", "open", "closed"}
	RecordState("open", all)

	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("open")); got != 1 {
		t.Errorf("open gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ConnectionState.WithLabelValues("closed")); got != 0 {
		t.Errorf("closed gauge = %v, want 0", got)
	}
}

func TestRecordBroadcast(t *testing.T) {
	before := testutil.ToFloat64(BroadcastDeliveries.WithLabelValues("failed"))
	RecordBroadcast(2, 1)
	after := testutil.ToFloat64(BroadcastDeliveries.WithLabelValues("failed"))

	if after-before != 1 {
		t.Errorf("failed deliveries delta = %v, want 1", after-before)
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.Collect()

	if got := testutil.ToFloat64(Uptime); got < 0 {
		t.Errorf("uptime = %v, want >= 0", got)
	}
}
