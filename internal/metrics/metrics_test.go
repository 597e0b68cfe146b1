package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStore(t *testing.T) {
	before := testutil.ToFloat64(StoreErrors.WithLabelValues("test_op"))

	ObserveStore("test_op", time.Now(), nil)
	ObserveStore("test_op", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(StoreErrors.WithLabelValues("test_op")) - before; got != 1 {
		t.Errorf("StoreErrors increased by %v, want 1", got)
	}
	if n := testutil.CollectAndCount(StoreOperationDuration, "microclimate_store_operation_duration_seconds"); n == 0 {
		t.Error("no duration series collected")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	c := HTTPRequestsTotal.WithLabelValues("GET", "/test", "200")
	before := testutil.ToFloat64(c)
	RecordHTTPRequest("GET", "/test", "200", 10*time.Millisecond)
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("counter increased by %v, want 1", got)
	}
}
