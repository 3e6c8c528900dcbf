package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Counters are registered at package init and accumulate across the whole
// process; this only checks that incrementing a labelled counter is
// reflected back through the registry, not any absolute starting value.
func TestOrdersPlaced_IncrementsByLabel(t *testing.T) {
	before := testutil.ToFloat64(OrdersPlaced.WithLabelValues("BUY", "MIS"))
	OrdersPlaced.WithLabelValues("BUY", "MIS").Inc()
	after := testutil.ToFloat64(OrdersPlaced.WithLabelValues("BUY", "MIS"))
	if after != before+1 {
		t.Errorf("OrdersPlaced{BUY,MIS} = %v, want %v", after, before+1)
	}
}

func TestMarginBlocked_IsAGauge(t *testing.T) {
	MarginBlocked.Set(42)
	if got := testutil.ToFloat64(MarginBlocked); got != 42 {
		t.Errorf("MarginBlocked = %v, want 42", got)
	}
}
