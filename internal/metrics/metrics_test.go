package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	Init()
}

func TestCollectorsAreGatherable(t *testing.T) {
	StateChanges.WithLabelValues("payment-0", "CLOSED", "OPEN").Inc()
	BreakerState.WithLabelValues("payment-0").Set(1)
	Rejections.WithLabelValues("payment-0", "open").Inc()
	InFlight.WithLabelValues("payment-0").Set(2)
	CallDuration.WithLabelValues("payment-0", "success").Observe(0.05)
	StoreErrors.WithLabelValues("get").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	want := map[string]bool{
		"circuitmesh_breaker_state":         false,
		"circuitmesh_state_changes_total":   false,
		"circuitmesh_rejections_total":      false,
		"circuitmesh_call_duration_seconds": false,
		"circuitmesh_inflight_calls":        false,
		"circuitmesh_store_errors_total":    false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("metric family %q not gathered", name)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	Rejections.WithLabelValues("orders-1", "overloaded").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "circuitmesh_rejections_total") {
		t.Fatal("metrics output missing rejection counter")
	}
}
