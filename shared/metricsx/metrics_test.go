package metricsx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleet-dispatch-dashboard/shared/httpx"
)

func TestInstrumentLabelsByRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/alerts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Instrument(httpx.WrapServeMux(mux, notFound))

	const route = "DELETE /api/alerts/{id}"
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodDelete, route, "204"))
	for _, id := range []string{"1-1", "1-2", "9-7"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/alerts/"+id, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodDelete, route, "204")) - before; got != 3 {
		t.Fatalf("expected 3 requests under %q, got %v", route, got)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, unmatchedRoute, "404")); got < 1 {
		t.Fatalf("unmatched request should be counted under %q", unmatchedRoute)
	}
	if n := testutil.CollectAndCount(httpRequests); n == 0 {
		t.Fatalf("expected collected series")
	}
}
