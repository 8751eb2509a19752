package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/organizations":                    "/organizations",
		"/organizations/register":           "/organizations/register",
		"/organizations/org_01abc":          "/organizations/:id",
		"/organizations/org_01abc?x=1":      "/organizations/:id",
		"/admin/organizations/org_1/suspend": "/admin/organizations/:id/suspend",
		"/ocpi/2.3.0/locations":             "/ocpi/2.3.0/locations",
		"/ocpi/2.3.0/locations?limit=10":    "/ocpi/2.3.0/locations",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/organizations/:id", "404"))
	for _, id := range []string{"org_a", "org_b"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/organizations/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/organizations/:id", "404"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests counted, got %v", after-before)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	SetReady(true)
	if got := testutil.ToFloat64(readyGauge); got != 1 {
		t.Fatalf("ready gauge = %v", got)
	}
}
