package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func get(t *testing.T, url string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Log(err)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/names/{name_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	get(t, ts.URL+"/healthz")
	get(t, ts.URL+"/v1/names/404")

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET /healthz to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET /v1/names/404 to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs/{job_id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, id := range []string{"job-a", "job-b"} {
		resp, err := http.Post(ts.URL+"/v1/jobs/"+id+"/cancel", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := resp.Body.Close(); err != nil {
			t.Log(err)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")); val != 2 {
		t.Errorf("Expected 2 POST requests with code 202, got %f", val)
	}
	if httpRequestDurationSeconds.DeleteLabelValues("POST", "/v1/jobs/job-a/cancel") {
		t.Error("raw request path leaked into the route label")
	}
	if !httpRequestDurationSeconds.DeleteLabelValues("POST", "/v1/jobs/{job_id}/cancel") {
		t.Error("expected latency observed under the route pattern")
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/nowhere", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Log(err)
	}
	if !httpRequestDurationSeconds.DeleteLabelValues("DELETE", "unknown") {
		t.Error("expected unmatched requests labelled unknown")
	}
}
