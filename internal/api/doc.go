// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/registries/run and /v1/codes/walk to trigger discovery and walks.
//   - POST /v1/names/... to queue detail fetches.
//   - GET /v1/jobs/{job_id} and POST /v1/jobs/{job_id}/cancel for crawl jobs.
//   - GET /v1/field-keys for the frequency-ranked label catalogue.
package api
