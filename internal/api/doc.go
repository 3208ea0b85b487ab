// Package api hosts the HTTP interface of the crawl engine:
//   - POST /v1/runs submits targets and returns the PENDING run.
//   - GET /v1/runs lists recent runs; GET /v1/runs/{run_id} polls one.
//   - GET /v1/runs/{run_id}/dataset?format=csv|json|xlsx downloads records.
//   - POST /v1/runs/{run_id}/cancel stops a run in flight.
//   - GET /healthz and /readyz for probes, /metrics for Prometheus.
package api
