// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sync/status for the control-state snapshot.
//   - POST /v1/sync/run to start a run outside the schedule.
//
// Every request runs inside an OpenTelemetry server span.
package api
