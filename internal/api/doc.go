// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /status for live tracker progress and batch statistics.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/runs and /api/runs/{id}/targets for run history via the
//     RunRepository interface.
package api
