// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST/DELETE /v1/sources to manage monitored pages.
//   - POST /v1/cycles to run a full ingestion cycle and wait for it.
//   - GET /v1/download?url= kept for clients of the previous service.
package api
