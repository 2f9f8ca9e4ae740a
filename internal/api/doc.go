// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/search to query every configured site by fiction name.
//   - POST /v1/fictions to register a search hit for tracking.
//   - GET /v1/fictions to page through tracked fictions with cache progress.
//   - DELETE /v1/fictions/{fiction_id} to drop a fiction and its chapters.
//   - POST /v1/fictions/{fiction_id}/refresh to list, diff and enqueue chapters.
//   - GET /v1/fictions/{fiction_id}/progress and /chapters for cache state.
//   - GET /v1/adapters and PUT /v1/adapters/{adapter_name} for adapter rows.
package api
