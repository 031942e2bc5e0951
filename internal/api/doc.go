// Package api hosts the chi router, middleware and handlers served by the
// request runtime. Notable routes:
//   - GET /healthz and /readyz for platform health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST / for Pub/Sub push deliveries (one fragment per message).
//   - POST /consolidate for the scheduled fold of fragments into the master log.
package api
