// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /analysis and GET /analysis/{id} for job submission and reads.
//   - GET /analysis/{id}/events for the job's audit trail.
//   - POST, GET /webhooks and DELETE /webhooks/{id} for subscriber management.
package api
