// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - POST /crawls, GET /crawls/{job_id}, POST /crawls/{job_id}/cancel and
//     /share, GET /projects/{project_id}/crawls, all behind bearer auth.
//   - POST /ingest/batch and /ingest/rescore-llm, authenticated by the
//     worker's HMAC signature instead of a session.
package api
