// Package api hosts the HTTP server, middleware, and REST handlers for the
// capture service. Routes:
//   - POST /v1/jobs submits a capture job.
//   - GET /v1/jobs/{job_id} reports status, position and result.
//   - GET /v1/jobs/{job_id}/artifact downloads the artifact once.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
