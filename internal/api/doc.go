// Package api hosts the HTTP server, middleware, and handlers of the capture
// service. Notable routes:
//   - POST /scrape runs one capture and streams a multipart/mixed reply.
//   - GET /v1/jobs and /v1/jobs/{job_id} expose job history.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
