// Package api hosts the HTTP server, middleware and REST handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and GET /v1/jobs/{job_id} for asynchronous scan and form jobs.
//   - POST /v1/scans for a synchronous single-page scan.
//   - GET /v1/pool and /v1/memory for operator diagnostics.
package api
