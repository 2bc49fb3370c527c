// Package api hosts the HTTP server, middleware, and REST handlers the
// notebook frontend talks to. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET|POST /tvbextunicore/jobs for listing and cancelling jobs.
//   - GET /tvbextunicore/stream/{job_url}/{file} for ranged output reads,
//     the only route without a request timeout.
package api
