// Package api hosts the HTTP server, middleware, and REST handlers of the
// scrape engine. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/resolve for synchronous resolution.
//   - POST /v1/jobs and GET /v1/jobs/{job_id} for asynchronous jobs.
//   - /v1/cache/... for cache statistics, invalidation and warming.
package api
