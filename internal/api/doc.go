// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/institutions and /v1/jobs for managing what is harvested.
//   - POST /v1/jobs/{id}/run to harvest a job outside its schedule.
//   - GET /v1/triggers for the live cron triggers and their next fire times.
package api
