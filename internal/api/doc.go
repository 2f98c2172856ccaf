// Package api serves the latest scrape over HTTP. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records, /v1/duplicates and /v1/statistics as JSON.
//   - GET /report for the rendered HTML report.
//   - POST /v1/refresh to run a new scrape.
package api
