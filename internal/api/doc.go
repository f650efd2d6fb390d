// Package api hosts the operator HTTP surface of the catalog crawler:
//   - GET /healthz and /readyz for probes; readiness pings the catalog store.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/runs, /api/runs/current and /api/runs/{run_id} for run status
//     kept by a RunBoard.
package api
