// Package api hosts the harvester's status and control surface. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/items?eligible=true&unused=true for renderers, plus
//     POST /v1/items/select to claim one eligible item.
//   - POST /v1/runs to start an acquisition pass in the background and
//     /v1/runs/current[/events|/cancel] to follow or stop it.
package api
