/*
Package metrics provides Prometheus metrics and HTTP health endpoints
for the three runtimes.

Metrics are package-level collectors registered at init: request
counters and latency histograms per runtime, the gateway in-flight
gauge, head dispatch and retry counters, and connection-pool health
gauges. Handler exposes /metrics; HealthHandler and ReadyHandler expose
the JSON component-health status tracked by RegisterComponent.
*/
package metrics
