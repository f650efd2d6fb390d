// Package progress provides the run event primitives, the non-blocking hub
// and the emitter interfaces the crawl engine uses to report fetch attempts,
// page and batch outcomes. The hub batches events on a background goroutine
// and fans them out to pluggable sinks such as structured logs or Prometheus.
package progress
