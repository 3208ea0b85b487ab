// Package progress carries crawl lifecycle events from orchestrators to
// pluggable sinks. Emitters never block: events are buffered, batched on a
// background goroutine and handed to sinks such as structured logs or
// Prometheus collectors.
package progress
