// Package progress reports crawl campaign milestones. Workers emit events
// through a non-blocking hub that batches them on a background goroutine
// and fans them out to sinks (Prometheus metrics, structured logs).
//
// Events never gate the fetch path: under backpressure the hub drops and
// counts instead of blocking the emitter.
package progress
