// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the orchestrator uses to report job lifecycle milestones. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as structured logs or a notification topic.
package progress
