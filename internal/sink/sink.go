// Package sink implements the NDJSON event sinks from SPEC_FULL.md §4.J:
// stdout, rotating file, a backpressure-bounding wrapper, and a Pub/Sub
// fan-out sink.
package sink

// Sink is the output contract every backend implements. Line is a single
// already-serialized NDJSON record (no trailing newline).
type Sink interface {
	WriteLine(sourceID string, line []byte) error
	Flush() error
	Close() error
}
