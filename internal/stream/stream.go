// Package stream defines the optional output-delta sink an execute call
// may forward intermediate console output to, grounded on the teacher's
// aistream.ToolOutputDelta event (runtime/toolregistry/executor.go).
package stream

import "context"

// Delta is one piece of intermediate output produced during a single
// execute call, forwarded to an attached Sink as it happens rather than
// only appearing batched into the final Result's Stdout/Stderr once
// execute returns.
type Delta struct {
	// Stream names which console accumulator produced this delta: "stdout"
	// for console.log, "stderr" for console.warn.
	Stream string
	// Data is the raw text written, exactly as passed to console.log/warn.
	Data string
}

// Sink receives Deltas as a sandbox execution produces console output.
// Attaching a sink is strictly additive: execute's control flow and final
// Result never depend on whether a sink is present, attached, or erroring —
// per spec.md's non-goals, there is no durable delta log; a delta with no
// sink attached is simply dropped.
type Sink interface {
	Send(ctx context.Context, delta Delta) error
}
