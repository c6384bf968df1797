package chat

import "context"

// StreamTerminator is the literal final chunk written to a stream when a
// turn finishes. Consumers close the session when they read it.
const StreamTerminator = "[stream_finished]"

// Sink receives user-visible stream output. Only the completion call
// streams through it; rephrase, grading, discovery and judge calls are
// internal and never reach a sink.
type Sink interface {
	Write(ctx context.Context, chunk []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, chunk []byte) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, chunk []byte) error {
	return f(ctx, chunk)
}

// Discard drops every chunk. Unary completion calls use it so the graph
// runs identically in both modes.
var Discard Sink = SinkFunc(func(context.Context, []byte) error { return nil })
