// Package errors defines the typed error taxonomy for the agent pool.
//
// Every failure kind callers can act on has its own type; transient,
// frequently-checked conditions are sentinel values. Per-frame decode
// failures (FrameDecodeError) are never fatal to a session; stream-level
// failures (TransportError, ProcessError) are.
package errors
