// Package sequence implements the capture sequence orchestrator.
//
// The orchestrator submits one CaptureSequence command, then polls
// CaptureSequenceStatus on a fixed interval until the device reports Done,
// Error or Cancel. State transitions are driven by the device; the
// orchestrator only records the last status and emits a progress notification
// when the (state, filter) pair changes between polls.
//
// Notifications are delivered on a per-run channel, to registered callbacks,
// and to the optional event stream, broker and metrics observers. Terminal
// results are audited.
package sequence
