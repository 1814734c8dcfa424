// Package session owns the lifecycle of one conoscope executor.
//
// A Session starts the executor run-loop, checks the library version, and then
// serializes every command through a single worker so that at most one command
// is in flight. Replies are decoded into model.CommandResult values; a non-zero
// device code is an outcome carried in the result, not a Go error. Go errors
// are reserved for protocol and transport failures (ErrMalformedResponse,
// ErrSessionClosed, ErrUnavailable, ErrBusy, ErrTimeout).
//
// Each command is logged, and optionally audited, counted and published on the
// event stream through the observers set with SetAuditLogger, SetMetrics and
// SetEventPublisher.
package session
