// Package telemetry streams session events to HTTP clients as server-sent
// events.
//
// Events are grouped in streams ("command" and "sequence"). IDs are monotonic
// per stream and the most recent events of each stream are buffered so that a
// reconnecting client can resume with Last-Event-ID.
package telemetry
