// Package api serves the HTTP control surface of the instrument.
//
// Every device command is exposed as a JSON endpoint under /api/v1, answered
// with the {result, data, code, message, details, correlationId} envelope.
// Device-reported codes are passed through in error details. Capture
// sequences are submitted, polled and cancelled through the orchestrator,
// and events are streamed over SSE from the telemetry hub.
package api
