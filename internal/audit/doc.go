// Package audit implements the audit trail of device commands.
//
// Every command issued through a session is appended as one JSON line with
// the acting user, the command parameters, the outcome and the device code.
// Files rotate by size through lumberjack.
package audit
