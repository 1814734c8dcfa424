// Package device defines the command boundary of the conoscope executor.
//
// The executor is opaque: it is reached only through one function per command,
// each returning a wire payload that the codec package turns into a
// CommandResult. Device failures travel inside that payload; the Go error
// return is reserved for transport problems such as a dropped link or an
// expired context.
package device
