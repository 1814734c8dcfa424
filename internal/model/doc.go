// Package model holds the value records exchanged with the conoscope command
// executor: setup, measure, processing, persistent and debug settings, capture
// sequence plans, and the status snapshots reported back by the device.
//
// Validation here is structural only. Enumerations decode unknown input to
// their Invalid member instead of failing, and range checks are left to the
// device, which reports them through CommandResult.ErrorCode.
package model
