package app

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown       StopReason = "unknown"
	StopSignal        StopReason = "signal"
	StopControl       StopReason = "control_shutdown"
	StopControlClosed StopReason = "control_closed"
	StopFatalError    StopReason = "fatal_error"
)
