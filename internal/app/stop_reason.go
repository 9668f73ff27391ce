package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopBuildDone  StopReason = "build_done"
	StopFatalError StopReason = "fatal_error"
	StopWatchEnded StopReason = "watch_ended"
)
