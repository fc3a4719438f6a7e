package runtime

// PanicPolicy decides what happens after a panic has been logged and recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}
