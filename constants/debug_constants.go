package constants

// SocketMode selects which side of the debug connection dials.
type SocketMode string

const (
	// ModeConnect makes the debuggee dial a known client address.
	ModeConnect SocketMode = "connect"
	// ModeListen makes the debuggee bind, write the discovery file and wait.
	ModeListen SocketMode = "listen"
)

// StepType 单步调试类型
type StepType string

const (
	StepNone StepType = ""
	StepIn   StepType = "in"
	StepOut  StepType = "out"
	StepOver StepType = "over"
)

// StoppedReasonType 程序停止类型
type StoppedReasonType string

const (
	BreakpointStopped StoppedReasonType = "breakpoint"
	StepStopped       StoppedReasonType = "step"
)

// ThreadReasonType thread事件类型
type ThreadReasonType string

const (
	ThreadStarted ThreadReasonType = "started"
	ThreadExited  ThreadReasonType = "exited"
)

// BreakpointReasonType 断点改变类型
type BreakpointReasonType string

const (
	BreakpointChanged BreakpointReasonType = "changed"
)

// MainThreadID is reserved for the engine's coordinating thread. Host
// threads are allocated ids above it.
const MainThreadID = 1
