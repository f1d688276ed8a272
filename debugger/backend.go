package debugger

import (
	"github.com/google/go-dap"
)

// Backend is the execution-state contract implemented per target task
// engine. It tracks threads, stack frames, variables and stepping semantics
// while the Session owns the wire protocol and breakpoint registry.
// 需要保证并发安全
type Backend interface {
	// Ended notifies the backend that the client connection is gone so any
	// thread blocked on a step or continue wait must be released.
	Ended()
	// Evaluate 对表达式求值
	Evaluate(request *dap.EvaluateRequest) (*dap.EvaluateResponse, error)
	// Continue resumes one thread, or every waiting thread when the request
	// is not single-threaded.
	Continue(request *dap.ContinueRequest) (*dap.ContinueResponse, error)
	// GetScopes 获取某个栈帧的作用域列表
	GetScopes(request *dap.ScopesRequest) (*dap.ScopesResponse, error)
	// GetStackTrace 获取栈帧
	GetStackTrace(request *dap.StackTraceRequest) (*dap.StackTraceResponse, error)
	GetThreads(request *dap.ThreadsRequest) (*dap.ThreadsResponse, error)
	// GetVariables expands one level of a previously materialized variable.
	GetVariables(request *dap.VariablesRequest) (*dap.VariablesResponse, error)
	SetVariable(request *dap.SetVariableRequest) (*dap.SetVariableResponse, error)
	// StepIn 下一步，会进入复合任务内部
	StepIn(request *dap.StepInRequest) error
	// StepOut 单步退出
	StepOut(request *dap.StepOutRequest) error
	// StepOver 下一步，不会进入复合任务内部
	StepOver(request *dap.NextRequest) error
}
