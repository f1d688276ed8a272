package error

import "errors"

var (
	// ErrCancelled indicates a guarded operation was aborted by token
	// cancellation. Expected during shutdown, never logged as an error.
	ErrCancelled = errors.New("operation cancelled")
	// ErrAlreadyCancelled 注册失败，令牌已经被取消
	ErrAlreadyCancelled = errors.New("cancellation token is already cancelled")
	ErrAcceptTimeout    = errors.New("timed out waiting for a debug client connection")
	ErrConfigTimeout    = errors.New("timed out waiting for the client configuration")

	ErrBackendRegistered = errors.New("a debug backend is already registered")
	ErrVariableReadOnly  = errors.New("variable cannot be set")
	ErrUnknownThread     = errors.New("unknown thread id")
	ErrUnknownFrame      = errors.New("unknown frame id")
	ErrUnknownVariable   = errors.New("unknown variable reference")

	ErrMissingIncludeFile = errors.New("include task has no file argument")
	ErrMissingCommand     = errors.New("command task has no cmd argument")
	ErrTaskFailed         = errors.New("task failed")
	ErrUnknownAction      = errors.New("unknown action")
)
