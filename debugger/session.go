package debugger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/opsrun/task-debugger/constants"
	e "github.com/opsrun/task-debugger/error"
	"github.com/opsrun/task-debugger/transport"
	"github.com/opsrun/task-debugger/utils"
	"github.com/opsrun/task-debugger/utils/gosync"
)

// Session is one debug session between a task engine and a single DAP
// client. It owns the cancellable transport, dispatches inbound requests to
// the registered Backend strictly in arrival order, and serializes every
// outbound response and event through one send path so ordering is
// preserved. A Session is constructed explicitly and passed to every
// collaborator, there is no process-wide instance.
type Session struct {
	mu sync.Mutex

	token   *transport.CancellationToken
	channel *transport.Channel
	status  *utils.StatusManager

	connected     chan struct{}
	connectedOnce sync.Once
	configDone    chan struct{}
	configOnce    sync.Once
	endOnce       sync.Once

	backendMu   sync.Mutex
	backendCond *sync.Cond
	backend     Backend

	// id counters, all strictly increasing for the session lifetime.
	threadCounter     int
	frameCounter      int
	variableCounter   int
	breakpointCounter int

	breakpoints map[int]*LineBreakpoint
	sourceInfo  map[string][]LineKind
}

func NewSession() *Session {
	s := &Session{
		token:      transport.NewCancellationToken(),
		status:     utils.NewStatusManager(),
		connected:  make(chan struct{}),
		configDone: make(chan struct{}),
		// 1 is always the main thread
		threadCounter:     constants.MainThreadID + 1,
		frameCounter:      1,
		variableCounter:   1,
		breakpointCounter: 1,
		breakpoints:       make(map[int]*LineBreakpoint),
		sourceInfo:        make(map[string][]LineKind),
	}
	s.backendCond = sync.NewCond(&s.backendMu)
	return s
}

// Start begins serving the debug connection in the background. In listen
// mode the socket is bound synchronously and the bound address persisted to
// the discovery file before returning, so an out-of-process client can find
// it. timeout bounds the accept or dial wait.
func (s *Session) Start(addr string, mode constants.SocketMode, timeout time.Duration) error {
	switch mode {
	case constants.ModeListen:
		sock, err := transport.Listen("dap", addr)
		if err != nil {
			return err
		}
		if err := transport.WriteDiscoveryFile(os.Getpid(), sock.Addr()); err != nil {
			sock.Close()
			return err
		}
		gosync.Go(context.Background(), func(ctx context.Context) {
			if err := sock.Accept(s.token, timeout); err != nil {
				logrus.Infof("[Session] accept ended before a client arrived: %v", err)
				sock.Close()
				s.ended()
				return
			}
			s.run(sock)
		})
		return nil

	case constants.ModeConnect:
		gosync.Go(context.Background(), func(ctx context.Context) {
			sock, err := transport.Dial("dap", addr, s.token, timeout)
			if err != nil {
				logrus.Infof("[Session] connect to %s failed: %v", addr, err)
				s.ended()
				return
			}
			s.run(sock)
		})
		return nil

	default:
		return fmt.Errorf("unknown socket mode %q", mode)
	}
}

func (s *Session) run(sock *transport.Socket) {
	channel := transport.NewChannel(sock, s.token, s)
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	channel.Start()
	s.status.Set(utils.Connected)
	s.connectedOnce.Do(func() { close(s.connected) })
	channel.Wait()
}

// Shutdown cancels every in-flight socket operation and releases every
// thread blocked on a step or continue wait.
func (s *Session) Shutdown() {
	logrus.Debugf("[Session] shutting down")
	s.token.Cancel()
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel != nil {
		channel.Wait()
	}
	transport.RemoveDiscoveryFile(os.Getpid())
	s.ended()
	logrus.Debugf("[Session] shutdown complete")
}

// Send enqueues one outbound message. Messages produced before a client is
// connected are dropped, the client rebuilds thread state on attach.
func (s *Session) Send(msg dap.Message) {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == nil {
		logrus.Debugf("[Session] dropping %T, no client connected", msg)
		return
	}
	channel.Send(msg)
}

// Register installs the execution-state backend for one engine run. A
// second concurrent registration fails loudly.
func (s *Session) Register(backend Backend) error {
	s.backendMu.Lock()
	defer s.backendMu.Unlock()
	if s.backend != nil {
		return e.ErrBackendRegistered
	}
	s.backend = backend
	s.backendCond.Broadcast()
	return nil
}

// Unregister removes the backend at the end of a run.
func (s *Session) Unregister() {
	s.backendMu.Lock()
	defer s.backendMu.Unlock()
	s.backend = nil
	s.backendCond.Broadcast()
}

// getBackend blocks dispatch until a backend registers. Returns nil once
// the session has finished so a request racing teardown gets an error
// response instead of hanging.
func (s *Session) getBackend() Backend {
	s.backendMu.Lock()
	defer s.backendMu.Unlock()
	for s.backend == nil && !s.status.Is(utils.Finish) {
		s.backendCond.Wait()
	}
	return s.backend
}

// WaitForConfigDone blocks the engine until the client has connected and
// finished sending its initial configuration, so execution cannot start
// before the first breakpoints arrive. The wait is bounded, a debuggee is
// never hung forever on a client that does not attach.
func (s *Session) WaitForConfigDone(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-s.connected:
	case <-deadline.C:
		return e.ErrConfigTimeout
	}
	select {
	case <-s.configDone:
		return nil
	case <-deadline.C:
		return e.ErrConfigTimeout
	}
}

// NextThreadID 分配线程id
func (s *Session) NextThreadID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.threadCounter
	s.threadCounter++
	return id
}

func (s *Session) NextFrameID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.frameCounter
	s.frameCounter++
	return id
}

func (s *Session) NextVariableID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.variableCounter
	s.variableCounter++
	return id
}

// OnMessage implements transport.MessageHandler. Inbound requests are
// processed strictly in arrival order on the receive loop goroutine.
func (s *Session) OnMessage(msg dap.Message) {
	s.dispatch(msg)
}

// ConnectionClosed implements transport.MessageHandler.
func (s *Session) ConnectionClosed(err error) {
	if err != nil {
		logrus.Warnf("[Session] connection lost: %v", err)
	}
	s.ended()
}

// ended releases everything that may be blocked on the client: the config
// latch, dispatch goroutines waiting for a backend, and every execution
// thread parked on a step or continue wait.
func (s *Session) ended() {
	s.endOnce.Do(func() {
		s.status.Set(utils.Finish)
		s.connectedOnce.Do(func() { close(s.connected) })
		s.configOnce.Do(func() { close(s.configDone) })

		s.backendMu.Lock()
		backend := s.backend
		s.backendCond.Broadcast()
		s.backendMu.Unlock()
		if backend != nil {
			backend.Ended()
		}
	})
}

// dispatch is the single point of message dispatch. A handler failure never
// crashes the session: it is caught, logged and converted into an error
// response carrying the original request's seq and command.
func (s *Session) dispatch(msg dap.Message) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Session] panic while processing seq %d: %v", msg.GetSeq(), r)
			if request, ok := msg.(dap.RequestMessage); ok {
				req := request.GetRequest()
				s.Send(NewErrorResponse(req.Seq, req.Command, fmt.Sprintf("unknown error: %v", r)))
			}
		}
	}()

	switch request := msg.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(request)
	case *dap.ConfigurationDoneRequest:
		response := &dap.ConfigurationDoneResponse{}
		response.Response = *NewResponse(request.Seq, request.Command)
		s.Send(response)
		s.configOnce.Do(func() { close(s.configDone) })
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpoints(request)
	case *dap.ContinueRequest:
		s.onContinue(request)
	case *dap.NextRequest:
		if backend := s.getBackend(); backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
		} else if err := backend.StepOver(request); err != nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, err.Error()))
		} else {
			response := &dap.NextResponse{}
			response.Response = *NewResponse(request.Seq, request.Command)
			s.Send(response)
		}
	case *dap.StepInRequest:
		if backend := s.getBackend(); backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
		} else if err := backend.StepIn(request); err != nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, err.Error()))
		} else {
			response := &dap.StepInResponse{}
			response.Response = *NewResponse(request.Seq, request.Command)
			s.Send(response)
		}
	case *dap.StepOutRequest:
		if backend := s.getBackend(); backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
		} else if err := backend.StepOut(request); err != nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, err.Error()))
		} else {
			response := &dap.StepOutResponse{}
			response.Response = *NewResponse(request.Seq, request.Command)
			s.Send(response)
		}
	case *dap.ThreadsRequest:
		backend := s.getBackend()
		if backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
			return
		}
		s.sendResult(request.Seq, request.Command)(backend.GetThreads(request))
	case *dap.StackTraceRequest:
		backend := s.getBackend()
		if backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
			return
		}
		s.sendResult(request.Seq, request.Command)(backend.GetStackTrace(request))
	case *dap.ScopesRequest:
		backend := s.getBackend()
		if backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
			return
		}
		s.sendResult(request.Seq, request.Command)(backend.GetScopes(request))
	case *dap.VariablesRequest:
		backend := s.getBackend()
		if backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
			return
		}
		s.sendResult(request.Seq, request.Command)(backend.GetVariables(request))
	case *dap.SetVariableRequest:
		backend := s.getBackend()
		if backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
			return
		}
		s.sendResult(request.Seq, request.Command)(backend.SetVariable(request))
	case *dap.EvaluateRequest:
		backend := s.getBackend()
		if backend == nil {
			s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
			return
		}
		s.sendResult(request.Seq, request.Command)(backend.Evaluate(request))
	case *dap.DisconnectRequest:
		response := &dap.DisconnectResponse{}
		response.Response = *NewResponse(request.Seq, request.Command)
		s.Send(response)
		gosync.Go(context.Background(), func(ctx context.Context) {
			s.Shutdown()
		})
	default:
		if request, ok := msg.(dap.RequestMessage); ok {
			req := request.GetRequest()
			logrus.Warnf("[Session] request %q is not supported", req.Command)
			s.Send(NewErrorResponse(req.Seq, req.Command, fmt.Sprintf("%s is not yet supported", req.Command)))
			return
		}
		logrus.Warnf("[Session] unable to process %#v", msg)
	}
}

// sendResult sends either the backend's response or an error response for
// the originating request.
func (s *Session) sendResult(seq int, command string) func(msg dap.Message, err error) {
	return func(msg dap.Message, err error) {
		if err != nil {
			s.Send(NewErrorResponse(seq, command, err.Error()))
			return
		}
		s.Send(msg)
	}
}

func (s *Session) onInitialize(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{}
	response.Response = *NewResponse(request.Seq, request.Command)
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsSingleThreadExecutionRequests = true
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsHitConditionalBreakpoints = false
	response.Body.SupportsEvaluateForHovers = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsRestartFrame = false
	response.Body.SupportsStepInTargetsRequest = false
	response.Body.SupportsTerminateRequest = false
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{}

	s.Send(response)

	// After the response, notify the client that configuration requests
	// such as setBreakpoints are accepted from now on. The client ends the
	// sequence with a configurationDone request.
	event := &dap.InitializedEvent{Event: *NewEvent("initialized")}
	s.Send(event)
}

func (s *Session) onContinue(request *dap.ContinueRequest) {
	backend := s.getBackend()
	if backend == nil {
		s.Send(NewErrorResponse(request.Seq, request.Command, "no backend registered"))
		return
	}
	response, err := backend.Continue(request)
	if err != nil {
		s.Send(NewErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	s.Send(response)
}
