package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/opsrun/task-debugger/constants"
	"github.com/opsrun/task-debugger/debugger"
	e "github.com/opsrun/task-debugger/error"
)

// debugSession is the slice of the debug session the state machine needs.
type debugSession interface {
	Send(msg dap.Message)
	NextThreadID() int
	NextFrameID() int
	NextVariableID() int
	GetBreakpoint(path string, line int) *debugger.LineBreakpoint
	RegisterPathBreakpoint(path string, line int, kind debugger.LineKind)
}

// Thread models one parallel host context of the engine.
type Thread struct {
	ID     int
	Host   *Host
	Frames []int

	steppingMode constants.StepType
	steppingTask *Task
}

func (t *Thread) toDAP() dap.Thread {
	name := "main"
	if t.Host != nil {
		name = t.Host.Name
	}
	return dap.Thread{Id: t.ID, Name: name}
}

// breakStepOver matches when the new task shares the same nearest enclosing
// task ancestor as the task the step was issued on, so stepping over an
// include runs its children without stopping but stops at the next sibling.
func (t *Thread) breakStepOver(task *Task) bool {
	if t.steppingMode != constants.StepOver || t.steppingTask == nil {
		return false
	}
	return nodeID(ParentTask(task)) == nodeID(ParentTask(t.steppingTask))
}

// breakStepIn matches the first task boundary after the step was issued.
func (t *Thread) breakStepIn() bool {
	return t.steppingMode == constants.StepIn
}

// breakStepOut matches once the new task is no longer nested under the
// recorded stepping task.
func (t *Thread) breakStepOut(task *Task) bool {
	if t.steppingMode != constants.StepOut || t.steppingTask == nil {
		return false
	}
	for cur := task.Parent(); cur != nil; cur = cur.Parent() {
		if cur.ID() == t.steppingTask.ID() {
			return false
		}
	}
	return true
}

// StackFrame is one entry of a thread's call stack with the variable
// snapshot captured when the task was queued.
type StackFrame struct {
	ID       int
	Task     *Task
	TaskVars map[string]any

	// ids of variables materialized for this frame, released with it.
	Variables []int
}

func (f *StackFrame) toDAP() dap.StackFrame {
	frame := dap.StackFrame{
		Id:   f.ID,
		Name: f.Task.Name,
	}
	if path, line := f.Task.Path(); path != "" {
		frame.Source = &dap.Source{Name: filepath.Base(path), Path: path}
		frame.Line = line
	}
	return frame
}

// DebugState is the execution-state backend for the task engine: it tracks
// threads, stack frames and variables as the engine reports task
// boundaries, and parks execution goroutines while the client decides how
// to proceed.
type DebugState struct {
	mu sync.Mutex

	session debugSession
	templar *Templar

	threads   map[int]*Thread
	frames    map[int]*StackFrame
	variables map[int]*Variable

	// Per-thread single-slot rendezvous for step/continue commands. A
	// resume arriving before its thread parks is buffered, and closing all
	// channels on ended releases every parked thread at once.
	waitMu  sync.Mutex
	waiters map[int]chan constants.StepType
	done    bool
}

func NewDebugState(session debugSession) *DebugState {
	return &DebugState{
		session: session,
		templar: NewTemplar(),
		threads: map[int]*Thread{
			constants.MainThreadID: {ID: constants.MainThreadID},
		},
		frames:    make(map[int]*StackFrame),
		variables: make(map[int]*Variable),
		waiters:   make(map[int]chan constants.StepType),
	}
}

// RegisterBlocks feeds the breakpoint registry with the lines of freshly
// loaded content: explicit block headers cannot hold a breakpoint, task
// lines can.
func (s *DebugState) RegisterBlocks(blocks ...*Block) {
	for _, block := range blocks {
		if block.Line > 0 {
			s.session.RegisterPathBreakpoint(block.File, block.Line, debugger.Unbreakable)
		}
		for _, task := range block.AllTasks() {
			if path, line := task.Path(); path != "" {
				s.session.RegisterPathBreakpoint(path, line, debugger.Breakpointable)
			}
		}
		s.RegisterBlocks(block.Blocks...)
	}
}

// ProcessTask is called by an execution goroutine at every task boundary.
// It maintains the thread's frame stack and blocks while a breakpoint or
// step condition holds, until the client issues a continue/step command or
// the session ends.
func (s *DebugState) ProcessTask(host *Host, task *Task, taskVars map[string]any) *StackFrame {
	s.mu.Lock()
	thread := s.threadForHostLocked(host)

	// Pop the previous top frame when the new task hangs off a different
	// parent task. This compares only the previous top frame against the
	// new task's grandparent, which can mis-pop across deeply nested
	// inclusion chains, a known limitation of the heuristic.
	if len(thread.Frames) > 0 {
		lastID := thread.Frames[0]
		last := s.frames[lastID]
		var grand Node
		if parent := task.Parent(); parent != nil {
			grand = parent.Parent()
		}
		if grand != nil && last.Task != nil && last.Task.ID() != grand.ID() {
			thread.Frames = thread.Frames[1:]
			s.releaseFrameLocked(lastID)
		}
	}

	frame := &StackFrame{
		ID:       s.session.NextFrameID(),
		Task:     task,
		TaskVars: taskVars,
	}
	s.frames[frame.ID] = frame
	thread.Frames = append([]int{frame.ID}, thread.Frames...)
	s.mu.Unlock()

	path, line := task.Path()
	if path == "" {
		return frame
	}

	breakpoint := s.session.GetBreakpoint(path, line)
	if breakpoint != nil && breakpoint.SourceBreakpoint.Condition != "" {
		matched, err := s.templar.EvalCondition(breakpoint.SourceBreakpoint.Condition, taskVars)
		if err != nil {
			// A broken condition never fires, by the documented policy the
			// failure is not surfaced to the client.
			logrus.Debugf("[DebugState] breakpoint %d condition failed, treating as false: %v", breakpoint.ID, err)
			matched = false
		}
		if !matched {
			breakpoint = nil
		}
	}

	var reason constants.StoppedReasonType
	var description string
	var hitIDs []int

	s.mu.Lock()
	switch {
	case thread.breakStepOver(task):
		reason, description = constants.StepStopped, "Step over"
	case thread.breakStepOut(task):
		reason, description = constants.StepStopped, "Step out"
	case thread.breakStepIn():
		reason, description = constants.StepStopped, "Step in"
	// Breakpoints are ignored while a step out is pending.
	case thread.steppingMode != constants.StepOut && breakpoint != nil:
		reason, description = constants.BreakpointStopped, "Breakpoint hit"
		hitIDs = []int{breakpoint.ID}
	}
	s.mu.Unlock()

	if reason == "" {
		return frame
	}

	rendezvous := s.waitChan(thread.ID)
	if rendezvous == nil {
		return frame
	}

	event := &dap.StoppedEvent{Event: *debugger.NewEvent("stopped")}
	event.Body = dap.StoppedEventBody{
		Reason:           string(reason),
		Description:      description,
		ThreadId:         thread.ID,
		HitBreakpointIds: hitIDs,
	}
	s.session.Send(event)

	mode := <-rendezvous
	s.clearWaiter(thread.ID)

	// Stepping into a task that is not an inclusion point has nothing
	// finer to descend into, downgrade to a step over.
	if mode == constants.StepIn && !task.IsInclude() {
		mode = constants.StepOver
	}

	s.mu.Lock()
	if mode == constants.StepNone {
		thread.steppingMode = constants.StepNone
		thread.steppingTask = nil
	} else {
		thread.steppingMode = mode
		if mode == constants.StepOut {
			thread.steppingTask = includeAncestor(task)
		} else {
			thread.steppingTask = task
		}
	}
	s.mu.Unlock()

	return frame
}

// ProcessTaskResult retires the task's frame once its result came back.
// Include frames stay on the stack while their children run.
func (s *DebugState) ProcessTaskResult(host *Host, task *Task) {
	if task.IsInclude() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := s.findThreadLocked(host)
	if thread == nil || len(thread.Frames) == 0 {
		return
	}
	frameID := thread.Frames[0]
	thread.Frames = thread.Frames[1:]
	s.releaseFrameLocked(frameID)
}

// AddThread creates the thread for a host context and advertises it.
func (s *DebugState) AddThread(host *Host) *Thread {
	s.mu.Lock()
	thread := s.addThreadLocked(host)
	s.mu.Unlock()
	return thread
}

// RemoveThread drops a thread at the end of its host context.
func (s *DebugState) RemoveThread(tid int, advertise bool) {
	s.mu.Lock()
	delete(s.threads, tid)
	s.mu.Unlock()

	if advertise {
		event := &dap.ThreadEvent{Event: *debugger.NewEvent("thread")}
		event.Body = dap.ThreadEventBody{
			Reason:   string(constants.ThreadExited),
			ThreadId: tid,
		}
		s.session.Send(event)
	}
}

// Cleanup removes every host thread, called when a run finishes.
func (s *DebugState) Cleanup() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.threads))
	for tid := range s.threads {
		if tid != constants.MainThreadID {
			ids = append(ids, tid)
		}
	}
	s.mu.Unlock()

	for _, tid := range ids {
		s.RemoveThread(tid, true)
	}
}

// Ended implements debugger.Backend: the client is gone, release every
// parked execution thread and stop accepting new waits.
func (s *DebugState) Ended() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for _, rendezvous := range s.waiters {
		close(rendezvous)
	}
	s.waiters = make(map[int]chan constants.StepType)
}

// Continue implements debugger.Backend.
func (s *DebugState) Continue(request *dap.ContinueRequest) (*dap.ContinueResponse, error) {
	allThreadsContinued := true
	if request.Arguments.SingleThread {
		s.resume(request.Arguments.ThreadId, constants.StepNone)
		allThreadsContinued = false
	} else {
		s.resumeAll(constants.StepNone)
	}

	response := &dap.ContinueResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}
	response.Body.AllThreadsContinued = allThreadsContinued
	return response, nil
}

// StepIn implements debugger.Backend.
func (s *DebugState) StepIn(request *dap.StepInRequest) error {
	s.resume(request.Arguments.ThreadId, constants.StepIn)
	return nil
}

// StepOut implements debugger.Backend.
func (s *DebugState) StepOut(request *dap.StepOutRequest) error {
	s.resume(request.Arguments.ThreadId, constants.StepOut)
	return nil
}

// StepOver implements debugger.Backend.
func (s *DebugState) StepOver(request *dap.NextRequest) error {
	s.resume(request.Arguments.ThreadId, constants.StepOver)
	return nil
}

// GetThreads implements debugger.Backend.
func (s *DebugState) GetThreads(request *dap.ThreadsRequest) (*dap.ThreadsResponse, error) {
	s.mu.Lock()
	threads := make([]dap.Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		threads = append(threads, thread.toDAP())
	}
	s.mu.Unlock()
	sort.Slice(threads, func(i, j int) bool { return threads[i].Id < threads[j].Id })

	response := &dap.ThreadsResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}
	response.Body.Threads = threads
	return response, nil
}

// GetStackTrace implements debugger.Backend.
func (s *DebugState) GetStackTrace(request *dap.StackTraceRequest) (*dap.StackTraceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[request.Arguments.ThreadId]
	if !ok {
		return nil, fmt.Errorf("%w: %d", e.ErrUnknownThread, request.Arguments.ThreadId)
	}

	frames := make([]dap.StackFrame, 0, len(thread.Frames))
	for _, frameID := range thread.Frames {
		frames = append(frames, s.frames[frameID].toDAP())
	}

	response := &dap.StackTraceResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}
	response.Body = dap.StackTraceResponseBody{
		StackFrames: frames,
		TotalFrames: len(frames),
	}
	return response, nil
}

// Evaluate implements debugger.Backend. Only the REPL context evaluates
// against the frame's variable snapshot.
func (s *DebugState) Evaluate(request *dap.EvaluateRequest) (*dap.EvaluateResponse, error) {
	response := &dap.EvaluateResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}

	if request.Arguments.Context != "repl" || request.Arguments.FrameId == 0 {
		response.Body.Result = fmt.Sprintf("Evaluation for %s is not implemented", request.Arguments.Context)
		return response, nil
	}

	s.mu.Lock()
	frame, ok := s.frames[request.Arguments.FrameId]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", e.ErrUnknownFrame, request.Arguments.FrameId)
	}
	value, err := s.templar.Evaluate(request.Arguments.Expression, frame.TaskVars)
	if err != nil {
		return nil, err
	}
	response.Body = dap.EvaluateResponseBody{
		Result: formatValue(value),
		Type:   typeName(value),
	}
	return response, nil
}

// threadForHostLocked finds the thread owning host, creating and
// advertising it on first use.
func (s *DebugState) threadForHostLocked(host *Host) *Thread {
	if thread := s.findThreadLocked(host); thread != nil {
		return thread
	}
	return s.addThreadLocked(host)
}

func (s *DebugState) findThreadLocked(host *Host) *Thread {
	for _, thread := range s.threads {
		if thread.Host == host {
			return thread
		}
	}
	return nil
}

func (s *DebugState) addThreadLocked(host *Host) *Thread {
	thread := &Thread{
		ID:   s.session.NextThreadID(),
		Host: host,
	}
	s.threads[thread.ID] = thread

	event := &dap.ThreadEvent{Event: *debugger.NewEvent("thread")}
	event.Body = dap.ThreadEventBody{
		Reason:   string(constants.ThreadStarted),
		ThreadId: thread.ID,
	}
	s.session.Send(event)
	return thread
}

func (s *DebugState) releaseFrameLocked(frameID int) {
	frame, ok := s.frames[frameID]
	if !ok {
		return
	}
	delete(s.frames, frameID)
	for _, variableID := range frame.Variables {
		delete(s.variables, variableID)
	}
}

// waitChan returns the thread's rendezvous channel, nil once the session
// has ended so a late stop never parks forever.
func (s *DebugState) waitChan(tid int) chan constants.StepType {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.done {
		return nil
	}
	rendezvous, ok := s.waiters[tid]
	if !ok {
		rendezvous = make(chan constants.StepType, 1)
		s.waiters[tid] = rendezvous
	}
	return rendezvous
}

func (s *DebugState) clearWaiter(tid int) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if !s.done {
		delete(s.waiters, tid)
	}
}

// resume wakes one parked thread with the requested stepping mode. A
// resume for a thread that has not parked yet is buffered in its slot.
func (s *DebugState) resume(tid int, mode constants.StepType) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.done {
		return
	}
	rendezvous, ok := s.waiters[tid]
	if !ok {
		rendezvous = make(chan constants.StepType, 1)
		s.waiters[tid] = rendezvous
	}
	select {
	case rendezvous <- mode:
	default:
	}
}

func (s *DebugState) resumeAll(mode constants.StepType) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.done {
		return
	}
	for _, rendezvous := range s.waiters {
		select {
		case rendezvous <- mode:
		default:
		}
	}
}
