package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"

	"github.com/opsrun/task-debugger/constants"
	"github.com/opsrun/task-debugger/debugger"
	e "github.com/opsrun/task-debugger/error"
)

// fakeSession 测试用的会话桩，记录发出的消息并提供断点配置
type fakeSession struct {
	mu       sync.Mutex
	threadID int
	frameID  int
	varID    int

	events      chan dap.Message
	breakpoints map[string]*debugger.LineBreakpoint
	registered  []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		threadID:    constants.MainThreadID + 1,
		frameID:     1,
		varID:       1,
		events:      make(chan dap.Message, 64),
		breakpoints: make(map[string]*debugger.LineBreakpoint),
	}
}

func (f *fakeSession) Send(msg dap.Message) {
	f.events <- msg
}

func (f *fakeSession) NextThreadID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.threadID
	f.threadID++
	return id
}

func (f *fakeSession) NextFrameID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.frameID
	f.frameID++
	return id
}

func (f *fakeSession) NextVariableID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.varID
	f.varID++
	return id
}

func (f *fakeSession) GetBreakpoint(path string, line int) *debugger.LineBreakpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakpoints[fmt.Sprintf("%s:%d", path, line)]
}

func (f *fakeSession) RegisterPathBreakpoint(path string, line int, kind debugger.LineKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, fmt.Sprintf("%s:%d:%d", path, line, kind))
}

func (f *fakeSession) addBreakpoint(task *Task, condition string) *debugger.LineBreakpoint {
	path, line := task.Path()
	bp := &debugger.LineBreakpoint{
		ID:               len(f.breakpoints) + 1,
		SourceBreakpoint: dap.SourceBreakpoint{Line: line, Condition: condition},
	}
	f.mu.Lock()
	f.breakpoints[fmt.Sprintf("%s:%d", path, line)] = bp
	f.mu.Unlock()
	return bp
}

func waitEvent[T dap.Message](t *testing.T, f *fakeSession) T {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.events:
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// taskTree is the fixture used by the stepping tests:
//
//	t1           plain task
//	inc          include task
//	  a, b       tasks of the included file
//	t2           plain task after the include
type taskTree struct {
	root       *Block
	t1, t2     *Task
	inc, a, b  *Task
	childBlock *Block
}

func buildTaskTree() *taskTree {
	root := newBlock(nil)
	root.File = "/playbooks/site.yml"

	t1 := newTask(root)
	t1.Name, t1.Action = "first", "ping"
	t1.File, t1.Line = root.File, 2

	inc := newTask(root)
	inc.Name, inc.Action = "pull in tasks", "include_tasks"
	inc.Args["file"] = "other.yml"
	inc.File, inc.Line = root.File, 4

	childBlock := newBlock(inc)
	childBlock.File = "/playbooks/other.yml"
	a := newTask(childBlock)
	a.Name, a.Action = "child a", "ping"
	a.File, a.Line = childBlock.File, 1
	b := newTask(childBlock)
	b.Name, b.Action = "child b", "ping"
	b.File, b.Line = childBlock.File, 3
	childBlock.Tasks = []*Task{a, b}

	t2 := newTask(root)
	t2.Name, t2.Action = "last", "ping"
	t2.File, t2.Line = root.File, 6

	root.Tasks = []*Task{t1, inc, t2}
	return &taskTree{root: root, t1: t1, t2: t2, inc: inc, a: a, b: b, childBlock: childBlock}
}

func TestStepPredicates(t *testing.T) {
	tree := buildTaskTree()

	over := &Thread{steppingMode: constants.StepOver, steppingTask: tree.t1}
	assert.True(t, over.breakStepOver(tree.t2), "siblings share a nil parent task")
	assert.False(t, over.breakStepOver(tree.a), "include children have a different parent task")

	over.steppingTask = tree.a
	assert.True(t, over.breakStepOver(tree.b))

	in := &Thread{steppingMode: constants.StepIn}
	assert.True(t, in.breakStepIn())

	out := &Thread{steppingMode: constants.StepOut, steppingTask: tree.inc}
	assert.False(t, out.breakStepOut(tree.a), "still nested under the stepping task")
	assert.True(t, out.breakStepOut(tree.t2), "left the stepping task")
}

// processAsync runs ProcessTask on its own goroutine the way an execution
// thread would, returning a channel that yields the created frame.
func processAsync(state *DebugState, host *Host, task *Task, vars map[string]any) <-chan *StackFrame {
	out := make(chan *StackFrame, 1)
	go func() {
		out <- state.ProcessTask(host, task, vars)
	}()
	return out
}

func waitFrame(t *testing.T, frames <-chan *StackFrame) *StackFrame {
	select {
	case frame := <-frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("execution thread did not resume")
		return nil
	}
}

func assertRunning(t *testing.T, frames <-chan *StackFrame) *StackFrame {
	select {
	case frame := <-frames:
		return frame
	case <-time.After(200 * time.Millisecond):
		t.Fatal("execution thread should not have stopped here")
		return nil
	}
}

func TestBreakpointStopAndContinue(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")

	bp := session.addBreakpoint(tree.t1, "")

	frames := processAsync(state, host, tree.t1, map[string]any{})

	started := waitEvent[*dap.ThreadEvent](t, session)
	assert.Equal(t, "started", started.Body.Reason)
	tid := started.Body.ThreadId

	stopped := waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, "Breakpoint hit", stopped.Body.Description)
	assert.Equal(t, tid, stopped.Body.ThreadId)
	assert.Equal(t, []int{bp.ID}, stopped.Body.HitBreakpointIds)

	request := &dap.ContinueRequest{}
	request.Arguments = dap.ContinueArguments{ThreadId: tid, SingleThread: true}
	response, err := state.Continue(request)
	assert.Nil(t, err)
	assert.False(t, response.Body.AllThreadsContinued)

	waitFrame(t, frames)
}

func TestBreakpointCondition(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")

	session.addBreakpoint(tree.t1, `env == "prod"`)

	// condition false: no stop
	frames := processAsync(state, host, tree.t1, map[string]any{"env": "dev"})
	assertRunning(t, frames)
	state.ProcessTaskResult(host, tree.t1)

	// a condition that fails to evaluate counts as false
	frames = processAsync(state, host, tree.t1, map[string]any{"env": 5})
	assertRunning(t, frames)
	state.ProcessTaskResult(host, tree.t1)

	// condition true: stop
	frames = processAsync(state, host, tree.t1, map[string]any{"env": "prod"})
	stopped := waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)

	state.resumeAll(constants.StepNone)
	waitFrame(t, frames)
}

func TestStepOverSkipsIncludeChildren(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")
	vars := map[string]any{}

	session.addBreakpoint(tree.t1, "")

	frames := processAsync(state, host, tree.t1, vars)
	stopped := waitEvent[*dap.StoppedEvent](t, session)
	tid := stopped.Body.ThreadId

	step := &dap.NextRequest{}
	step.Arguments = dap.NextArguments{ThreadId: tid}
	assert.Nil(t, state.StepOver(step))
	waitFrame(t, frames)
	state.ProcessTaskResult(host, tree.t1)

	// the include is a sibling of t1, stepping over stops on it
	frames = processAsync(state, host, tree.inc, vars)
	stopped = waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.Equal(t, "Step over", stopped.Body.Description)

	assert.Nil(t, state.StepOver(step))
	waitFrame(t, frames)
	state.ProcessTaskResult(host, tree.inc)

	// children of the include run through without stopping
	assertRunning(t, processAsync(state, host, tree.a, vars))
	state.ProcessTaskResult(host, tree.a)
	assertRunning(t, processAsync(state, host, tree.b, vars))
	state.ProcessTaskResult(host, tree.b)

	// the next sibling stops again
	frames = processAsync(state, host, tree.t2, vars)
	stopped = waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "Step over", stopped.Body.Description)

	state.resumeAll(constants.StepNone)
	waitFrame(t, frames)
}

func TestStepInAndStepOut(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")
	vars := map[string]any{}

	session.addBreakpoint(tree.inc, "")
	// breakpoints are ignored while a step out is pending
	session.addBreakpoint(tree.b, "")

	frames := processAsync(state, host, tree.inc, vars)
	stopped := waitEvent[*dap.StoppedEvent](t, session)
	tid := stopped.Body.ThreadId

	stepIn := &dap.StepInRequest{}
	stepIn.Arguments = dap.StepInArguments{ThreadId: tid}
	assert.Nil(t, state.StepIn(stepIn))
	waitFrame(t, frames)
	state.ProcessTaskResult(host, tree.inc)

	frames = processAsync(state, host, tree.a, vars)
	stopped = waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "Step in", stopped.Body.Description)

	stepOut := &dap.StepOutRequest{}
	stepOut.Arguments = dap.StepOutArguments{ThreadId: tid}
	assert.Nil(t, state.StepOut(stepOut))
	waitFrame(t, frames)
	state.ProcessTaskResult(host, tree.a)

	// b is still inside the include and carries a breakpoint, neither stops
	assertRunning(t, processAsync(state, host, tree.b, vars))
	state.ProcessTaskResult(host, tree.b)

	frames = processAsync(state, host, tree.t2, vars)
	stopped = waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "Step out", stopped.Body.Description)

	state.resumeAll(constants.StepNone)
	waitFrame(t, frames)
}

func TestStepInDowngradesOnPlainTask(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")
	vars := map[string]any{}

	session.addBreakpoint(tree.t1, "")

	frames := processAsync(state, host, tree.t1, vars)
	stopped := waitEvent[*dap.StoppedEvent](t, session)
	tid := stopped.Body.ThreadId

	// t1 has nothing to step into, the step in behaves like a step over
	stepIn := &dap.StepInRequest{}
	stepIn.Arguments = dap.StepInArguments{ThreadId: tid}
	assert.Nil(t, state.StepIn(stepIn))
	waitFrame(t, frames)
	state.ProcessTaskResult(host, tree.t1)

	frames = processAsync(state, host, tree.inc, vars)
	stopped = waitEvent[*dap.StoppedEvent](t, session)
	assert.Equal(t, "Step over", stopped.Body.Description)

	state.resumeAll(constants.StepNone)
	waitFrame(t, frames)
}

func TestEndedReleasesParkedThreads(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")

	session.addBreakpoint(tree.t1, "")

	frames := processAsync(state, host, tree.t1, map[string]any{})
	waitEvent[*dap.StoppedEvent](t, session)

	state.Ended()
	waitFrame(t, frames)

	// calling again is harmless
	state.Ended()

	// after the session ended even a breakpoint hit no longer parks
	assertRunning(t, processAsync(state, host, tree.t1, map[string]any{}))
}

func TestFramePopHeuristic(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")
	vars := map[string]any{}

	// include frame stays while its children run
	state.ProcessTask(host, tree.inc, vars)
	state.ProcessTaskResult(host, tree.inc)
	state.ProcessTask(host, tree.a, vars)
	state.ProcessTaskResult(host, tree.a)
	state.ProcessTask(host, tree.b, vars)

	state.mu.Lock()
	thread := state.findThreadLocked(host)
	assert.Len(t, thread.Frames, 2)
	assert.Equal(t, tree.b, state.frames[thread.Frames[0]].Task)
	assert.Equal(t, tree.inc, state.frames[thread.Frames[1]].Task)
	state.mu.Unlock()
}

func TestThreadLifecycle(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)

	web := state.AddThread(NewHost("web01"))
	db := state.AddThread(NewHost("db01"))
	assert.Greater(t, db.ID, web.ID)

	request := &dap.ThreadsRequest{}
	response, err := state.GetThreads(request)
	assert.Nil(t, err)
	assert.Len(t, response.Body.Threads, 3)
	assert.Equal(t, constants.MainThreadID, response.Body.Threads[0].Id)
	assert.Equal(t, "main", response.Body.Threads[0].Name)
	assert.Equal(t, "web01", response.Body.Threads[1].Name)
	assert.Equal(t, "db01", response.Body.Threads[2].Name)

	state.Cleanup()
	response, err = state.GetThreads(request)
	assert.Nil(t, err)
	assert.Len(t, response.Body.Threads, 1)
}

func TestStackTrace(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")
	vars := map[string]any{}

	state.ProcessTask(host, tree.inc, vars)
	state.ProcessTask(host, tree.a, vars)

	started := waitEvent[*dap.ThreadEvent](t, session)
	request := &dap.StackTraceRequest{}
	request.Arguments = dap.StackTraceArguments{ThreadId: started.Body.ThreadId}
	response, err := state.GetStackTrace(request)
	assert.Nil(t, err)
	assert.Equal(t, 2, response.Body.TotalFrames)
	// most recent first
	assert.Equal(t, "child a", response.Body.StackFrames[0].Name)
	assert.Equal(t, "/playbooks/other.yml", response.Body.StackFrames[0].Source.Path)
	assert.Equal(t, 1, response.Body.StackFrames[0].Line)
	assert.Equal(t, "pull in tasks", response.Body.StackFrames[1].Name)

	request.Arguments.ThreadId = 99
	_, err = state.GetStackTrace(request)
	assert.ErrorIs(t, err, e.ErrUnknownThread)
}

func TestRegisterBlocks(t *testing.T) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	tree.childBlock.Line = 0

	state.RegisterBlocks(tree.root)

	assert.Equal(t, []string{
		"/playbooks/site.yml:2:1",
		"/playbooks/site.yml:4:1",
		"/playbooks/site.yml:6:1",
	}, session.registered)
}
