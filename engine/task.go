package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Node is one element of the task graph parent chain, either a *Task or a
// *Block. Identity comparisons between nodes always go through ID.
type Node interface {
	ID() string
	Parent() Node
}

// includeActions are the composite-task actions that expand into nested
// child tasks. They matter for step-in/step-out semantics and for keeping
// the include frame on the stack while its children run.
var includeActions = map[string]bool{
	"include_tasks": true,
	"import_tasks":  true,
	"include_role":  true,
}

// Task is a single executable unit at a file:line position.
type Task struct {
	uuid   string
	parent *Block

	Name   string
	Action string
	Args   map[string]any
	File   string
	Line   int
}

func newTask(parent *Block) *Task {
	return &Task{
		uuid:   uuid.NewString(),
		parent: parent,
		Args:   map[string]any{},
	}
}

func (t *Task) ID() string {
	return t.uuid
}

func (t *Task) Parent() Node {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

// Path returns the source position of the task, empty when the task was
// built without one.
func (t *Task) Path() (string, int) {
	return t.File, t.Line
}

// IsInclude reports whether the task is an inclusion/expansion point.
func (t *Task) IsInclude() bool {
	return includeActions[t.Action]
}

// Block groups tasks. Implicit blocks carry no source line, explicit
// `block:` constructs and included files do.
type Block struct {
	uuid   string
	parent Node

	File   string
	Line   int
	Tasks  []*Task
	Rescue []*Task
	Always []*Task
	Blocks []*Block
}

func newBlock(parent Node) *Block {
	return &Block{
		uuid:   uuid.NewString(),
		parent: parent,
	}
}

func (b *Block) ID() string {
	return b.uuid
}

func (b *Block) Parent() Node {
	return b.parent
}

// AllTasks returns the block's tasks in execution order including rescue
// and always sections and nested explicit blocks.
func (b *Block) AllTasks() []*Task {
	tasks := make([]*Task, 0, len(b.Tasks)+len(b.Rescue)+len(b.Always))
	tasks = append(tasks, b.Tasks...)
	tasks = append(tasks, b.Rescue...)
	tasks = append(tasks, b.Always...)
	return tasks
}

// ParentTask walks the parent chain to the nearest enclosing Task, skipping
// blocks. Returns nil for a top level task.
func ParentTask(n Node) *Task {
	if n == nil {
		return nil
	}
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		if t, ok := cur.(*Task); ok {
			return t
		}
	}
	return nil
}

// includeAncestor returns the nearest enclosing include task, nil when the
// task is not nested under one.
func includeAncestor(n Node) *Task {
	if n == nil {
		return nil
	}
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		if t, ok := cur.(*Task); ok && t.IsInclude() {
			return t
		}
	}
	return nil
}

// nodeID is a nil safe ID, two nil nodes compare equal.
func nodeID(n Node) string {
	if n == nil {
		return ""
	}
	return n.ID()
}

// Play runs a block of tasks over a set of hosts.
type Play struct {
	Name   string
	Hosts  []string
	Blocks []*Block
}

// Playbook is a parsed playbook file.
type Playbook struct {
	Path  string
	Plays []*Play
}

// Host is one parallel execution unit of the engine. Hosts run
// concurrently and read each other's facts through hostvars, so the
// variable map stays behind a lock.
type Host struct {
	Name string

	mu   sync.RWMutex
	vars map[string]any
}

func NewHost(name string) *Host {
	return &Host{Name: name, vars: map[string]any{}}
}

// SetVar stores one fact on the host.
func (h *Host) SetVar(name string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vars[name] = value
}

// Var returns one fact of the host.
func (h *Host) Var(name string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	value, ok := h.vars[name]
	return value, ok
}

// VarsSnapshot returns a shallow copy of the host's facts that is safe to
// read while other hosts keep writing.
func (h *Host) VarsSnapshot() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snapshot := make(map[string]any, len(h.vars))
	for name, value := range h.vars {
		snapshot[name] = value
	}
	return snapshot
}
