package transport

import (
	"sync"

	"github.com/sirupsen/logrus"

	e "github.com/opsrun/task-debugger/error"
)

// CancellationToken is the per-session registry of currently cancellable
// operations. Every blocking socket operation registers an abort callback
// before it starts and unregisters it on completion; Cancel invokes every
// registered callback so in-flight operations unblock from another
// goroutine.
type CancellationToken struct {
	mu          sync.Mutex
	cancelled   bool
	nextID      int
	cancelFuncs map[int]func()
}

func NewCancellationToken() *CancellationToken {
	return &CancellationToken{
		cancelFuncs: make(map[int]func()),
	}
}

// Register records an abort callback and returns its handle. It fails with
// e.ErrAlreadyCancelled once the token has been cancelled.
func (t *CancellationToken) Register(abort func()) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return 0, e.ErrAlreadyCancelled
	}
	id := t.nextID
	t.nextID++
	t.cancelFuncs[id] = abort
	return id, nil
}

// Unregister removes a callback registered earlier. Called on normal
// completion of the guarded operation, unknown handles are ignored.
func (t *CancellationToken) Unregister(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cancelFuncs, id)
}

// Cancel flips the latch and invokes every registered abort callback.
// Idempotent. The callbacks run outside the token lock so an abort callback
// may itself register or unregister without deadlocking.
func (t *CancellationToken) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	funcs := t.cancelFuncs
	t.cancelFuncs = make(map[int]func())
	t.mu.Unlock()

	for id, abort := range funcs {
		logrus.Debugf("[CancellationToken] cancelling operation %d", id)
		abort()
	}
}

func (t *CancellationToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
