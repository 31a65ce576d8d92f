package coordinator

import (
	"context"
	"sync"
)

// requestGate blocks client-side requests while a config-driven session
// rebuild is in progress. The gate starts open.
type requestGate struct {
	mutex sync.Mutex
	open  chan struct{}
}

func newRequestGate() *requestGate {
	gate := &requestGate{open: make(chan struct{})}
	close(gate.open)
	return gate
}

// Close makes subsequent Wait calls block until Open.
func (gate *requestGate) Close() {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	select {
	case <-gate.open:
		gate.open = make(chan struct{})
	default:
	}
}

// Open releases every blocked Wait call.
func (gate *requestGate) Open() {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	select {
	case <-gate.open:
	default:
		close(gate.open)
	}
}

// Wait blocks until the gate is open or the context is cancelled.
func (gate *requestGate) Wait(ctx context.Context) error {
	gate.mutex.Lock()
	open := gate.open
	gate.mutex.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// taskGroup tracks cancel functions for in-flight tasks so a config rebuild
// can stop them all and wait for them to unwind.
type taskGroup struct {
	mutex   sync.Mutex
	nextID  int
	cancels map[int]context.CancelFunc
	waits   sync.WaitGroup
}

func newTaskGroup() *taskGroup {
	return &taskGroup{cancels: map[int]context.CancelFunc{}}
}

// Track derives a cancellable context for one task. The returned release
// function must be called when the task finishes.
func (group *taskGroup) Track(ctx context.Context) (context.Context, func()) {
	taskCtx, cancel := context.WithCancel(ctx)
	group.mutex.Lock()
	taskID := group.nextID
	group.nextID++
	group.cancels[taskID] = cancel
	group.waits.Add(1)
	group.mutex.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			group.mutex.Lock()
			delete(group.cancels, taskID)
			group.mutex.Unlock()
			cancel()
			group.waits.Done()
		})
	}
	return taskCtx, release
}

// CancelAndWait cancels every tracked task and blocks until each has
// released.
func (group *taskGroup) CancelAndWait() {
	group.mutex.Lock()
	for _, cancel := range group.cancels {
		cancel()
	}
	group.mutex.Unlock()
	group.waits.Wait()
}
