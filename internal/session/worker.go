package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// WorkerID identifies a unit of concurrent test execution.
type WorkerID string

type workerKey struct{}

// WithWorker returns a context carrying the worker id. Sessions of an id
// not registered through NewWorker are never swept; close them with
// Pool.CloseWorker.
func WithWorker(ctx context.Context, id WorkerID) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// WorkerFrom extracts the worker id set by WithWorker.
func WorkerFrom(ctx context.Context) (WorkerID, bool) {
	id, ok := ctx.Value(workerKey{}).(WorkerID)
	return id, ok && id != ""
}

// Worker is a registered worker whose lifetime is bound to a context. Its
// sessions are closed when Close is called, or swept by the pool once the
// context is done.
type Worker struct {
	id     WorkerID
	ctx    context.Context
	cancel context.CancelFunc
	pool   *Pool
	closed atomic.Bool
}

// NewWorker registers a worker with the pool. name only needs to be
// human-readable; a random suffix keeps ids unique.
func (p *Pool) NewWorker(parent context.Context, name string) *Worker {
	if name == "" {
		name = "worker"
	}
	id := WorkerID(fmt.Sprintf("%s-%s", name, uuid.NewString()[:8]))

	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		id:     id,
		cancel: cancel,
		pool:   p,
	}
	w.ctx = WithWorker(ctx, id)

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()
	return w
}

// ID returns the worker id.
func (w *Worker) ID() WorkerID {
	return w.id
}

// Context returns the worker context. Pass it to every call made on behalf of
// this worker.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Alive reports whether the worker may still issue commands.
func (w *Worker) Alive() bool {
	return !w.closed.Load() && w.ctx.Err() == nil
}

// Close ends the worker and closes all of its sessions. It is idempotent.
func (w *Worker) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
	w.pool.CloseWorker(w.id)
}
