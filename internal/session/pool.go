package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"testbed/pkg/logging"
)

// Stats is a snapshot of pool activity.
type Stats struct {
	Live       int
	CheckedOut int
	Workers    int
	Created    int64
	Evicted    int64
	Swept      int64
}

// Pool maps (worker, node) keys to live sessions. Sessions are created lazily
// on first Acquire and reused until they die, are evicted, or their worker
// ends. The pool lock guards the maps only; it is never held while a channel
// is opened, closed, or running a command.
type Pool struct {
	transport Transport
	timeout   time.Duration

	mu          sync.Mutex
	sessions    map[Key]*Session
	checkedOut  map[Key]bool
	workers     map[WorkerID]*Worker
	terminating bool

	created int64
	evicted int64
	swept   int64
}

// NewPool creates a pool that opens channels through transport. timeout is
// the default command timeout of new sessions; zero means DefaultTimeout.
func NewPool(transport Transport, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{
		transport:  transport,
		timeout:    timeout,
		sessions:   make(map[Key]*Session),
		checkedOut: make(map[Key]bool),
		workers:    make(map[WorkerID]*Worker),
	}
}

// Acquire checks out the session for key, opening a channel if there is no
// live one. The caller must Release or Evict the key when done. Acquiring a
// key that is already checked out returns ErrSessionBusy.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.terminating {
		p.mu.Unlock()
		return nil, ErrTerminating
	}
	if p.checkedOut[key] {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}

	stale := p.sweepLocked()
	s := p.sessions[key]
	if s != nil && !s.Alive() {
		delete(p.sessions, key)
		stale = append(stale, s)
		s = nil
	}
	p.checkedOut[key] = true
	p.mu.Unlock()

	closeSessions(stale)
	if s != nil {
		return s, nil
	}

	ch, err := p.transport.Open(ctx, key.Node)
	if err != nil {
		p.mu.Lock()
		delete(p.checkedOut, key)
		p.mu.Unlock()
		return nil, &ConnectionError{Node: key.Node, Reason: err}
	}
	s = newSession(key, ch, p.timeout)

	p.mu.Lock()
	if p.terminating || !p.checkedOut[key] {
		// Terminate or CloseAll ran while the channel was opening.
		delete(p.checkedOut, key)
		p.mu.Unlock()
		s.Close()
		return nil, ErrTerminating
	}
	p.sessions[key] = s
	p.created++
	p.mu.Unlock()

	logging.Debug("SessionPool", "Opened session %s for %s", s.ID(), key)
	return s, nil
}

// Release returns a checked-out session to the pool. Dead sessions and
// sessions of ended workers are closed instead of kept.
func (p *Pool) Release(key Key) {
	p.mu.Lock()
	delete(p.checkedOut, key)
	s := p.sessions[key]
	if s == nil || (s.Alive() && p.workerAliveLocked(key.Worker)) {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, key)
	p.evicted++
	p.mu.Unlock()

	s.Close()
}

// Evict closes and removes the session for key, checked out or not.
func (p *Pool) Evict(key Key) {
	p.mu.Lock()
	delete(p.checkedOut, key)
	s := p.sessions[key]
	delete(p.sessions, key)
	if s != nil {
		p.evicted++
	}
	p.mu.Unlock()

	if s != nil {
		logging.Debug("SessionPool", "Evicted session %s for %s", s.ID(), key)
		s.Close()
	}
}

// EvictNode closes the sessions of every worker connected to node and
// returns how many were closed.
func (p *Pool) EvictNode(node string) int {
	victims := p.removeWhere(func(k Key) bool { return k.Node == node })
	closeSessions(victims)
	if len(victims) > 0 {
		logging.Debug("SessionPool", "Evicted %d session(s) of node %s", len(victims), node)
	}
	return len(victims)
}

// CloseWorker closes every session owned by id and forgets the worker.
func (p *Pool) CloseWorker(id WorkerID) {
	victims := p.removeWhere(func(k Key) bool { return k.Worker == id })
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()

	closeSessions(victims)
	if len(victims) > 0 {
		logging.Debug("SessionPool", "Closed %d session(s) of worker %s", len(victims), id)
	}
}

// CloseAll force-closes every session, including checked-out ones.
func (p *Pool) CloseAll() int {
	victims := p.removeWhere(func(Key) bool { return true })
	closeSessions(victims)
	if len(victims) > 0 {
		logging.Debug("SessionPool", "Closed all %d session(s)", len(victims))
	}
	return len(victims)
}

// Terminate makes every further Acquire fail with ErrTerminating.
func (p *Pool) Terminate() {
	p.mu.Lock()
	p.terminating = true
	p.mu.Unlock()
}

// Reopen undoes Terminate.
func (p *Pool) Reopen() {
	p.mu.Lock()
	p.terminating = false
	p.mu.Unlock()
}

// Terminating reports whether Terminate was called without a later Reopen.
func (p *Pool) Terminating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminating
}

// Len returns the number of live sessions held by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.Alive() {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		CheckedOut: len(p.checkedOut),
		Workers:    len(p.workers),
		Created:    p.created,
		Evicted:    p.evicted,
		Swept:      p.swept,
	}
	for _, s := range p.sessions {
		if s.Alive() {
			st.Live++
		}
	}
	return st
}

// Sessions returns the keys of all held sessions.
func (p *Pool) Sessions() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]Key, 0, len(p.sessions))
	for k := range p.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Sweep removes the sessions of ended workers and returns how many it closed.
// Acquire sweeps on every call; Sweep exists for callers that want to reclaim
// channels eagerly.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	stale := p.sweepLocked()
	p.mu.Unlock()
	closeSessions(stale)
	return len(stale)
}

// sweepLocked unlinks sessions whose owner has ended. Checked-out sessions
// are left to Release.
func (p *Pool) sweepLocked() []*Session {
	var stale []*Session
	for key, s := range p.sessions {
		if p.checkedOut[key] || p.workerAliveLocked(key.Worker) {
			continue
		}
		delete(p.sessions, key)
		stale = append(stale, s)
	}
	held := make(map[WorkerID]bool)
	for key := range p.sessions {
		held[key.Worker] = true
	}
	for id, w := range p.workers {
		if !w.Alive() && !held[id] {
			delete(p.workers, id)
		}
	}
	if len(stale) > 0 {
		p.swept += int64(len(stale))
		logging.Debug("SessionPool", "Swept %d session(s) of ended workers", len(stale))
	}
	return stale
}

// workerAliveLocked treats unregistered ids as alive: they come from
// WithWorker and have no lifetime the pool can observe.
func (p *Pool) workerAliveLocked(id WorkerID) bool {
	w, ok := p.workers[id]
	if !ok {
		return true
	}
	return w.Alive()
}

func (p *Pool) removeWhere(match func(Key) bool) []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var victims []*Session
	for key, s := range p.sessions {
		if match(key) {
			delete(p.sessions, key)
			victims = append(victims, s)
		}
	}
	for key := range p.checkedOut {
		if match(key) {
			delete(p.checkedOut, key)
		}
	}
	p.evicted += int64(len(victims))
	return victims
}

func closeSessions(sessions []*Session) {
	for _, s := range sessions {
		s.Close()
	}
}
