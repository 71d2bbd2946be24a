package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"testbed/internal/containerizer"
	"testbed/internal/retry"
	"testbed/internal/session"
	"testbed/internal/topology"
	"testbed/pkg/logging"
)

const orchestratorSubsystem = "Orchestrator"

// State is the lifecycle state of a topology.
type State string

const (
	StateDown           State = "down"
	StatePulling        State = "pulling"
	StateStarting       State = "starting"
	StateHealthChecking State = "health_checking"
	StateUp             State = "up"
	StateFailed         State = "failed"
)

// Orchestrator drives a topology through its lifecycle:
//
//	down -> pulling -> starting -> health_checking -> up
//
// A failed attempt returns to down and is retried; when the retry policy is
// exhausted the topology is failed until Down is called.
type Orchestrator struct {
	runtime       containerizer.Runtime
	pool          *session.Pool
	health        *HealthPoller
	nodes         []topology.Node
	policy        retry.Policy
	healthTimeout time.Duration

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State)

	// opMu serializes Up, Down and Attach.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	attempts int
	lastErr  error
	// cancelOp cancels the running Up or Attach. Down calls it before
	// waiting for opMu.
	cancelOp context.CancelFunc
}

// NewOrchestrator creates an orchestrator for nodes in the down state.
func NewOrchestrator(rt containerizer.Runtime, pool *session.Pool, health *HealthPoller, nodes []topology.Node, policy retry.Policy, healthTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		runtime:       rt,
		pool:          pool,
		health:        health,
		nodes:         nodes,
		policy:        policy,
		healthTimeout: healthTimeout,
		state:         StateDown,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Attempts returns the number of bring-up attempts made by the last Up.
func (o *Orchestrator) Attempts() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.attempts
}

// LastError returns the error that failed the topology, if any.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// beginOp derives the context of an Up or Attach that Down can cancel.
// The returned func must be called when the operation ends.
func (o *Orchestrator) beginOp(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	o.mu.Lock()
	o.cancelOp = cancel
	o.mu.Unlock()

	return ctx, func() {
		o.mu.Lock()
		o.cancelOp = nil
		o.mu.Unlock()
		cancel()
	}
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	if from == to {
		return
	}
	logging.Info(orchestratorSubsystem, "Topology %s -> %s", from, to)
	if o.OnTransition != nil {
		o.OnTransition(from, to)
	}
}

// Up brings the topology up. When it is already up only the health check
// runs again and open sessions are kept. A failed topology stays failed.
func (o *Orchestrator) Up(ctx context.Context, timeout time.Duration) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, end := o.beginOp(ctx, timeout)
	defer end()

	switch o.State() {
	case StateUp:
		return o.reverify(ctx)
	case StateFailed:
		return &BringUpError{Attempts: o.Attempts(), Err: o.LastError()}
	}

	o.mu.Lock()
	o.attempts = 0
	o.lastErr = nil
	o.mu.Unlock()

	policy := o.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Warn(orchestratorSubsystem, "Bring-up attempt %d failed, retrying in %v: %v", attempt, wait.Round(time.Millisecond), err)
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		o.mu.Lock()
		o.attempts = attempt
		o.mu.Unlock()

		logging.Info(orchestratorSubsystem, "Bring-up attempt %d of %d", attempt, policy.MaxAttempts)
		if err := o.attempt(ctx); err != nil {
			o.setState(StateDown)
			return err
		}
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		o.fail(err)
		logging.Error(orchestratorSubsystem, err, "Could not bring up topology after %d attempt(s)", o.Attempts())
		return &BringUpError{Attempts: o.Attempts(), Err: err}
	}

	o.setState(StateUp)
	return nil
}

func (o *Orchestrator) attempt(ctx context.Context) error {
	if n := o.pool.CloseAll(); n > 0 {
		logging.Debug(orchestratorSubsystem, "Closed %d session(s) before bring-up", n)
	}

	o.setState(StatePulling)
	if _, err := o.runtime.Pull(ctx); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	o.setState(StateStarting)
	if _, err := o.runtime.Stop(ctx); err != nil {
		return fmt.Errorf("failed to remove previous instance: %w", err)
	}
	if _, err := o.runtime.Start(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	o.setState(StateHealthChecking)
	return o.health.WaitAll(ctx, o.nodes, o.healthTimeout)
}

func (o *Orchestrator) reverify(ctx context.Context) error {
	o.setState(StateHealthChecking)
	if err := o.health.WaitAll(ctx, o.nodes, o.healthTimeout); err != nil {
		o.fail(err)
		return &BringUpError{Err: err}
	}
	o.setState(StateUp)
	return nil
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	o.setState(StateFailed)
}

// Attach adopts a topology that is already running, for example one started
// by an earlier process. Only the health check runs.
func (o *Orchestrator) Attach(ctx context.Context, timeout time.Duration) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	switch s := o.State(); s {
	case StateUp:
		return nil
	case StateDown:
	default:
		return fmt.Errorf("cannot attach to topology in state %s", s)
	}

	ctx, end := o.beginOp(ctx, timeout)
	defer end()

	o.setState(StateHealthChecking)
	if err := o.health.WaitAll(ctx, o.nodes, o.healthTimeout); err != nil {
		o.setState(StateDown)
		return &BringUpError{Err: err}
	}
	o.setState(StateUp)
	return nil
}

// Down closes every session and tears the topology down. A running Up or
// Attach is cancelled first and its sessions are closed right away; the
// runtime teardown starts once that operation has returned. The state is
// reset to down even when the runtime fails to stop.
func (o *Orchestrator) Down(ctx context.Context, timeout time.Duration) error {
	o.mu.RLock()
	cancelOp := o.cancelOp
	o.mu.RUnlock()
	if cancelOp != nil {
		logging.Info(orchestratorSubsystem, "Cancelling running bring-up")
		cancelOp()
	}

	o.pool.Terminate()
	if n := o.pool.CloseAll(); n > 0 {
		logging.Debug(orchestratorSubsystem, "Closed %d session(s)", n)
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()
	defer o.pool.Reopen()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Sessions opened by the cancelled operation before Terminate took effect.
	o.pool.CloseAll()

	_, err := o.runtime.Down(ctx)

	o.mu.Lock()
	o.attempts = 0
	o.lastErr = nil
	o.mu.Unlock()
	o.setState(StateDown)

	if err != nil {
		return fmt.Errorf("failed to bring topology down: %w", err)
	}
	return nil
}
