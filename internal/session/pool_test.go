package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"testbed/internal/session"
	"testbed/internal/session/shelltest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPool_ReusesSessionPerKey(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)
	key := session.Key{Worker: "w1", Node: "n1"}

	var first string
	for i := 0; i < 10; i++ {
		s, err := pool.Acquire(context.Background(), key)
		require.NoError(t, err)
		if i == 0 {
			first = s.ID()
		}
		assert.Equal(t, first, s.ID())

		out, _, err := s.Send(context.Background(), fmt.Sprintf("cmd %d", i), 0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("cmd %d", i), out)
		pool.Release(key)
	}

	assert.Equal(t, 1, tr.Opened("n1"))
	assert.Equal(t, 1, pool.Len())
}

func TestPool_DistinctKeysGetDistinctSessions(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)

	a := acquire(t, pool, session.Key{Worker: "w1", Node: "n1"})
	b := acquire(t, pool, session.Key{Worker: "w2", Node: "n1"})
	c := acquire(t, pool, session.Key{Worker: "w1", Node: "n2"})

	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
	assert.Equal(t, 3, pool.Len())
	assert.Equal(t, 2, tr.Opened("n1"))
}

func TestPool_BusyKey(t *testing.T) {
	pool := session.NewPool(shelltest.New(shelltest.Echo), time.Second)
	key := session.Key{Worker: "w1", Node: "n1"}

	acquire(t, pool, key)
	_, err := pool.Acquire(context.Background(), key)
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	pool.Release(key)
	_, err = pool.Acquire(context.Background(), key)
	assert.NoError(t, err)
}

func TestPool_NewSessionAfterTimeout(t *testing.T) {
	var hang atomic.Bool
	hang.Store(true)
	tr := shelltest.New(func(node, command string) shelltest.Response {
		if command == "select 1" && hang.Load() {
			return shelltest.Response{Hang: true}
		}
		return shelltest.Response{Output: "1\n"}
	})
	pool := session.NewPool(tr, time.Second)
	key := session.Key{Worker: "w1", Node: "n1"}

	s1 := acquire(t, pool, key)
	_, _, err := s1.Send(context.Background(), "select 1", 20*time.Millisecond)
	require.ErrorIs(t, err, session.ErrTimeout)
	pool.Release(key)
	assert.Equal(t, 0, pool.Len())

	hang.Store(false)
	s2 := acquire(t, pool, key)
	assert.NotEqual(t, s1.ID(), s2.ID())
	out, code, err := s2.Send(context.Background(), "select 1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "1", out)
	assert.Equal(t, 2, tr.Opened("n1"))
}

func TestPool_OpenFailureReleasesReservation(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	boom := errors.New("no such service")
	tr.FailOpen(func(node string) error {
		if node == "ghost" {
			return boom
		}
		return nil
	})
	pool := session.NewPool(tr, time.Second)
	key := session.Key{Worker: "w1", Node: "ghost"}

	_, err := pool.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrConnection)
	assert.ErrorIs(t, err, boom)

	_, err = pool.Acquire(context.Background(), key)
	assert.NotErrorIs(t, err, session.ErrSessionBusy)
	assert.Equal(t, 0, pool.Len())
}

func TestPool_EvictNode(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)
	for _, w := range []session.WorkerID{"w1", "w2", "w3"} {
		for _, n := range []string{"n1", "n2"} {
			key := session.Key{Worker: w, Node: n}
			acquire(t, pool, key)
			pool.Release(key)
		}
	}
	require.Equal(t, 6, pool.Len())

	assert.Equal(t, 3, pool.EvictNode("n1"))
	assert.Equal(t, 3, pool.Len())
	for _, k := range pool.Sessions() {
		assert.Equal(t, "n2", k.Node)
	}
	assert.Equal(t, 3, tr.Live())
}

func TestPool_WorkerCloseReleasesSessions(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)

	w := pool.NewWorker(context.Background(), "w")
	id, ok := session.WorkerFrom(w.Context())
	require.True(t, ok)
	assert.Equal(t, w.ID(), id)

	for _, n := range []string{"n1", "n2"} {
		key := session.Key{Worker: w.ID(), Node: n}
		acquire(t, pool, key)
		pool.Release(key)
	}
	require.Equal(t, 2, pool.Len())

	w.Close()
	w.Close()
	assert.False(t, w.Alive())
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, 0, tr.Live())

	_, err := pool.Acquire(w.Context(), session.Key{Worker: w.ID(), Node: "n1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_SweepsEndedWorkers(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	gone := pool.NewWorker(ctx, "gone")
	kept := pool.NewWorker(context.Background(), "kept")
	defer kept.Close()

	for _, w := range []*session.Worker{gone, kept} {
		key := session.Key{Worker: w.ID(), Node: "n1"}
		acquire(t, pool, key)
		pool.Release(key)
	}
	require.Equal(t, 2, pool.Len())

	// The worker ends without Close; the next Acquire reclaims its channel.
	cancel()
	key := session.Key{Worker: kept.ID(), Node: "n2"}
	acquire(t, pool, key)
	pool.Release(key)

	assert.Equal(t, 2, pool.Len())
	for _, k := range pool.Sessions() {
		assert.Equal(t, kept.ID(), k.Worker)
	}
	assert.Equal(t, int64(1), pool.Stats().Swept)
}

func TestPool_UnregisteredWorkerKeepsSessions(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)

	ctx, cancel := context.WithCancel(session.WithWorker(context.Background(), "adhoc"))
	key := session.Key{Worker: "adhoc", Node: "n1"}
	s, err := pool.Acquire(ctx, key)
	require.NoError(t, err)
	pool.Release(key)

	cancel()
	assert.Equal(t, 0, pool.Sweep())
	assert.Equal(t, 1, pool.Len())

	again, err := pool.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, s, again)
	pool.Release(key)

	pool.CloseWorker("adhoc")
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, 0, tr.Live())
}

func TestPool_ReleaseAfterWorkerEndedCloses(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	w := pool.NewWorker(ctx, "w")
	key := session.Key{Worker: w.ID(), Node: "n1"}
	acquire(t, pool, key)

	cancel()
	pool.Sweep()
	assert.Equal(t, 1, pool.Len(), "checked-out sessions are not swept")

	pool.Release(key)
	assert.Equal(t, 0, pool.Len())
}

func TestPool_TerminateAndCloseAll(t *testing.T) {
	tr := shelltest.New(shelltest.Echo)
	pool := session.NewPool(tr, time.Second)
	acquire(t, pool, session.Key{Worker: "w1", Node: "n1"})
	acquire(t, pool, session.Key{Worker: "w2", Node: "n1"})

	pool.Terminate()
	assert.True(t, pool.Terminating())
	_, err := pool.Acquire(context.Background(), session.Key{Worker: "w3", Node: "n1"})
	assert.ErrorIs(t, err, session.ErrTerminating)

	assert.Equal(t, 2, pool.CloseAll())
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, 0, tr.Live())

	pool.Reopen()
	_, err = pool.Acquire(context.Background(), session.Key{Worker: "w1", Node: "n1"})
	assert.NoError(t, err)
}

// TestPool_ConcurrentWorkers runs 10 workers against 3 nodes with 100
// commands each and checks that every worker kept one session per node.
func TestPool_ConcurrentWorkers(t *testing.T) {
	const (
		workers  = 10
		nodes    = 3
		commands = 100
	)

	var inFlight sync.Map
	var violations atomic.Int64
	tr := shelltest.New(func(node, command string) shelltest.Response {
		var worker string
		fmt.Sscanf(command, "echo %s", &worker)
		key := worker + "@" + node
		if _, busy := inFlight.LoadOrStore(key, true); busy {
			violations.Add(1)
		}
		defer inFlight.Delete(key)
		return shelltest.Response{Output: worker + "\n"}
	})
	pool := session.NewPool(tr, 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, workers*nodes*commands)
	for i := 0; i < workers; i++ {
		w := pool.NewWorker(context.Background(), fmt.Sprintf("w%d", i))
		wg.Add(1)
		go func(w *session.Worker) {
			defer wg.Done()
			for c := 0; c < commands; c++ {
				node := fmt.Sprintf("node%d", c%nodes)
				key := session.Key{Worker: w.ID(), Node: node}
				s, err := pool.Acquire(w.Context(), key)
				if err != nil {
					errs <- err
					continue
				}
				out, code, err := s.Send(w.Context(), "echo "+string(w.ID()), 0)
				pool.Release(key)
				if err != nil {
					errs <- err
					continue
				}
				if code != 0 || out != string(w.ID()) {
					errs <- fmt.Errorf("worker %s got (%d, %q)", w.ID(), code, out)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, violations.Load())
	assert.Equal(t, workers*nodes, pool.Len())
	assert.Equal(t, workers*nodes, tr.TotalOpened())
}

// TestPool_SizeBoundedByLiveWorkers checks that after any sequence of worker
// starts, acquisitions and endings the pool never holds more sessions than
// live workers times nodes touched.
func TestPool_SizeBoundedByLiveWorkers(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := shelltest.New(shelltest.Echo)
		pool := session.NewPool(tr, time.Second)
		nodes := []string{"n1", "n2", "n3"}

		type entry struct {
			w      *session.Worker
			cancel context.CancelFunc
		}
		var live []entry

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				ctx, cancel := context.WithCancel(context.Background())
				live = append(live, entry{pool.NewWorker(ctx, "w"), cancel})
			case 1, 2:
				if len(live) == 0 {
					continue
				}
				e := live[rapid.IntRange(0, len(live)-1).Draw(rt, "worker")]
				key := session.Key{Worker: e.w.ID(), Node: rapid.SampledFrom(nodes).Draw(rt, "node")}
				if _, err := pool.Acquire(e.w.Context(), key); err != nil {
					rt.Fatalf("acquire %s: %v", key, err)
				}
				pool.Release(key)
			case 3:
				if len(live) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(live)-1).Draw(rt, "end")
				if rapid.Bool().Draw(rt, "close") {
					live[idx].w.Close()
				} else {
					live[idx].cancel()
				}
				live = append(live[:idx], live[idx+1:]...)
			}

			pool.Sweep()
			if got, limit := pool.Len(), len(live)*len(nodes); got > limit {
				rt.Fatalf("pool holds %d sessions with %d live workers", got, len(live))
			}
			for _, k := range pool.Sessions() {
				found := false
				for _, e := range live {
					if e.w.ID() == k.Worker {
						found = true
					}
				}
				if !found {
					rt.Fatalf("session %s belongs to an ended worker", k)
				}
			}
		}

		pool.CloseAll()
		for _, e := range live {
			e.cancel()
		}
	})
}
