// Package session keeps long-lived interactive shells to topology nodes.
//
// A Session wraps one shell process. Send writes a command followed by an
// echo of a completion marker and reads output until the marker comes back,
// so the exit status of every command is known without reopening the shell.
//
// A Pool hands out sessions by Key, the pair of a worker and a node. Each key
// has at most one live session and can be checked out by one caller at a
// time. Sessions that time out are dead and replaced on the next Acquire.
// Workers created with Pool.NewWorker tie their sessions to a context: Close
// releases them at once, and sessions of workers whose context ended are
// swept on the next Acquire.
//
//	pool := session.NewPool(session.NewExecTransport(resolve), 2*time.Minute)
//	w := pool.NewWorker(ctx, "worker")
//	defer w.Close()
//
//	key := session.Key{Worker: w.ID(), Node: "clickhouse1"}
//	s, err := pool.Acquire(w.Context(), key)
//	if err != nil {
//	    return err
//	}
//	out, code, err := s.Send(w.Context(), "hostname", 0)
//	if err != nil {
//	    pool.Evict(key)
//	    return err
//	}
//	pool.Release(key)
package session
