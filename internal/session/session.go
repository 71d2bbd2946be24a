package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"testbed/pkg/logging"

	"github.com/google/uuid"
)

// DefaultTimeout applies to Send calls that do not set their own timeout.
const DefaultTimeout = 120 * time.Second

// markerPrefix starts every completion marker. A marker is
// "<prefix><session id>:<seq>:<exit status>".
const markerPrefix = "__TESTBED_"

var errSessionClosed = errors.New("session closed")

// Key identifies a pool slot.
type Key struct {
	Worker WorkerID
	Node   string
}

func (k Key) String() string {
	if k.Node == "" {
		return string(k.Worker) + "-local"
	}
	return string(k.Worker) + "-" + k.Node
}

// Session is one interactive shell bound to one node and owned by one worker.
// Commands sent on a session run in order in the same shell, so state such as
// the working directory survives between them.
type Session struct {
	id        string
	key       Key
	ch        Channel
	timeout   time.Duration
	createdAt time.Time
	marker    string

	// mu serializes Send.
	mu    sync.Mutex
	seq   uint64
	uses  atomic.Int64
	alive atomic.Bool

	lines     chan string
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(key Key, ch Channel, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		key:       key,
		ch:        ch,
		timeout:   timeout,
		createdAt: time.Now(),
		marker:    markerPrefix + strings.ReplaceAll(id, "-", ""),
		lines:     make(chan string, 64),
		closed:    make(chan struct{}),
	}
	s.alive.Store(true)
	go s.readLoop()
	return s
}

// readLoop splits the merged channel output into lines. It closes s.lines
// when the channel reaches EOF or fails.
func (s *Session) readLoop() {
	defer close(s.lines)

	r := bufio.NewReader(s.ch)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case s.lines <- line:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			return
		}
	}
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Key returns the pool slot the session belongs to.
func (s *Session) Key() Key { return s.key }

// Node returns the node the session is connected to.
func (s *Session) Node() string { return s.key.Node }

// Worker returns the owning worker.
func (s *Session) Worker() WorkerID { return s.key.Worker }

// CreatedAt returns when the channel was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Uses returns how many commands were sent on the session.
func (s *Session) Uses() int64 { return s.uses.Load() }

// Alive reports whether the session can still run commands.
func (s *Session) Alive() bool { return s.alive.Load() }

// Close terminates the channel. It is safe to call more than once and from
// any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.closed)
		err = s.ch.Close()
		logging.Debug("Session", "Closed session %s (%s) after %d command(s)", s.id, s.key, s.uses.Load())
	})
	return err
}

// Send runs command in the shell and waits for it to finish. It returns the
// merged stdout/stderr of the command and its exit status.
//
// If the deadline passes, or ctx is done first, the session is marked dead
// and a *TimeoutError is returned. If the channel breaks a *ConnectionError
// is returned. A dead session never accepts another command.
func (s *Session) Send(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Alive() {
		return "", -1, &ConnectionError{Node: s.key.Node, Reason: errSessionClosed}
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	s.seq++
	s.uses.Add(1)
	token := fmt.Sprintf("%s:%d:", s.marker, s.seq)
	payload := fmt.Sprintf("%s\necho \"%s$?\"\n", strings.TrimRight(command, "\n"), token)

	writeErr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(s.ch, payload)
		writeErr <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out strings.Builder
	for {
		select {
		case err := <-writeErr:
			if err != nil {
				s.Close()
				return out.String(), -1, &ConnectionError{Node: s.key.Node, Reason: fmt.Errorf("write failed: %w", err)}
			}
			writeErr = nil

		case line, ok := <-s.lines:
			if !ok {
				reason := s.readErr
				if reason == nil {
					reason = io.EOF
				}
				s.Close()
				return out.String(), -1, &ConnectionError{Node: s.key.Node, Reason: reason}
			}

			idx := strings.Index(line, token)
			if idx < 0 {
				out.WriteString(line)
				continue
			}

			// The marker may follow output that did not end with a newline.
			out.WriteString(line[:idx])
			status := strings.TrimSpace(line[idx+len(token):])
			code, err := strconv.Atoi(status)
			if err != nil {
				s.Close()
				return out.String(), -1, &ConnectionError{Node: s.key.Node, Reason: fmt.Errorf("malformed exit status %q", status)}
			}
			return cleanOutput(out.String()), code, nil

		case <-timer.C:
			s.Close()
			logging.Warn("Session", "Command on %s timed out after %v, session %s discarded", s.key, timeout, s.id)
			return cleanOutput(out.String()), -1, &TimeoutError{
				Node:    s.key.Node,
				Command: command,
				Timeout: timeout,
				Output:  cleanOutput(out.String()),
			}

		case <-ctx.Done():
			s.Close()
			return cleanOutput(out.String()), -1, &TimeoutError{
				Node:    s.key.Node,
				Command: command,
				Timeout: timeout,
				Output:  cleanOutput(out.String()),
				Cause:   ctx.Err(),
			}
		}
	}
}

func cleanOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSuffix(s, "\n")
}
