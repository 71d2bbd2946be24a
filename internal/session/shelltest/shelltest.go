// Package shelltest provides an in-memory shell Transport for tests. Each
// opened channel behaves like a non-interactive shell: it reads commands from
// its input, answers them through a Handler and honours the completion marker
// echo written by session.Session.
package shelltest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"testbed/internal/session"
)

// Response is what the fake shell does for one command.
type Response struct {
	Output   string
	ExitCode int
	// Delay is waited before answering.
	Delay time.Duration
	// Hang blocks the shell until the channel is closed.
	Hang bool
	// Disconnect closes the output stream without answering.
	Disconnect bool
}

// Handler computes the response for a command sent to node.
type Handler func(node, command string) Response

// Echo answers every command with its own text and exit status zero.
func Echo(_ string, command string) Response {
	return Response{Output: command + "\n"}
}

var markerEcho = regexp.MustCompile(`^echo "(\S+:\d+:)\$\?"$`)

// Transport is a session.Transport backed by in-memory shells.
type Transport struct {
	handler Handler

	mu       sync.Mutex
	opened   map[string]int
	channels []*Channel
	openErr  func(node string) error

	live atomic.Int64
}

// New creates a transport answering commands with h.
func New(h Handler) *Transport {
	return &Transport{handler: h, opened: make(map[string]int)}
}

// FailOpen makes Open fail for nodes where fn returns an error.
func (t *Transport) FailOpen(fn func(node string) error) {
	t.mu.Lock()
	t.openErr = fn
	t.mu.Unlock()
}

// Open implements session.Transport.
func (t *Transport) Open(ctx context.Context, node string) (session.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	openErr := t.openErr
	t.mu.Unlock()
	if openErr != nil {
		if err := openErr(node); err != nil {
			return nil, err
		}
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := &Channel{
		node:   node,
		inR:    inR,
		inW:    inW,
		outR:   outR,
		outW:   outW,
		closed: make(chan struct{}),
		owner:  t,
	}

	t.mu.Lock()
	t.opened[node]++
	t.channels = append(t.channels, c)
	t.mu.Unlock()
	t.live.Add(1)

	go c.serve(t.handler)
	return c, nil
}

// Opened returns how many channels were opened to node.
func (t *Transport) Opened(node string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[node]
}

// TotalOpened returns how many channels were opened to any node.
func (t *Transport) TotalOpened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.opened {
		n += c
	}
	return n
}

// Live returns how many channels are open.
func (t *Transport) Live() int {
	return int(t.live.Load())
}

// Commands returns every command received by all channels to node, in the
// order each channel received them.
func (t *Transport) Commands(node string) []string {
	t.mu.Lock()
	channels := append([]*Channel(nil), t.channels...)
	t.mu.Unlock()

	var out []string
	for _, c := range channels {
		if c.node == node {
			out = append(out, c.Commands()...)
		}
	}
	return out
}

// Channel is one fake shell.
type Channel struct {
	node  string
	inR   *io.PipeReader
	inW   *io.PipeWriter
	outR  *io.PipeReader
	outW  *io.PipeWriter
	owner *Transport

	mu       sync.Mutex
	commands []string

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Channel) Read(p []byte) (int, error)  { return c.outR.Read(p) }
func (c *Channel) Write(p []byte) (int, error) { return c.inW.Write(p) }

// Close shuts the fake shell down.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.inW.Close()
		c.inR.Close()
		c.outR.Close()
		c.outW.Close()
		c.owner.live.Add(-1)
	})
	return nil
}

// Commands returns the commands received so far.
func (c *Channel) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *Channel) serve(h Handler) {
	scanner := bufio.NewScanner(c.inR)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var pending []string
	lastExit := 0
	for scanner.Scan() {
		line := scanner.Text()

		if m := markerEcho.FindStringSubmatch(line); m != nil {
			if len(pending) > 0 {
				command := strings.Join(pending, "\n")
				pending = nil

				c.mu.Lock()
				c.commands = append(c.commands, command)
				c.mu.Unlock()

				resp := h(c.node, command)
				if resp.Delay > 0 {
					select {
					case <-time.After(resp.Delay):
					case <-c.closed:
						return
					}
				}
				if resp.Hang {
					<-c.closed
					return
				}
				if resp.Disconnect {
					c.outW.Close()
					return
				}
				if resp.Output != "" {
					if _, err := io.WriteString(c.outW, resp.Output); err != nil {
						return
					}
				}
				lastExit = resp.ExitCode
			}
			if _, err := fmt.Fprintf(c.outW, "%s%d\n", m[1], lastExit); err != nil {
				return
			}
			continue
		}
		pending = append(pending, line)
	}
}
