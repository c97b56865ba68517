package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for requests on a closed client or stopped runner.
var ErrClosed = errors.New("runner: connection closed")

// Client is one foreground context connected to the runner.
type Client struct {
	id     uint64
	r      *Runner
	events chan Message

	once   sync.Once
	closed chan struct{}
}

// Connect registers a client. buffer sizes its event channel; events that
// do not fit are dropped for that client.
func (r *Runner) Connect(buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	c := &Client{
		id:     r.seq.Add(1),
		r:      r,
		events: make(chan Message, buffer),
		closed: make(chan struct{}),
	}
	r.subMu.Lock()
	r.clients[c.id] = c
	r.subMu.Unlock()
	return c
}

// Request sends msg to the runner and waits for its response.
func (c *Client) Request(ctx context.Context, msg Message) (Message, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	req := request{msg: msg, reply: make(chan Message, 1)}
	select {
	case c.r.inbox <- req:
	case <-c.closed:
		return nil, ErrClosed
	case <-c.r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events delivers TaskCompleted and TaskFailed broadcasts. The channel is
// closed when the client or the runner shuts down.
func (c *Client) Events() <-chan Message {
	return c.events
}

// Close disconnects the client.
func (c *Client) Close() {
	c.r.subMu.Lock()
	_, ok := c.r.clients[c.id]
	delete(c.r.clients, c.id)
	c.r.subMu.Unlock()
	if ok {
		c.closeEvents()
	}
	c.once.Do(func() { close(c.closed) })
}

func (c *Client) closeEvents() {
	close(c.events)
}
