// Package rpc implements the request/reply transport in front of the
// matching engine.
//
// Many callers send concurrently; every request lands on one inbound queue
// drained by the engine, and each reply is routed back to its caller through
// a correlation table of single-use completion handles. Nothing here imposes
// a timeout: a caller that wants a deadline passes a context carrying one.
package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/matching-engine/internal/protocol"
)

// ErrDuplicateCorrelation is returned when a correlation id is already
// awaiting a reply.
var ErrDuplicateCorrelation = errors.New("rpc: duplicate correlation id")

// Envelope carries one request to the engine together with the way back to
// its caller.
type Envelope struct {
	CorrelationID string
	Request       protocol.Request

	respond func(protocol.Reply)
	once    *sync.Once
}

// NewEnvelope wraps a request. respond is invoked at most once.
func NewEnvelope(correlationID string, req protocol.Request, respond func(protocol.Reply)) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		Request:       req,
		respond:       respond,
		once:          &sync.Once{},
	}
}

// Respond delivers the reply. Calls after the first are ignored.
func (e Envelope) Respond(r protocol.Reply) {
	if e.respond == nil {
		return
	}
	e.once.Do(func() { e.respond(r) })
}

// Channel multiplexes callers onto one inbound queue.
type Channel struct {
	inbound chan Envelope

	mu      sync.Mutex
	pending map[string]chan protocol.Reply
}

// NewChannel creates a channel whose inbound queue holds up to buffer
// requests before senders block.
func NewChannel(buffer int) *Channel {
	return &Channel{
		inbound: make(chan Envelope, buffer),
		pending: make(map[string]chan protocol.Reply),
	}
}

// Send enqueues req and waits for its single reply. It returns early only
// when ctx is done.
func (c *Channel) Send(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	id := uuid.NewString()
	done, err := c.register(id)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer c.deregister(id)

	env := NewEnvelope(id, req, func(r protocol.Reply) { c.fulfil(id, r) })
	if err := c.Enqueue(ctx, env); err != nil {
		return protocol.Reply{}, err
	}

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// Enqueue puts an envelope on the inbound queue, blocking while it is full.
// Transport bridges use it to feed requests that arrived elsewhere.
func (c *Channel) Enqueue(ctx context.Context, env Envelope) error {
	select {
	case c.inbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requests is the inbound queue. The engine is its only consumer.
func (c *Channel) Requests() <-chan Envelope {
	return c.inbound
}

// Depth returns the number of requests waiting for the engine.
func (c *Channel) Depth() int {
	return len(c.inbound)
}

// Pending returns the number of callers awaiting a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) register(id string) (chan protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateCorrelation
	}
	done := make(chan protocol.Reply, 1)
	c.pending[id] = done
	return done, nil
}

func (c *Channel) deregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fulfil completes the handle for id and removes it. A reply for a caller
// that already gave up is dropped.
func (c *Channel) fulfil(id string, r protocol.Reply) {
	c.mu.Lock()
	done, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		done <- r
	}
}
