package carto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const DefaultRequestTimeout = 45 * time.Second

type (
	// RequestChannel is the UI side of the boundary. It numbers requests,
	// correlates responses and bounds every call with a fixed timeout.
	RequestChannel struct {
		transport Transport
		timeout   time.Duration

		lastID atomic.Int64

		mu      sync.Mutex
		closed  bool
		pending map[int64]*pendingRequest
	}

	// pendingRequest is removed from the map exactly once, either by the
	// matching response or by its timer.
	pendingRequest struct {
		id    int64
		op    Operation
		reply chan outcome
		timer *time.Timer
	}

	outcome struct {
		result json.RawMessage
		err    error
	}

	ChannelOption func(c *RequestChannel)
)

func WithRequestTimeout(d time.Duration) ChannelOption {
	return func(c *RequestChannel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewRequestChannel(transport Transport, options ...ChannelOption) *RequestChannel {
	c := &RequestChannel{
		transport: transport,
		timeout:   DefaultRequestTimeout,
		pending:   make(map[int64]*pendingRequest),
	}
	for _, option := range options {
		option(c)
	}
	transport.Receive(c.Deliver)
	return c
}

// Send issues one request and blocks until it settles, times out, or ctx ends.
func (c *RequestChannel) Send(ctx context.Context, op Operation, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", op, err)
	}

	id := c.lastID.Add(1)
	data, err := Marshal(&Request{RequestID: id, Type: op, Params: rawParams})
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:    id,
		op:    op,
		reply: make(chan outcome, 1),
	}

	// registered before posting so an immediate response always finds it
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.mu.Unlock()

	glog.V(2).Infof("request %d %s sent", id, op)

	if err := c.transport.Post(ctx, data); err != nil {
		if c.take(id) != nil {
			return nil, fmt.Errorf("post %s request %d: %w", op, id, err)
		}
		// settled concurrently; the outcome is already waiting
	}

	select {
	case out := <-p.reply:
		return out.result, out.err
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
		out := <-p.reply
		return out.result, out.err
	}
}

// SendCommand posts a fire-and-forget command. No id is assigned and no
// response is awaited.
func (c *RequestChannel) SendCommand(ctx context.Context, commandType string, params any) error {
	rawParams, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", commandType, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	data, err := Marshal(&Command{Type: commandType, Params: rawParams})
	if err != nil {
		return err
	}
	return c.transport.Post(ctx, data)
}

// Deliver accepts one inbound envelope from the transport. Malformed or
// unexpected envelopes are logged and dropped; the channel stays usable.
func (c *RequestChannel) Deliver(data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		glog.Warningf("request channel: dropped inbound message: %s", err)
		return
	}

	resp, ok := env.(*Response)
	if !ok {
		glog.Warningf("request channel: dropped inbound message: %s", &ProtocolError{Reason: fmt.Sprintf("expected response, got %T", env)})
		return
	}

	p := c.take(resp.RequestID)
	if p == nil {
		// timed out, cancelled, or never ours
		glog.V(1).Infof("request channel: late response %d discarded", resp.RequestID)
		return
	}

	if resp.Error != nil {
		p.reply <- outcome{err: &RemoteError{RequestID: p.id, Type: p.op, Message: *resp.Error}}
		return
	}
	p.reply <- outcome{result: resp.Result}
}

// Pending returns the number of requests awaiting a response.
func (c *RequestChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending request with ErrChannelClosed. Later sends fail
// immediately.
func (c *RequestChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.reply <- outcome{err: ErrChannelClosed}
	}
	return nil
}

func (c *RequestChannel) expire(id int64) {
	p := c.take(id)
	if p == nil {
		return
	}
	glog.V(1).Infof("request %d %s timed out after %s", id, p.op, c.timeout)
	p.reply <- outcome{err: &TimeoutError{RequestID: id, Type: p.op, After: c.timeout}}
}

// take removes and returns the pending entry for id, or nil when it was
// already settled.
func (c *RequestChannel) take(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}
