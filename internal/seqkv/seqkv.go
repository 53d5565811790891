// Package seqkv is a small client for the external seq-kv service,
// addressed as a remote actor by name rather than a socket — Maelstrom
// hands it read/cas/error replies over the same line protocol as every
// other peer. This package owns exactly the "read a fresh value"
// one-shot rendezvous; cas_ok/error replies to CAS attempts are routed
// by the dispatcher directly into the g-counter module's own
// pending-CAS map, not through here.
package seqkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/protocol"

	"go.uber.org/zap"
)

// ServiceName is seq-kv's address in the Maelstrom cluster.
const ServiceName = "seq-kv"

// ReadTimeout is how long a read waiter waits for seq-kv's reply before
// failing the read.
const ReadTimeout = 5 * time.Second

type readResult struct {
	value uint64
	err   error
}

// Client is safe for concurrent use.
type Client struct {
	log     *zap.Logger
	ctx     nodectx.Context
	mu      sync.Mutex
	waiters map[int64]chan readResult
}

func New(log *zap.Logger, ctx nodectx.Context) *Client {
	return &Client{
		log:     log,
		ctx:     ctx,
		waiters: make(map[int64]chan readResult),
	}
}

// Read fetches the current value stored under key, registering a
// one-shot waiter and blocking until either seq-kv replies or
// ReadTimeout elapses. A missing key (seq-kv's "key does not exist"
// error) is treated as a value of zero, matching the g-counter's use of
// read-before-first-write.
func (c *Client) Read(parent context.Context, key string) (uint64, error) {
	msgID := int64(c.ctx.NextID())

	ch := make(chan readResult, 1)
	c.mu.Lock()
	c.waiters[msgID] = ch
	c.mu.Unlock()
	defer c.forget(msgID)

	if err := c.ctx.Send(nodectx.Envelope{
		Dest: ServiceName,
		Body: protocol.ReadOutBody{Type: "read", MsgID: msgID, Key: key},
	}); err != nil {
		return 0, fmt.Errorf("send seq-kv read: %w", err)
	}

	timer := time.NewTimer(ReadTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-timer.C:
		c.log.Warn("seq-kv read timed out", zap.String("key", key), zap.Int64("msg_id", msgID))
		return 0, fmt.Errorf("seq-kv read timed out after %s", ReadTimeout)
	case <-parent.Done():
		return 0, parent.Err()
	}
}

// ResolveReadOk delivers a read_ok reply to its waiter, if one is still
// registered. Called by the dispatcher.
func (c *Client) ResolveReadOk(inReplyTo int64, value uint64) {
	c.resolve(inReplyTo, readResult{value: value})
}

// ResolveReadError delivers an error reply to a waiter. A "key does not
// exist" error (code 20) resolves as value=0, matching the first-ever
// read for a counter that seq-kv has never seen; any other code
// resolves as a failed read.
func (c *Client) ResolveReadError(inReplyTo int64, code int, text string) {
	if code == protocol.ErrCodeKeyDoesNotExist {
		c.resolve(inReplyTo, readResult{value: 0})
		return
	}
	c.resolve(inReplyTo, readResult{err: fmt.Errorf("seq-kv error %d: %s", code, text)})
}

// IsOutstanding reports whether inReplyTo corresponds to one of our own
// in-flight reads — used by the dispatcher to decide whether an
// incoming "error" envelope belongs to seqkv or to the g-counter's CAS
// ladder.
func (c *Client) IsOutstanding(inReplyTo int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[inReplyTo]
	return ok
}

func (c *Client) resolve(msgID int64, res readResult) {
	c.mu.Lock()
	ch, ok := c.waiters[msgID]
	c.mu.Unlock()
	if !ok {
		return // late or duplicate reply; the waiter already gave up
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *Client) forget(msgID int64) {
	c.mu.Lock()
	delete(c.waiters, msgID)
	c.mu.Unlock()
}
