package seqkv

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/protocol"

	"go.uber.org/zap"
)

func testCtx(sent chan<- nodectx.Envelope) nodectx.Context {
	var id uint64
	return nodectx.Context{
		NextID: func() uint64 { return atomic.AddUint64(&id, 1) },
		Send: func(e nodectx.Envelope) error {
			sent <- e
			return nil
		},
		NodeID:       func() string { return "n1" },
		Ready:        func() bool { return true },
		OnlinePeers:  func() []string { return nil },
		OfflinePeers: func() []string { return nil },
	}
}

func TestReadResolvesOnMatchingReply(t *testing.T) {
	sent := make(chan nodectx.Envelope, 1)
	c := New(zap.NewNop(), testCtx(sent))

	resultCh := make(chan uint64, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := c.Read(context.Background(), "counter")
		resultCh <- v
		errCh <- err
	}()

	env := <-sent
	body := env.Body.(protocol.ReadOutBody)
	c.ResolveReadOk(body.MsgID, 7)

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := <-resultCh; v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
}

func TestReadTreatsMissingKeyAsZero(t *testing.T) {
	sent := make(chan nodectx.Envelope, 1)
	c := New(zap.NewNop(), testCtx(sent))

	resultCh := make(chan uint64, 1)
	go func() {
		v, _ := c.Read(context.Background(), "counter")
		resultCh <- v
	}()

	env := <-sent
	body := env.Body.(protocol.ReadOutBody)
	c.ResolveReadError(body.MsgID, protocol.ErrCodeKeyDoesNotExist, "not found")

	if v := <-resultCh; v != 0 {
		t.Fatalf("expected 0 for missing key, got %d", v)
	}
}

func TestReadTimesOut(t *testing.T) {
	sent := make(chan nodectx.Envelope, 1)
	c := New(zap.NewNop(), testCtx(sent))

	start := time.Now()
	_, err := func() (uint64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		return c.Read(ctx, "counter")
	}()
	if err == nil {
		t.Fatalf("expected an error on timeout")
	}
	if elapsed := time.Since(start); elapsed > ReadTimeout {
		t.Fatalf("Read should have returned via the parent context's shorter deadline, took %s", elapsed)
	}
}

func TestIsOutstandingClearsAfterResolve(t *testing.T) {
	sent := make(chan nodectx.Envelope, 1)
	c := New(zap.NewNop(), testCtx(sent))

	done := make(chan struct{})
	go func() {
		c.Read(context.Background(), "counter")
		close(done)
	}()

	env := <-sent
	body := env.Body.(protocol.ReadOutBody)
	if !c.IsOutstanding(body.MsgID) {
		t.Fatalf("expected the in-flight read to be outstanding")
	}
	c.ResolveReadOk(body.MsgID, 1)
	<-done
	if c.IsOutstanding(body.MsgID) {
		t.Fatalf("expected the waiter to be forgotten after resolving")
	}
}
