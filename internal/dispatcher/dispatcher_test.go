package dispatcher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"maelstrom-node/internal/broadcast"
	"maelstrom-node/internal/gcounter"
	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/protocol"
	"maelstrom-node/internal/seqkv"
	"maelstrom-node/internal/snowflake"
	"maelstrom-node/internal/valuestore"

	"go.uber.org/zap"
)

type fixture struct {
	d     *Dispatcher
	store *valuestore.Store
	reg   *peers.Registry
	sent  chan nodectx.Envelope
}

func newFixture(t *testing.T, workload string) *fixture {
	t.Helper()
	sent := make(chan nodectx.Envelope, 64)
	var idSeq uint64
	reg := peers.New()
	store := valuestore.New()

	ctx := nodectx.Context{
		NextID: func() uint64 { return atomic.AddUint64(&idSeq, 1) },
		Send: func(e nodectx.Envelope) error {
			sent <- e
			return nil
		},
		NodeID:       func() string { return "n1" },
		Ready:        func() bool { return true },
		OnlinePeers:  reg.Online,
		OfflinePeers: reg.Offline,
	}

	skv := seqkv.New(zap.NewNop(), ctx)
	gctr := gcounter.New(zap.NewNop(), ctx, skv)
	bcw := broadcast.New(zap.NewNop(), ctx, store, reg, 0)
	snow := snowflake.New("n1")

	d := New(Deps{
		Log:       zap.NewNop(),
		Snowflake: snow,
		Peers:     reg,
		Store:     store,
		GCounter:  gctr,
		Broadcast: bcw,
		SeqKV:     skv,
		RootCtx:   context.Background(),
	})

	initLine := mustLine(t, "c1", "n1", map[string]any{
		"type": "init", "msg_id": 1, "node_id": "n1", "node_ids": []string{"n1", "n2"}, "workload": workload,
	})
	if reply := d.Handle(initLine); reply == nil {
		t.Fatalf("init should have produced an init_ok reply")
	}
	// Drain any send the init path triggered (none expected, but be safe).
	drain(sent)

	return &fixture{d: d, store: store, reg: reg, sent: sent}
}

func drain(ch chan nodectx.Envelope) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func mustLine(t *testing.T, src, dest string, body map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	env := struct {
		Src  string          `json:"src"`
		Dest string          `json:"dest"`
		Body json.RawMessage `json:"body"`
	}{Src: src, Dest: dest, Body: raw}
	line, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return line
}

func decodeReply(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("unmarshal reply envelope: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatalf("unmarshal reply body: %v", err)
	}
	return body
}

func TestEchoRoundTrip(t *testing.T) {
	f := newFixture(t, "echo")
	reply := f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "echo", "msg_id": 2, "echo": "hello"}))
	if reply == nil {
		t.Fatalf("expected an echo_ok reply")
	}
	body := decodeReply(t, reply)
	if body["type"] != "echo_ok" || body["echo"] != "hello" {
		t.Fatalf("unexpected echo_ok body: %+v", body)
	}
}

func TestDuplicateRequestGetsTheSameReplyVerbatim(t *testing.T) {
	f := newFixture(t, "echo")
	line := mustLine(t, "c1", "n1", map[string]any{"type": "echo", "msg_id": 9, "echo": "x"})
	first := f.d.Handle(line)
	second := f.d.Handle(line)
	if first == nil {
		t.Fatalf("expected a reply to the first request")
	}
	if second == nil {
		t.Fatalf("expected the replayed duplicate to still get a reply")
	}
	if string(first) != string(second) {
		t.Fatalf("replayed reply %s does not match original %s", second, first)
	}
}

func TestDuplicateGenerateReturnsTheSameIDNotAFreshOne(t *testing.T) {
	f := newFixture(t, "unique-ids")
	line := mustLine(t, "c1", "n1", map[string]any{"type": "generate", "msg_id": 9})
	first := f.d.Handle(line)
	second := f.d.Handle(line)
	if first == nil || second == nil {
		t.Fatalf("expected both attempts to produce a reply")
	}
	if string(first) != string(second) {
		t.Fatalf("replayed generate_ok %s does not match original %s — a lost-in-transit reply must be replayable, not reprocessed into a new id", second, first)
	}

	// A different msg_id from the same client is a genuinely new request
	// and must still get a fresh id.
	other := f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "generate", "msg_id": 10}))
	if string(other) == string(first) {
		t.Fatalf("expected a distinct request to get a distinct reply")
	}
}

func TestBroadcastThenReadReturnsValue(t *testing.T) {
	f := newFixture(t, "broadcast")
	reply := f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "broadcast", "msg_id": 3, "message": 99}))
	if reply == nil {
		t.Fatalf("expected a broadcast_ok reply")
	}
	if body := decodeReply(t, reply); body["type"] != "broadcast_ok" {
		t.Fatalf("unexpected reply: %+v", body)
	}

	readReply := f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "read", "msg_id": 4}))
	body := decodeReply(t, readReply)
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 || msgs[0].(float64) != 99 {
		t.Fatalf("expected read to return [99], got %+v", body["messages"])
	}
}

func TestTopologySeedsNeighborPending(t *testing.T) {
	f := newFixture(t, "broadcast")
	f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "broadcast", "msg_id": 5, "message": 1}))

	topo := map[string]any{
		"type": "topology", "msg_id": 6,
		"topology": map[string]any{"n1": []string{"n2", "n3"}},
	}
	reply := f.d.Handle(mustLine(t, "c1", "n1", topo))
	if body := decodeReply(t, reply); body["type"] != "topology_ok" {
		t.Fatalf("unexpected reply: %+v", body)
	}
	if pending := f.store.Pending("n3"); len(pending) != 1 {
		t.Fatalf("expected the new neighbor n3 to be seeded with existing values, got %v", pending)
	}
}

func TestAddCreditsCounterSynchronously(t *testing.T) {
	f := newFixture(t, "counter")
	reply := f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "add", "msg_id": 7, "delta": 5}))
	if body := decodeReply(t, reply); body["type"] != "add_ok" {
		t.Fatalf("unexpected reply: %+v", body)
	}

	readReply := f.d.Handle(mustLine(t, "c1", "n1", map[string]any{"type": "read", "msg_id": 8}))
	body := decodeReply(t, readReply)
	if body["messages"].(float64) != 5 {
		t.Fatalf("expected counter read to report 5, got %+v", body["messages"])
	}
}
