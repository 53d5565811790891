// Package gcounter implements the grow-only counter: per-node
// contributions merged by componentwise max across gossip, reconciled
// with the external seq-kv service via CAS with an uncapped retry
// ladder.
//
// The per-node contribution map is merged as an exact componentwise max
// over a map[string]uint64 — the G-counter needs nothing more than that.
package gcounter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/protocol"
	"maelstrom-node/internal/seqkv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// counterKey is the single seq-kv key this node's contributions are
// reconciled against.
const counterKey = "counter"

// pendingCAS is a live CAS attempt awaiting cas_ok/error from seq-kv.
type pendingCAS struct {
	from uint64
	to   uint64
}

// Module owns counter contributions and pending-CAS state exclusively —
// no other component mutates either.
type Module struct {
	log   *zap.Logger
	ctx   nodectx.Context
	seqkv *seqkv.Client

	mu            sync.Mutex
	contributions map[string]uint64
	pending       map[int64]pendingCAS
}

func New(log *zap.Logger, ctx nodectx.Context, seqkvClient *seqkv.Client) *Module {
	return &Module{
		log:           log,
		ctx:           ctx,
		seqkv:         seqkvClient,
		contributions: make(map[string]uint64),
		pending:       make(map[int64]pendingCAS),
	}
}

// LocalValue returns this node's own contribution.
func (m *Module) LocalValue() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contributions[m.ctx.NodeID()]
}

// Sum returns the total across every node's contribution.
func (m *Module) Sum() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, v := range m.contributions {
		total += v
	}
	return total
}

// snapshot returns a defensive copy of the contribution map, for
// gossiping and for diagnostics.
func (m *Module) snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.contributions))
	for k, v := range m.contributions {
		out[k] = v
	}
	return out
}

// UpdateCounter merges an incoming per-node contribution map (received
// as a broadcast's polymorphic Message field) by componentwise max, then
// re-gossips the merged result if any entry grew.
func (m *Module) UpdateCounter(incoming map[string]uint64) {
	changed := false
	m.mu.Lock()
	for node, v := range incoming {
		if v > m.contributions[node] {
			m.contributions[node] = v
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.gossip()
	}
}

// gossip fans the current contribution map out to every online peer.
func (m *Module) gossip() {
	snap := m.snapshot()
	var err error
	payload := mustMarshalCounterMap(snap)
	for _, peer := range m.ctx.OnlinePeers() {
		msgID := int64(m.ctx.NextID())
		sendErr := m.ctx.Send(nodectx.Envelope{
			Dest: peer,
			Body: protocol.BroadcastBody{Type: protocol.TypeBroadcast, MsgID: &msgID, Message: payload},
		})
		err = multierr.Append(err, sendErr)
	}
	if err != nil {
		m.log.Warn("gossiping counter map to some peers failed", zap.Error(err))
	}
}

// ProcessAdd credits delta to this node's own contribution immediately
// (the dispatcher replies add_ok right after this call returns — the
// add is "accepted locally" at that point) and gossips the updated map.
// It then kicks off the seq-kv CAS reconcile
// ladder in the background; rootCtx should be a context tied to the
// node's overall lifetime, not the single request, since the ladder may
// outlive this call by several retries.
func (m *Module) ProcessAdd(rootCtx context.Context, delta uint64) {
	m.mu.Lock()
	m.contributions[m.ctx.NodeID()] += delta
	m.mu.Unlock()

	m.gossip()

	go m.reconcile(rootCtx, delta)
}

// reconcile is the CAS retry ladder: read seq-kv's current value, CAS
// from that value to value+delta, and on precondition failure either
// drop (someone else already carried our increment) or retry with a
// fresh "from". There is no bounded retry count — this mirrors the
// teacher's replicateWithRetryAndResponse shape but with no maxRetries:
// durability of a credited add must not depend on a retry budget
// running out before the network recovers.
func (m *Module) reconcile(rootCtx context.Context, delta uint64) {
	from, err := m.seqkv.Read(rootCtx, counterKey)
	if err != nil {
		m.log.Warn("seq-kv read for counter reconcile failed, dropping this increment's durability pass",
			zap.Error(err))
		return
	}
	m.attemptCAS(rootCtx, from, from+delta)
}

func (m *Module) attemptCAS(rootCtx context.Context, from, to uint64) {
	if rootCtx.Err() != nil {
		return
	}

	msgID := int64(m.ctx.NextID())
	m.mu.Lock()
	m.pending[msgID] = pendingCAS{from: from, to: to}
	m.mu.Unlock()

	err := m.ctx.Send(nodectx.Envelope{
		Dest: seqkv.ServiceName,
		Body: protocol.CasOutBody{
			Type:              protocol.TypeCas,
			MsgID:             msgID,
			Key:               counterKey,
			From:              from,
			To:                to,
			CreateIfNotExists: true,
		},
	})
	if err != nil {
		m.log.Warn("sending counter CAS failed", zap.Error(err))
		m.mu.Lock()
		delete(m.pending, msgID)
		m.mu.Unlock()
	}
}

// HandleCasOk commits a pending CAS attempt. Called by the dispatcher
// when a cas_ok envelope arrives from seq-kv.
func (m *Module) HandleCasOk(inReplyTo int64) {
	m.mu.Lock()
	delete(m.pending, inReplyTo)
	m.mu.Unlock()
}

// HandleCasError is the retry ladder's core: a precondition failure
// means someone else wrote "counter" between our read and our CAS. We
// re-read the current value; if it already covers what we intended to
// write, someone else carried our increment and we drop the attempt.
// Otherwise we retry with the fresh "from" and the same "to".
func (m *Module) HandleCasError(rootCtx context.Context, inReplyTo int64, code int, text string) {
	m.mu.Lock()
	attempt, ok := m.pending[inReplyTo]
	delete(m.pending, inReplyTo)
	m.mu.Unlock()
	if !ok {
		return // not ours — already handled or unknown
	}

	m.log.Debug("counter CAS precondition failed, re-reading",
		zap.Int("code", code), zap.String("text", text))

	current, err := m.seqkv.Read(rootCtx, counterKey)
	if err != nil {
		m.log.Warn("seq-kv read during CAS retry failed, dropping this increment's durability pass",
			zap.Error(err))
		return
	}
	if current >= attempt.to {
		return // someone else already carried our increment
	}
	m.attemptCAS(rootCtx, current, attempt.to)
}

func mustMarshalCounterMap(m map[string]uint64) json.RawMessage {
	data, err := protocol.MarshalCounterMap(m)
	if err != nil {
		// The map is a plain map[string]uint64 — this can only fail on
		// OOM-class conditions, which we cannot recover from anyway.
		panic(fmt.Sprintf("marshal counter map: %v", err))
	}
	return data
}
