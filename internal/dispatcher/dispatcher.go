// Package dispatcher is the single entry point for inbound envelopes:
// decode, look up the reply cache for exactly-once-effect replay
// protection, route by body tag, and emit at most one reply.
// Dependencies are injected once at construction and each body tag has
// its own handler method.
package dispatcher

import (
	"context"
	"strconv"
	"sync"

	"maelstrom-node/internal/broadcast"
	"maelstrom-node/internal/gcounter"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/protocol"
	"maelstrom-node/internal/seqkv"
	"maelstrom-node/internal/snowflake"
	"maelstrom-node/internal/valuestore"

	"go.uber.org/zap"
)

// replyCacheKey identifies one already-answered client request, for the
// replay guard a network that can redeliver messages requires: a second
// copy of the same init/add/etc. must neither be reprocessed nor met
// with silence — it gets back the exact bytes the first copy produced.
type replyCacheKey struct {
	src   string
	msgID int64
}

// Dispatcher owns no state of its own beyond identity and the reply
// cache; everything else lives in the submodules it's constructed with.
type Dispatcher struct {
	log   *zap.Logger
	snow  *snowflake.Generator
	reg   *peers.Registry
	store *valuestore.Store
	gctr  *gcounter.Module
	bcw   *broadcast.Worker
	skv   *seqkv.Client

	nodeID      string
	workload    string
	clusterPeer map[string]bool // every other node named by init's node_ids — never clients
	rootCtx     context.Context

	mu    sync.Mutex
	cache map[replyCacheKey][]byte
}

// Deps bundles the submodules a Dispatcher routes into. rootCtx must
// outlive any single request — it's handed to gcounter's background CAS
// reconcile goroutines.
type Deps struct {
	Log       *zap.Logger
	Snowflake *snowflake.Generator
	Peers     *peers.Registry
	Store     *valuestore.Store
	GCounter  *gcounter.Module
	Broadcast *broadcast.Worker
	SeqKV     *seqkv.Client
	RootCtx   context.Context
}

func New(d Deps) *Dispatcher {
	return &Dispatcher{
		log:     d.Log,
		snow:    d.Snowflake,
		reg:     d.Peers,
		store:   d.Store,
		gctr:    d.GCounter,
		bcw:     d.Broadcast,
		skv:     d.SeqKV,
		rootCtx: d.RootCtx,
		cache:   make(map[replyCacheKey][]byte),
	}
}

// NodeID returns this node's assigned identity, or "" before init.
func (d *Dispatcher) NodeID() string { return d.nodeID }

// Ready reports whether init has completed.
func (d *Dispatcher) Ready() bool { return d.nodeID != "" }

// Handle decodes one line, routes it, and returns an encoded reply line
// (nil if there's nothing to send — e.g. an envelope that doesn't
// warrant a reply). Malformed input is logged and skipped, never fatal.
func (d *Dispatcher) Handle(line []byte) []byte {
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		d.log.Warn("dropping malformed envelope", zap.Error(err), zap.ByteString("line", line))
		return nil
	}

	tag, err := protocol.PeekType(env.Body)
	if err != nil {
		d.log.Warn("dropping envelope with unreadable type", zap.Error(err))
		return nil
	}

	// Only messages from a fellow cluster node move the peer registry —
	// client requests (src like "c1") and seq-kv's own replies must
	// never be mistaken for peer liveness.
	wasOfflineOrRejoining := false
	if d.clusterPeer[env.Src] {
		wasOfflineOrRejoining = d.reg.MarkSeen(env.Src)
	}

	switch tag {
	case protocol.TypeInit:
		return d.handleInit(env)
	case protocol.TypeEcho:
		return d.handleEcho(env)
	case protocol.TypeGenerate:
		return d.handleGenerate(env)
	case protocol.TypeTopology:
		return d.handleTopology(env)
	case protocol.TypeBroadcast:
		return d.handleBroadcast(env)
	case protocol.TypeBroadcastOk:
		d.handleBroadcastOk(env, wasOfflineOrRejoining)
		return nil
	case protocol.TypeRead:
		return d.handleRead(env)
	case protocol.TypeAdd:
		return d.handleAdd(env)
	case protocol.TypeCasOk:
		d.handleCasOk(env)
		return nil
	case protocol.TypeError:
		d.handleError(env)
		return nil
	case protocol.TypeReadOk:
		d.handleReadOk(env)
		return nil
	default:
		d.log.Debug("ignoring unknown body type", zap.String("type", tag))
		return nil
	}
}

// cachedReply looks up a previously-sent reply for (src, msgID). A hit
// means this exact request was already answered once — the caller must
// return the stored bytes verbatim instead of reprocessing, so a
// redelivered request gets the same outcome (and the same generate_ok
// id, the same counter delta applied exactly once) as the first try.
func (d *Dispatcher) cachedReply(src string, msgID int64) ([]byte, bool) {
	key := replyCacheKey{src: src, msgID: msgID}
	d.mu.Lock()
	defer d.mu.Unlock()
	line, ok := d.cache[key]
	return line, ok
}

// storeReply records the reply a fresh (src, msgID) request produced, so
// a later replay of the same request can be answered from cache. A nil
// line (the request warranted no reply, or encoding failed) is never
// cached — there is nothing to replay.
func (d *Dispatcher) storeReply(src string, msgID int64, line []byte) {
	if line == nil {
		return
	}
	key := replyCacheKey{src: src, msgID: msgID}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[key] = line
}

func (d *Dispatcher) reply(dest string, body any) []byte {
	line, err := protocol.EncodeEnvelope(d.nodeID, dest, body)
	if err != nil {
		d.log.Error("encoding reply failed", zap.Error(err))
		return nil
	}
	return line
}

func (d *Dispatcher) handleInit(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.InitBody](env.Body)
	if err != nil {
		d.log.Warn("malformed init", zap.Error(err))
		return nil
	}
	if cached, ok := d.cachedReply(env.Src, *body.MsgID); ok {
		return cached
	}

	d.nodeID = body.NodeID
	d.workload = body.Workload
	d.clusterPeer = make(map[string]bool, len(body.NodeIDs))
	var others []string
	for _, n := range body.NodeIDs {
		if n != d.nodeID {
			others = append(others, n)
			d.clusterPeer[n] = true
		}
	}
	d.reg.UpdateNeighbors(others)
	d.store.SeedAllPeers(others)

	d.log.Info("node initialized", zap.String("node_id", d.nodeID), zap.Strings("peers", others))

	reply := d.reply(env.Src, protocol.InitOkBody{Type: protocol.TypeInitOk, InReplyTo: *body.MsgID})
	d.storeReply(env.Src, *body.MsgID, reply)
	return reply
}

func (d *Dispatcher) handleEcho(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.EchoBody](env.Body)
	if err != nil {
		d.log.Warn("malformed echo", zap.Error(err))
		return nil
	}
	if cached, ok := d.cachedReply(env.Src, *body.MsgID); ok {
		return cached
	}
	reply := d.reply(env.Src, protocol.EchoOkBody{Type: protocol.TypeEchoOk, InReplyTo: *body.MsgID, Echo: body.Echo})
	d.storeReply(env.Src, *body.MsgID, reply)
	return reply
}

func (d *Dispatcher) handleGenerate(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.GenerateBody](env.Body)
	if err != nil {
		d.log.Warn("malformed generate", zap.Error(err))
		return nil
	}
	if cached, ok := d.cachedReply(env.Src, *body.MsgID); ok {
		return cached
	}
	id := d.snow.Next()
	reply := d.reply(env.Src, protocol.GenerateOkBody{
		Type:      protocol.TypeGenerateOk,
		InReplyTo: *body.MsgID,
		ID:        strconv.FormatUint(id, 10),
	})
	d.storeReply(env.Src, *body.MsgID, reply)
	return reply
}

func (d *Dispatcher) handleTopology(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.TopologyBody](env.Body)
	if err != nil {
		d.log.Warn("malformed topology", zap.Error(err))
		return nil
	}
	if cached, ok := d.cachedReply(env.Src, *body.MsgID); ok {
		return cached
	}
	neighbors := body.Topology[d.nodeID]
	removed := d.reg.UpdateNeighbors(neighbors)
	d.store.SeedAllPeers(neighbors)
	for _, gone := range removed {
		d.store.DropPeer(gone)
	}
	d.log.Info("topology updated", zap.Strings("neighbors", neighbors))
	reply := d.reply(env.Src, protocol.TopologyOkBody{Type: protocol.TypeTopologyOk, InReplyTo: *body.MsgID})
	d.storeReply(env.Src, *body.MsgID, reply)
	return reply
}

func (d *Dispatcher) handleBroadcast(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.BroadcastBody](env.Body)
	if err != nil {
		d.log.Warn("malformed broadcast", zap.Error(err))
		return nil
	}

	if d.workload == "counter" {
		if m, cerr := body.DecodeCounterMap(); cerr == nil {
			d.gctr.UpdateCounter(m)
		} else {
			d.log.Warn("broadcast body wasn't a counter map", zap.Error(cerr))
		}
	} else {
		v, verr := body.DecodeValue()
		if verr != nil {
			d.log.Warn("broadcast body wasn't a value", zap.Error(verr))
			return nil
		}
		d.store.Insert(v, env.Src, d.reg.Online())
	}

	if body.MsgID == nil {
		// DecodeBody's validation already rejects a broadcast without
		// msg_id, so this guard only protects the dereference below.
		return nil
	}
	return d.reply(env.Src, protocol.BroadcastOkBody{Type: protocol.TypeBroadcastOk, InReplyTo: *body.MsgID})
}

func (d *Dispatcher) handleBroadcastOk(env protocol.Envelope, wasOfflineOrRejoining bool) {
	body, err := protocol.DecodeBody[protocol.BroadcastOkInBody](env.Body)
	if err != nil {
		d.log.Warn("malformed broadcast_ok", zap.Error(err))
		return
	}
	d.bcw.HandleAck(env.Src, *body.InReplyTo, wasOfflineOrRejoining)
}

func (d *Dispatcher) handleRead(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.ReadBody](env.Body)
	if err != nil {
		d.log.Warn("malformed read", zap.Error(err))
		return nil
	}
	if cached, ok := d.cachedReply(env.Src, *body.MsgID); ok {
		return cached
	}

	var messages any
	if d.workload == "counter" {
		messages = d.gctr.Sum()
	} else {
		vals := d.store.Values()
		if vals == nil {
			vals = []uint64{}
		}
		messages = vals
	}
	reply := d.reply(env.Src, protocol.ReadOkBody{Type: protocol.TypeReadOk, InReplyTo: *body.MsgID, Messages: messages})
	d.storeReply(env.Src, *body.MsgID, reply)
	return reply
}

func (d *Dispatcher) handleAdd(env protocol.Envelope) []byte {
	body, err := protocol.DecodeBody[protocol.AddBody](env.Body)
	if err != nil {
		d.log.Warn("malformed add", zap.Error(err))
		return nil
	}
	if cached, ok := d.cachedReply(env.Src, *body.MsgID); ok {
		return cached
	}

	// add_ok is sent here, synchronously — the add is "accepted
	// locally" the moment the in-memory contribution is credited.
	// Durable reconciliation against seq-kv happens in the background
	// and never blocks this reply. Caching the reply below ensures a
	// redelivered add is answered again without crediting the delta
	// twice.
	d.gctr.ProcessAdd(d.rootCtx, *body.Delta)

	reply := d.reply(env.Src, protocol.AddOkBody{Type: protocol.TypeAddOk, InReplyTo: *body.MsgID})
	d.storeReply(env.Src, *body.MsgID, reply)
	return reply
}

func (d *Dispatcher) handleCasOk(env protocol.Envelope) {
	body, err := protocol.DecodeBody[protocol.CasOkInBody](env.Body)
	if err != nil {
		d.log.Warn("malformed cas_ok", zap.Error(err))
		return
	}
	d.gctr.HandleCasOk(*body.InReplyTo)
}

func (d *Dispatcher) handleReadOk(env protocol.Envelope) {
	body, err := protocol.DecodeBody[protocol.ReadOkInBody](env.Body)
	if err != nil {
		d.log.Warn("malformed read_ok", zap.Error(err))
		return
	}
	v, verr := body.DecodeUint64()
	if verr != nil {
		d.log.Warn("unreadable seq-kv read_ok value", zap.Error(verr))
		return
	}
	d.skv.ResolveReadOk(*body.InReplyTo, v)
}

// handleError routes an inbound error envelope to whichever of seqkv's
// read waiters or gcounter's pending-CAS map owns its in_reply_to —
// the two keyspaces are disjoint because both draw their message ids
// from the same Snowflake generator, which never repeats an id; seqkv
// is asked first since it can answer authoritatively.
func (d *Dispatcher) handleError(env protocol.Envelope) {
	body, err := protocol.DecodeBody[protocol.ErrorInBody](env.Body)
	if err != nil {
		d.log.Warn("malformed error envelope", zap.Error(err))
		return
	}
	inReplyTo := *body.InReplyTo
	if d.skv.IsOutstanding(inReplyTo) {
		d.skv.ResolveReadError(inReplyTo, body.Code, body.Text)
		return
	}
	if body.Code == protocol.ErrCodePreconditionFailed {
		d.gctr.HandleCasError(d.rootCtx, inReplyTo, body.Code, body.Text)
		return
	}
	d.log.Debug("unhandled error envelope", zap.Int("code", body.Code), zap.String("text", body.Text))
}
