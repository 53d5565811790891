// Package broadcast implements the periodic anti-entropy worker: for
// every online peer, diff the value store against what's already
// confirmed for that peer, and (re)send the difference.
// Peers are swept one after another on the ticking goroutine; each
// send is enqueued through nodectx.Context.Send and per-peer send
// errors are combined with multierr and logged once per sweep.
package broadcast

import (
	"context"
	"sync"
	"time"

	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/protocol"
	"maelstrom-node/internal/valuestore"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OnlineTick is how often the worker re-diffs against Online peers.
const OnlineTick = 250 * time.Millisecond

// OfflineTick is the lower-frequency catch-up pass against Offline/
// Rejoining peers, so a peer that quietly returns still gets updates
// even before the next topology/ack-driven transition.
const OfflineTick = 3 * time.Second

// inFlightKey identifies one outstanding (peer, value) send.
type inFlightKey struct {
	peer  string
	value uint64
}

// Worker is the anti-entropy loop. Safe for concurrent use; Run should
// only be called once.
type Worker struct {
	log     *zap.Logger
	ctx     nodectx.Context
	store   *valuestore.Store
	reg     *peers.Registry
	limiter *rate.Limiter // nil disables the per-tick send cap

	mu       sync.Mutex
	inFlight map[inFlightKey]uint64 // (peer, value) -> latest msg_id; byMsgID is the reverse lookup
	byMsgID  map[uint64]inFlightKey
}

// New creates a Worker. perTickLimit of 0 disables the optional
// per-tick send-rate cap — left uncapped by default so the worker
// retries forever and never silently drops work; the cap exists for
// deployments that need to bound burst send volume against a peer.
func New(log *zap.Logger, ctx nodectx.Context, store *valuestore.Store, reg *peers.Registry, perTickLimit int) *Worker {
	w := &Worker{
		log:      log,
		ctx:      ctx,
		store:    store,
		reg:      reg,
		inFlight: make(map[inFlightKey]uint64),
		byMsgID:  make(map[uint64]inFlightKey),
	}
	if perTickLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(perTickLimit)*rate.Every(OnlineTick), perTickLimit)
	}
	return w
}

// Run drives both tick loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	onlineTicker := time.NewTicker(OnlineTick)
	defer onlineTicker.Stop()
	offlineTicker := time.NewTicker(OfflineTick)
	defer offlineTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-onlineTicker.C:
			w.sweepPeers(w.reg.Online())
		case <-offlineTicker.C:
			w.sweepPeers(w.reg.Offline())
		}
	}
}

// sweepPeers computes and (re)sends the outstanding diff for each peer.
func (w *Worker) sweepPeers(targets []string) {
	var combined error
	for _, peer := range targets {
		if err := w.sweepPeer(peer); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	if combined != nil {
		w.log.Warn("broadcast sweep had send errors", zap.Error(combined))
	}
}

func (w *Worker) sweepPeer(peer string) error {
	confirmed := w.confirmedSnapshot(peer)
	var errs error
	for _, v := range w.store.Values() {
		if _, done := confirmed[v]; done {
			continue
		}
		if w.limiter != nil && !w.limiter.Allow() {
			break // per-tick budget exhausted; the next tick will retry
		}
		if err := w.send(peer, v); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (w *Worker) send(peer string, value uint64) error {
	msgID := w.ctx.NextID()

	w.mu.Lock()
	key := inFlightKey{peer: peer, value: value}
	if oldMsgID, retransmit := w.inFlight[key]; retransmit {
		// A retransmit of an already-outstanding (peer, value) send —
		// drop the stale msgID's reverse entry so byMsgID doesn't grow
		// without bound across repeated ticks against an unresponsive
		// peer.
		delete(w.byMsgID, oldMsgID)
	}
	w.inFlight[key] = msgID
	w.byMsgID[msgID] = key
	w.mu.Unlock()

	payload, err := protocol.MarshalValue(value)
	if err != nil {
		return err
	}
	id := int64(msgID)
	return w.ctx.Send(nodectx.Envelope{
		Dest: peer,
		Body: protocol.BroadcastBody{Type: protocol.TypeBroadcast, MsgID: &id, Message: payload},
	})
}

// confirmedSnapshot is "not still pending" for peer — i.e. every value
// the store hasn't already flagged as outstanding for that peer. It's
// computed from the pending-set side, inverted, because
// valuestore.Store owns that state exclusively.
func (w *Worker) confirmedSnapshot(peer string) map[uint64]struct{} {
	pending := w.store.Pending(peer)
	allValues := w.store.Values()
	outstanding := make(map[uint64]struct{}, len(pending))
	for _, v := range pending {
		outstanding[v] = struct{}{}
	}
	confirmed := make(map[uint64]struct{}, len(allValues))
	for _, v := range allValues {
		if _, stillPending := outstanding[v]; !stillPending {
			confirmed[v] = struct{}{}
		}
	}
	return confirmed
}

// HandleAck consumes a broadcast_ok, advancing the peer's confirmed set
// via the value store and clearing the in-flight bookkeeping above.
func (w *Worker) HandleAck(peer string, inReplyTo int64, wasOfflineOrRejoining bool) {
	w.mu.Lock()
	key, ok := w.byMsgID[uint64(inReplyTo)]
	if ok {
		delete(w.byMsgID, uint64(inReplyTo))
		delete(w.inFlight, key)
	}
	w.mu.Unlock()

	if ok {
		w.store.Ack(peer, key.value, wasOfflineOrRejoining)
		return
	}
	// We don't know which value this ack was for (e.g. this process
	// restarted and lost in-flight bookkeeping) — nothing to advance.
}
