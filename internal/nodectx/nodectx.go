// Package nodectx carries the small set of closures every submodule
// needs to reach the rest of the node, without holding a back-reference
// to the dispatcher or scheduler that contains them. Grounded on
// original_source/src/storage/node_context.rs, which motivates exactly
// this shape to avoid cyclic ownership between the broadcast worker,
// the g-counter, and the transport's outbound channel.
package nodectx

// Envelope is the minimal outbound message shape submodules need to
// emit — who it's addressed to and its body, not yet encoded (Send
// encodes it).
type Envelope struct {
	Dest string
	Body any
}

// Context is passed by value (it's just closures) to every component
// that needs to reach outside its own state.
type Context struct {
	// NextID returns a fresh Snowflake id.
	NextID func() uint64
	// Send encodes and enqueues an outbound envelope for the transport
	// writer, blocking under backpressure. It returns an error only if
	// the envelope could not be encoded — enqueueing itself never fails
	// short of the node shutting down.
	Send func(Envelope) error
	// NodeID returns this node's own identity. Safe to call before init
	// has completed — callers that need it synchronously should instead
	// block on Ready().
	NodeID func() string
	// Ready reports whether init has been processed yet.
	Ready func() bool
	// OnlinePeers returns the ids of every peer currently Online.
	OnlinePeers func() []string
	// OfflinePeers returns the ids of every peer currently Offline or
	// Rejoining.
	OfflinePeers func() []string
}
