// Package outbox wires nodectx.Context.Send to the transport: encode an
// envelope, then enqueue it on the bounded outbound queue. Kept as its
// own tiny package (rather than inline in the dispatcher or scheduler)
// so nothing importing nodectx also needs to import transport.
package outbox

import (
	"context"
	"fmt"

	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/protocol"
	"maelstrom-node/internal/transport"
)

// New builds a nodectx.Context.Send closure bound to tr, addressing
// every outbound envelope as coming from nodeID().
func New(ctx context.Context, nodeID func() string, tr *transport.Transport) func(nodectx.Envelope) error {
	return func(env nodectx.Envelope) error {
		line, err := protocol.EncodeEnvelope(nodeID(), env.Dest, env.Body)
		if err != nil {
			return fmt.Errorf("encode outbound envelope to %s: %w", env.Dest, err)
		}
		tr.Enqueue(ctx, line)
		return nil
	}
}
