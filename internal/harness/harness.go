// Package harness wires up a complete in-process node the same way
// cmd/node's main does, but over in-memory pipes instead of os.Stdin/
// os.Stdout — letting tests drive a node with scripted input lines and
// assert on its output lines without a subprocess. Test-only; NewNode
// bundles the dependencies for tests to drive, and Send plays the role
// of original_source/tests/test_utils.rs's make_*_msg helpers.
package harness

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"maelstrom-node/internal/broadcast"
	"maelstrom-node/internal/dispatcher"
	"maelstrom-node/internal/gcounter"
	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/nodelog"
	"maelstrom-node/internal/outbox"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/scheduler"
	"maelstrom-node/internal/seqkv"
	"maelstrom-node/internal/snowflake"
	"maelstrom-node/internal/transport"
	"maelstrom-node/internal/valuestore"
)

// Node is a full node running against in-memory pipes, already started
// by NewNode. Call Send to deliver a line as if the harness were
// Maelstrom's own network, and ReadReply to pull the next line the node
// writes out.
type Node struct {
	ID string

	stdinW  *io.PipeWriter
	stdoutW *io.PipeWriter

	Registry *peers.Registry
	Store    *valuestore.Store
	GCounter *gcounter.Module

	tr   *transport.Transport
	disp *dispatcher.Dispatcher
	sch  *scheduler.Scheduler

	runErr  chan error
	replies chan map[string]any

	mu    sync.Mutex
	peers map[string]func(src string, body map[string]any) // dest -> forward, for multi-node tests
}

// NewNode constructs a node identified by nodeID, with the given other
// cluster members (as init would list them) and workload, starts its
// scheduler immediately, and pushes the mandatory init message through
// before returning.
func NewNode(t *testing.T, nodeID, workload string, clusterNodeIDs []string) *Node {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	log := nodelog.New(nodeID)
	tr := transport.New(stdinR, stdoutW, log, transport.DefaultQueueSize)

	snow := snowflake.New(nodeID)
	reg := peers.New()
	store := valuestore.New()

	appCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	send := outbox.New(appCtx, func() string { return nodeID }, tr)
	nctx := nodectx.Context{
		NextID:       snow.Next,
		Send:         send,
		NodeID:       func() string { return nodeID },
		Ready:        func() bool { return true },
		OnlinePeers:  reg.Online,
		OfflinePeers: reg.Offline,
	}

	skv := seqkv.New(log, nctx)
	gctr := gcounter.New(log, nctx, skv)
	bcw := broadcast.New(log, nctx, store, reg, 0)

	disp := dispatcher.New(dispatcher.Deps{
		Log:       log,
		Snowflake: snow,
		Peers:     reg,
		Store:     store,
		GCounter:  gctr,
		Broadcast: bcw,
		SeqKV:     skv,
		RootCtx:   appCtx,
	})

	sch := scheduler.New(log, tr, disp, reg, bcw.Run)

	n := &Node{
		ID:       nodeID,
		stdinW:   stdinW,
		stdoutW:  stdoutW,
		Registry: reg,
		Store:    store,
		GCounter: gctr,
		tr:       tr,
		disp:     disp,
		sch:      sch,
		runErr:   make(chan error, 1),
		replies:  make(chan map[string]any, 256),
		peers:    make(map[string]func(string, map[string]any)),
	}

	// The scheduler must already be reading before anything writes to
	// stdinW — io.Pipe is unbuffered, so a write with no reader blocks
	// forever. Likewise, a single pump goroutine owns stdoutR for the
	// node's whole lifetime: every outbound line is routed here, either
	// to a registered peer (multi-node tests) or onto replies (for
	// ReadReply), instead of letting multiple goroutines race to read
	// the same pipe.
	go n.pump(bufio.NewReader(stdoutR))
	go func() { n.runErr <- n.sch.Run(appCtx) }()

	others := make([]string, 0, len(clusterNodeIDs))
	for _, id := range clusterNodeIDs {
		if id != nodeID {
			others = append(others, id)
		}
	}
	n.Send(nodeID, map[string]any{
		"type": "init", "msg_id": 1, "node_id": nodeID,
		"node_ids": append([]string{nodeID}, others...), "workload": workload,
	})

	t.Cleanup(func() {
		stdinW.Close()
		n.Wait()
		stdoutW.Close()
	})
	return n
}

// Wait blocks until the node's scheduler exits (normally once stdin is
// closed) and returns its error.
func (n *Node) Wait() error {
	return <-n.runErr
}

// Send writes one envelope as a line to the node's stdin.
func (n *Node) Send(src string, body map[string]any) {
	raw, _ := json.Marshal(body)
	env := map[string]any{"src": src, "dest": n.ID, "body": json.RawMessage(raw)}
	line, _ := json.Marshal(env)
	n.stdinW.Write(append(line, '\n'))
}

// RegisterPeer wires destNodeID's traffic to forward instead of landing on
// replies, standing in for the network link Maelstrom would otherwise
// provide between two real node processes. Call before traffic starts
// flowing between the two nodes.
func (n *Node) RegisterPeer(destNodeID string, forward func(src string, body map[string]any)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[destNodeID] = forward
}

// pump is the single reader of stdoutR for the node's whole lifetime. It
// decodes every outbound envelope and routes it: to a registered peer's
// forward function if one is addressed to it, otherwise onto replies. This
// is what lets ReadReply and peer relaying coexist without two goroutines
// racing to read the same pipe.
func (n *Node) pump(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			n.route(line)
		}
		if err != nil {
			close(n.replies)
			return
		}
	}
}

func (n *Node) route(line []byte) {
	var env struct {
		Src  string          `json:"src"`
		Dest string          `json:"dest"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}
	var body map[string]any
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return
	}

	n.mu.Lock()
	forward, isPeer := n.peers[env.Dest]
	n.mu.Unlock()

	if isPeer {
		forward(env.Src, body)
		return
	}
	n.replies <- body
}

// ReadReply blocks up to timeout for the node's next client-addressed
// output line, decoded into a generic map of just its body. Lines
// addressed to a registered peer are routed there instead and never
// appear here.
func (n *Node) ReadReply(timeout time.Duration) (map[string]any, error) {
	select {
	case body, ok := <-n.replies:
		if !ok {
			return nil, context.Canceled
		}
		return body, nil
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}
