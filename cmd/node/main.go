// cmd/node is the Maelstrom node entry-point. With no flags at all it
// reads one JSON envelope per line from stdin and writes replies to
// stdout until stdin closes — exactly what Maelstrom's test harness
// expects of every workload binary. Cobra provides the root command,
// RunE, and PersistentFlags for optional configuration.
package main

import (
	"context"
	"fmt"
	"os"

	"maelstrom-node/internal/broadcast"
	"maelstrom-node/internal/diag"
	"maelstrom-node/internal/dispatcher"
	"maelstrom-node/internal/gcounter"
	"maelstrom-node/internal/nodectx"
	"maelstrom-node/internal/nodelog"
	"maelstrom-node/internal/outbox"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/protocol"
	"maelstrom-node/internal/scheduler"
	"maelstrom-node/internal/seqkv"
	"maelstrom-node/internal/snowflake"
	"maelstrom-node/internal/transport"
	"maelstrom-node/internal/valuestore"

	"github.com/spf13/cobra"
)

var (
	debugAddr        string
	broadcastRateCap int
)

func main() {
	root := &cobra.Command{
		Use:   "maelstrom-node",
		Short: "A Maelstrom workload node (broadcast + g-counter)",
		RunE:  runNode,
	}
	root.PersistentFlags().StringVar(&debugAddr, "debug-addr", "",
		"optional address for a read-only diagnostics HTTP server (disabled when empty)")
	root.PersistentFlags().IntVar(&broadcastRateCap, "broadcast-rate-limit", 0,
		"optional cap on broadcast sends per anti-entropy tick (0 = uncapped)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	bootLog := nodelog.New("")

	tr := transport.New(os.Stdin, os.Stdout, bootLog, transport.DefaultQueueSize)

	initLine, ok, err := tr.ReadLine()
	if err != nil {
		return fmt.Errorf("read init message: %w", err)
	}
	if !ok {
		return fmt.Errorf("stdin closed before an init message arrived")
	}
	nodeID, err := peekInitNodeID(initLine)
	if err != nil {
		return fmt.Errorf("parse init message: %w", err)
	}

	log := nodelog.New(nodeID)
	defer log.Sync() //nolint:errcheck

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snow := snowflake.New(nodeID)
	reg := peers.New()
	store := valuestore.New()

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
	bcw := broadcast.New(log, nctx, store, reg, broadcastRateCap)

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

	// Replay the init line through the real dispatcher path so init_ok,
	// neighbor bootstrapping, and workload selection all happen exactly
	// once, through the same code every later message goes through.
	if reply := disp.Handle(initLine); reply != nil {
		tr.Enqueue(appCtx, reply)
	}

	extraTasks := []func(context.Context) error{bcw.Run}
	if debugAddr != "" {
		// The diagnostics handler only sees the counter when this node
		// runs the counter workload; otherwise /counter answers 404.
		var counterView *gcounter.Module
		if env, err := protocol.DecodeEnvelope(initLine); err == nil {
			if body, err := protocol.DecodeBody[protocol.InitBody](env.Body); err == nil && body.Workload == "counter" {
				counterView = gctr
			}
		}
		handler := diag.NewHandler(log, func() string { return nodeID }, reg, store, counterView)
		srv := diag.NewServer(log, debugAddr, handler)
		extraTasks = append(extraTasks, srv.Run)
	}

	sched := scheduler.New(log, tr, disp, reg, extraTasks...)
	return sched.Run(appCtx)
}

// peekInitNodeID extracts just the node_id a node needs to construct
// everything else, without committing to the full dispatcher path yet.
func peekInitNodeID(line []byte) (string, error) {
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		return "", err
	}
	body, err := protocol.DecodeBody[protocol.InitBody](env.Body)
	if err != nil {
		return "", err
	}
	return body.NodeID, nil
}
