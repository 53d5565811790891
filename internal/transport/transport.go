// Package transport is the line-oriented stdin/stdout framing this node
// speaks Maelstrom over: one JSON object per line in, one per line out.
// It is deliberately minimal — just enough real framing for the
// coordination engine to run against, not a general-purpose transport.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds the outbound reply queue. A full queue
// intentionally suspends the producer (backpressure), which preserves
// ordering instead of dropping or reordering replies.
const DefaultQueueSize = 4096

// Transport reads raw lines from in and writes queued lines to out; JSON
// decoding is left to the handler.
type Transport struct {
	log *zap.Logger
	in  *bufio.Scanner
	out *bufio.Writer

	outbound chan []byte
}

// New creates a Transport. buf sizes the bounded outbound queue.
func New(in io.Reader, out io.Writer, log *zap.Logger, buf int) *Transport {
	if buf <= 0 {
		buf = DefaultQueueSize
	}
	scanner := bufio.NewScanner(in)
	// Maelstrom lines can carry large gossip payloads; grow past the
	// default 64KiB token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Transport{
		log:      log,
		in:       scanner,
		out:      bufio.NewWriter(out),
		outbound: make(chan []byte, buf),
	}
}

// Enqueue queues line for writing. It blocks (exerting backpressure) if
// the outbound queue is full, and does nothing once ctx is done.
func (t *Transport) Enqueue(ctx context.Context, line []byte) {
	select {
	case t.outbound <- line:
	case <-ctx.Done():
	}
}

// ReadLine scans a single line from input, using the same underlying
// Scanner ReadLoop will later continue from — letting main() pull the
// mandatory first "init" message out before the rest of the node (which
// needs the node id init carries) is even constructed. ok is false on
// clean EOF.
func (t *Transport) ReadLine() (line []byte, ok bool, err error) {
	if !t.in.Scan() {
		if err := t.in.Err(); err != nil {
			return nil, false, fmt.Errorf("read input: %w", err)
		}
		return nil, false, nil
	}
	raw := t.in.Bytes()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, true, nil
}

// ReadLoop repeatedly calls ReadLine and invokes handle for each raw
// line. Malformed lines are never fatal — handle is expected to log and
// continue. ReadLoop returns on EOF or ctx cancellation.
func (t *Transport) ReadLoop(ctx context.Context, handle func([]byte)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, ok, err := t.ReadLine()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		handle(line)
	}
}

// WriteLoop drains the outbound queue and writes each line followed by
// a newline, flushing after every write. It returns when ctx is
// cancelled or the write side fails — a write failure here takes the
// whole node down, since there's no way to make further progress
// without a working stdout.
func (t *Transport) WriteLoop(ctx context.Context) error {
	for {
		select {
		case line := <-t.outbound:
			if _, err := t.out.Write(line); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			if err := t.out.WriteByte('\n'); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			if err := t.out.Flush(); err != nil {
				return fmt.Errorf("flush output: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
