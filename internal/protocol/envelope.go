// Package protocol defines the Maelstrom wire format: one JSON envelope
// per line, with a closed set of tagged body variants. Decoding is a
// two-step peek-then-decode: the outer envelope and the body's "type"
// tag are cheap to parse, and only then do we decode into the specific
// typed struct for that tag, validating required fields as we go.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer `{src, dest, body}` wire object. Body is kept raw
// until the dispatcher has identified its tag.
type Envelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// bodyTag is the minimal shape needed to route a body to its typed
// decoder — every body variant carries a "type" discriminator.
type bodyTag struct {
	Type string `json:"type"`
}

// PeekType returns the body's "type" tag without decoding the rest of it.
func PeekType(body json.RawMessage) (string, error) {
	var t bodyTag
	if err := unmarshal(body, &t); err != nil {
		return "", fmt.Errorf("peek body type: %w", err)
	}
	if t.Type == "" {
		return "", fmt.Errorf("body missing required \"type\" field")
	}
	return t.Type, nil
}

// DecodeEnvelope parses one line of input into an Envelope.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Src == "" || env.Dest == "" {
		return Envelope{}, fmt.Errorf("envelope missing src or dest")
	}
	return env, nil
}

// EncodeEnvelope serializes an outbound envelope to a single line (no
// trailing newline — the transport writer appends that).
func EncodeEnvelope(src, dest string, body any) ([]byte, error) {
	raw, err := marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	env := Envelope{Src: src, Dest: dest, Body: raw}
	out, err := marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}
