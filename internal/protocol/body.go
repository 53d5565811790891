package protocol

import "encoding/json"

// Body tags this node understands. Unknown tags are routed to a
// catch-all by the dispatcher and logged, never decoded here.
const (
	TypeInit        = "init"
	TypeInitOk      = "init_ok"
	TypeEcho        = "echo"
	TypeEchoOk      = "echo_ok"
	TypeGenerate    = "generate"
	TypeGenerateOk  = "generate_ok"
	TypeTopology    = "topology"
	TypeTopologyOk  = "topology_ok"
	TypeBroadcast   = "broadcast"
	TypeBroadcastOk = "broadcast_ok"
	TypeRead        = "read"
	TypeReadOk      = "read_ok"
	TypeAdd         = "add"
	TypeAddOk       = "add_ok"
	TypeCas         = "cas"
	TypeCasOk       = "cas_ok"
	TypeError       = "error"
)

// Error codes this node may receive from seq-kv. Maelstrom defines more;
// only the ones the CAS retry ladder cares about are named.
const (
	ErrCodePreconditionFailed = 22
	ErrCodeKeyDoesNotExist    = 20
)

// InitBody assigns node identity exactly once per process.
type InitBody struct {
	Type     string   `json:"type" validate:"required,eq=init"`
	MsgID    *int64   `json:"msg_id" validate:"required"`
	NodeID   string   `json:"node_id" validate:"required"`
	NodeIDs  []string `json:"node_ids" validate:"required"`
	Workload string   `json:"workload,omitempty"`
}

type InitOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
}

type EchoBody struct {
	Type  string `json:"type" validate:"required,eq=echo"`
	MsgID *int64 `json:"msg_id" validate:"required"`
	Echo  string `json:"echo"`
}

type EchoOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
	Echo      string `json:"echo"`
}

type GenerateBody struct {
	Type  string `json:"type" validate:"required,eq=generate"`
	MsgID *int64 `json:"msg_id" validate:"required"`
}

type GenerateOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
	ID        string `json:"id"`
}

type TopologyBody struct {
	Type     string              `json:"type" validate:"required,eq=topology"`
	MsgID    *int64              `json:"msg_id" validate:"required"`
	Topology map[string][]string `json:"topology" validate:"required"`
}

type TopologyOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
}

// BroadcastBody's Message field is polymorphic: a single uint64 for the
// broadcast workload, or a per-node contribution map for the g-counter
// gossip payload. See DecodeValue and DecodeCounterMap below; a list of
// values is not decoded.
type BroadcastBody struct {
	Type    string          `json:"type" validate:"required,eq=broadcast"`
	MsgID   *int64          `json:"msg_id" validate:"required"`
	Message json.RawMessage `json:"message" validate:"required"`
}

// DecodeValue parses Message as a single broadcast value.
func (b BroadcastBody) DecodeValue() (uint64, error) {
	var v uint64
	err := unmarshal(b.Message, &v)
	return v, err
}

// DecodeCounterMap parses Message as a g-counter gossip payload.
func (b BroadcastBody) DecodeCounterMap() (map[string]uint64, error) {
	var m map[string]uint64
	err := unmarshal(b.Message, &m)
	return m, err
}

type BroadcastOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
}

type BroadcastOkInBody struct {
	Type      string `json:"type" validate:"required,eq=broadcast_ok"`
	InReplyTo *int64 `json:"in_reply_to" validate:"required"`
}

type ReadBody struct {
	Type  string  `json:"type" validate:"required,eq=read"`
	MsgID *int64  `json:"msg_id" validate:"required"`
	Key   *string `json:"key,omitempty"`
}

// ReadOkBody's Messages field is also polymorphic: a list of values for
// the broadcast workload, or a single sum for the counter workload.
type ReadOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
	Messages  any    `json:"messages"`
}

type AddBody struct {
	Type  string  `json:"type" validate:"required,eq=add"`
	MsgID *int64  `json:"msg_id" validate:"required"`
	Delta *uint64 `json:"delta" validate:"required"`
}

type AddOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
}

type CasBody struct {
	Type              string  `json:"type" validate:"required,eq=cas"`
	MsgID             *int64  `json:"msg_id" validate:"required"`
	Key               string  `json:"key" validate:"required"`
	From              *uint64 `json:"from" validate:"required"`
	To                *uint64 `json:"to" validate:"required"`
	CreateIfNotExists bool    `json:"create_if_not_exists,omitempty"`
}

type CasOkInBody struct {
	Type      string `json:"type" validate:"required,eq=cas_ok"`
	InReplyTo *int64 `json:"in_reply_to" validate:"required"`
}

type CasOkBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to"`
}

type ErrorInBody struct {
	Type      string `json:"type" validate:"required,eq=error"`
	InReplyTo *int64 `json:"in_reply_to" validate:"required"`
	Code      int    `json:"code"`
	Text      string `json:"text,omitempty"`
}

// ReadOutBody is the request this node sends *to* seq-kv.
type ReadOutBody struct {
	Type  string `json:"type"`
	MsgID int64  `json:"msg_id"`
	Key   string `json:"key"`
}

type ReadOkInBody struct {
	Type      string          `json:"type" validate:"required,eq=read_ok"`
	InReplyTo *int64          `json:"in_reply_to" validate:"required"`
	Value     json.RawMessage `json:"value"`
}

// DecodeUint64 parses a seq-kv read_ok's value as a uint64, defaulting to
// zero if the key does not exist yet (Value is empty/null).
func (b ReadOkInBody) DecodeUint64() (uint64, error) {
	if len(b.Value) == 0 || string(b.Value) == "null" {
		return 0, nil
	}
	var v uint64
	err := unmarshal(b.Value, &v)
	return v, err
}

// CasOutBody is the request this node sends to seq-kv to commit an add.
type CasOutBody struct {
	Type              string `json:"type"`
	MsgID             int64  `json:"msg_id"`
	Key               string `json:"key"`
	From              uint64 `json:"from"`
	To                uint64 `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists"`
}
