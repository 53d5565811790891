package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeThenDecodeEnvelopeRoundTrips(t *testing.T) {
	msgID := int64(5)
	line, err := EncodeEnvelope("n1", "c1", EchoOkBody{Type: TypeEchoOk, InReplyTo: msgID, Echo: "hi"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := DecodeEnvelope(line)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Src != "n1" || env.Dest != "c1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	tag, err := PeekType(env.Body)
	if err != nil {
		t.Fatalf("peek type: %v", err)
	}
	if tag != TypeEchoOk {
		t.Fatalf("tag = %q, want %q", tag, TypeEchoOk)
	}

	body, err := DecodeBody[EchoOkBody](env.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Echo != "hi" || body.InReplyTo != msgID {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDecodeEnvelopeRejectsMissingSrcOrDest(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"dest":"n1","body":{}}`))
	if err == nil {
		t.Fatalf("expected an error for a missing src")
	}
}

func TestPeekTypeRejectsMissingType(t *testing.T) {
	_, err := PeekType(json.RawMessage(`{"msg_id":1}`))
	if err == nil {
		t.Fatalf("expected an error for a body with no type tag")
	}
}

func TestDecodeBodyRejectsMissingRequiredField(t *testing.T) {
	// init requires node_id; omit it and expect validation to fail.
	raw := json.RawMessage(`{"type":"init","msg_id":1,"node_ids":["n1"]}`)
	if _, err := DecodeBody[InitBody](raw); err == nil {
		t.Fatalf("expected validation to reject a missing node_id")
	}
}

func TestDecodeBodyRejectsWrongTypeTag(t *testing.T) {
	raw := json.RawMessage(`{"type":"echo","msg_id":1,"node_id":"n1","node_ids":["n1"]}`)
	if _, err := DecodeBody[InitBody](raw); err == nil {
		t.Fatalf("expected validation to reject a mismatched type tag")
	}
}

func TestBroadcastBodyDecodesValueOrCounterMap(t *testing.T) {
	valueMsg, err := MarshalValue(42)
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	b := BroadcastBody{Message: valueMsg}
	v, err := b.DecodeValue()
	if err != nil || v != 42 {
		t.Fatalf("DecodeValue() = %d, %v, want 42, nil", v, err)
	}

	counterMsg, err := MarshalCounterMap(map[string]uint64{"n1": 3, "n2": 7})
	if err != nil {
		t.Fatalf("marshal counter map: %v", err)
	}
	cb := BroadcastBody{Message: counterMsg}
	m, err := cb.DecodeCounterMap()
	if err != nil {
		t.Fatalf("DecodeCounterMap: %v", err)
	}
	if m["n1"] != 3 || m["n2"] != 7 {
		t.Fatalf("unexpected counter map: %+v", m)
	}
}

func TestReadOkInBodyDecodeUint64DefaultsToZeroWhenKeyMissing(t *testing.T) {
	b := ReadOkInBody{Value: nil}
	v, err := b.DecodeUint64()
	if err != nil || v != 0 {
		t.Fatalf("DecodeUint64() = %d, %v, want 0, nil", v, err)
	}

	b.Value = json.RawMessage(`null`)
	v, err = b.DecodeUint64()
	if err != nil || v != 0 {
		t.Fatalf("DecodeUint64() on null = %d, %v, want 0, nil", v, err)
	}

	b.Value = json.RawMessage(`17`)
	v, err = b.DecodeUint64()
	if err != nil || v != 17 {
		t.Fatalf("DecodeUint64() = %d, %v, want 17, nil", v, err)
	}
}
