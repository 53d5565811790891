package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// validate is a single, package-level validator instance — the pattern
// gin's binding engine relies on implicitly, made explicit here since
// there is no HTTP framework doing it for us.
var validate = validator.New(validator.WithRequiredStructEnabled())

// sonicAPI mirrors encoding/json's behavior (field tags, RawMessage,
// nested structs) while using sonic's faster codec — the same engine
// gin already pulls in for HTTP bodies, repointed at the line protocol.
var sonicAPI = sonic.ConfigStd

func marshal(v any) ([]byte, error) {
	return sonicAPI.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return sonicAPI.Unmarshal(data, v)
}

// MarshalCounterMap serializes a g-counter contribution map for use as
// a BroadcastBody.Message payload.
func MarshalCounterMap(m map[string]uint64) (json.RawMessage, error) {
	return marshal(m)
}

// MarshalValue serializes a single broadcast value for use as a
// BroadcastBody.Message payload.
func MarshalValue(v uint64) (json.RawMessage, error) {
	return marshal(v)
}

// DecodeBody unmarshals raw into a typed body and validates its
// required fields, returning a descriptive error on either failure so
// the dispatcher can log and skip whatever sent it instead of crashing.
func DecodeBody[T any](raw json.RawMessage) (T, error) {
	var body T
	if err := unmarshal(raw, &body); err != nil {
		return body, fmt.Errorf("decode body: %w", err)
	}
	if err := validate.Struct(body); err != nil {
		return body, fmt.Errorf("validate body: %w", err)
	}
	return body, nil
}
