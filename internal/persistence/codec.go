package persistence

import (
	"encoding/json"

	"github.com/petrijr/stepflow/pkg/api"
)

// EncodeValue serializes a Value as JSON. Undefined encodes as nil so
// columns stay NULL.
func EncodeValue(v api.Value) ([]byte, error) {
	if v.IsUndefined() {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(data []byte) (api.Value, error) {
	if len(data) == 0 {
		return api.Undefined(), nil
	}
	return api.ParseJSON(data)
}

// EncodeJSON serializes any JSON-encodable value.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON decodes data into a T.
func DecodeJSON[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
