// Package codec abstracts the serializer that turns grain state into the
// opaque payload bytes the record store persists. The store never looks
// inside a payload; everything type-shaped lives on this boundary.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// Codec marshals grain state to payload bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Msgpack is the default binary codec.
type Msgpack struct{}

// Marshal encodes v as msgpack.
func (Msgpack) Marshal(v any) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	hd := msgpack.MsgpackHandle{}
	if err := msgpack.NewEncoder(buf, &hd).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v, which must be a pointer.
func (Msgpack) Unmarshal(data []byte, v any) error {
	hd := msgpack.MsgpackHandle{}
	if err := msgpack.NewDecoder(bytes.NewReader(data), &hd).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}

// JSON trades compactness for payloads that are readable in backend
// tooling. Useful when debugging stored state by hand.
type JSON struct{}

// Marshal encodes v as JSON.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON data into v, which must be a pointer.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}
