// Package stateserializer is a reference, gob-based implementation of
// external.StateSerializer, used by internal/compilerref and by tests.
//
// What: encodes/decodes the map[string]any session state blob exchanged
// over the wire.
// How: encoding/gob via bytes.Buffer, the same round-trip helper shape as
// internal/fingerprint and internal/units use, matching own
// pervasive gob-based checkpoint format.
// Why: the real wire format for state blobs is explicitly out of scope;
// what matters here is that encode/decode round-trip and that TypeID
// changes whenever the shape a client must expect changes.
package stateserializer

import (
	"bytes"
	"encoding/gob"
)

func init() {
	// Values stored in the map[string]any state blob must have their
	// concrete types registered so gob can decode them back into the
	// any-typed map slots.
	gob.Register(map[string]string{})
}

// Serializer is a reference external.StateSerializer.
type Serializer struct {
	typeID [16]byte
}

// New returns a Serializer identified by typeID.
func New(typeID [16]byte) *Serializer {
	return &Serializer{typeID: typeID}
}

// TypeID implements external.StateSerializer.
func (s *Serializer) TypeID() [16]byte { return s.typeID }

// Encode implements external.StateSerializer.
func (s *Serializer) Encode(state map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements external.StateSerializer.
func (s *Serializer) Decode(data []byte) (map[string]any, error) {
	state := map[string]any{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return nil, err
	}
	return state, nil
}
