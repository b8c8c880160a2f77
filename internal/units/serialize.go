package units

import (
	"bytes"
	"encoding/gob"
)

// Serialize encodes a single Unit for persistence, using the same encoding/gob idiom as the rest of
// the stack's checkpoint format.
func Serialize(u Unit) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize reverses Serialize.
func Deserialize(data []byte) (Unit, error) {
	var u Unit
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&u); err != nil {
		return Unit{}, err
	}
	return u, nil
}
