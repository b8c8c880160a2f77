package fingerprint

import (
	"bytes"
	"encoding/gob"
)

// gobEncode and gobDecode centralize the encoding/gob round-trip the
// teacher relies on throughout internal/storage for checkpoints; using it
// here keeps the persisted CompilationRequest format in the same idiom as
// the rest of the stack's serialization.
func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
