// Package fingerprint defines CompilationRequest, the canonical value
// object that fingerprints "what needs to be compiled": normalized query
// source plus every piece of session and schema context that can change the
// compiled result.
//
// What: a hashable, serializable request struct plus the mutators used
// during background recompilation.
// How: fields are compared field-by-field for equality; the hash is a
// stable FNV-1a style digest over a canonical byte encoding, cached on the
// struct and invalidated by the schema/config mutators. Config snapshots are
// encoded with their setting names sorted, per the corpus's dynamic-hash
// design note — map iteration order must never leak into the fingerprint.
// Why: two goroutines racing to compile the same request must land on the
// same key so the per-fingerprint lock table coalesces them.
package fingerprint

import (
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/google/uuid"
)

// Language is the input language of a compilation request.
type Language uint8

const (
	LanguageEdgeQL Language = iota
	LanguageSQL
)

// OutputFormat selects the wire encoding of results.
type OutputFormat uint8

const (
	OutputBinary OutputFormat = iota
	OutputJSON
	OutputJSONLines
	OutputNone
)

// ConfigSnapshot is a deterministically-ordered view of a config map, used
// for both the database and system config snapshots carried on a request.
type ConfigSnapshot map[string]string

// sortedPairs returns the snapshot's (name, value) pairs sorted by name so
// hashing and serialization never depend on map iteration order.
func (c ConfigSnapshot) sortedPairs() [][2]string {
	pairs := make([][2]string, 0, len(c))
	for k, v := range c {
		pairs = append(pairs, [2]string{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

// Request is the CompilationRequest value object: everything that feeds
// the compiler and therefore everything the fingerprint hash must cover.
type Request struct {
	NormalizedSource string
	InputLanguage    Language
	OutputFormat     OutputFormat
	ExpectOne        bool
	ImplicitLimit    uint64
	InlineTypeIDs    bool
	InlineObjectIDs  bool
	ProtocolVersion  [2]uint16 // major, minor

	SchemaVersion uuid.UUID
	DatabaseConfig ConfigSnapshot
	SystemConfig   ConfigSnapshot

	// CompilationConfigSerializerID identifies which server-version-specific
	// serializer produced/consumes Serialize/Deserialize output.
	CompilationConfigSerializerID string

	hash    uint64
	hashSet bool
}

// New constructs a Request with its hash computed eagerly.
func New(source string, lang Language, out OutputFormat) *Request {
	r := &Request{NormalizedSource: source, InputLanguage: lang, OutputFormat: out}
	r.invalidate()
	return r
}

func (r *Request) invalidate() { r.hashSet = false }

// SetSchemaVersion mutates the schema version and invalidates the cached
// hash.
func (r *Request) SetSchemaVersion(v uuid.UUID) {
	r.SchemaVersion = v
	r.invalidate()
}

// SetDatabaseConfig mutates the database config snapshot.
func (r *Request) SetDatabaseConfig(cfg ConfigSnapshot) {
	r.DatabaseConfig = cfg
	r.invalidate()
}

// SetSystemConfig mutates the system config snapshot.
func (r *Request) SetSystemConfig(cfg ConfigSnapshot) {
	r.SystemConfig = cfg
	r.invalidate()
}

// Hash returns the precomputed structural hash, computing it on first use
// or after invalidation.
func (r *Request) Hash() uint64 {
	if !r.hashSet {
		r.hash = r.computeHash()
		r.hashSet = true
	}
	return r.hash
}

func (r *Request) computeHash() uint64 {
	h := fnv.New64a()
	writeString(h, r.NormalizedSource)
	writeUint(h, uint64(r.InputLanguage))
	writeUint(h, uint64(r.OutputFormat))
	writeBool(h, r.ExpectOne)
	writeUint(h, r.ImplicitLimit)
	writeBool(h, r.InlineTypeIDs)
	writeBool(h, r.InlineObjectIDs)
	writeUint(h, uint64(r.ProtocolVersion[0]))
	writeUint(h, uint64(r.ProtocolVersion[1]))
	writeString(h, r.SchemaVersion.String())
	writeConfig(h, r.DatabaseConfig)
	writeConfig(h, r.SystemConfig)
	writeString(h, r.CompilationConfigSerializerID)
	return h.Sum64()
}

func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s))
}

func writeUint(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(buf[:])
}

func writeBool(h interface{ Write([]byte) (int, error) }, b bool) {
	if b {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}

func writeConfig(h interface{ Write([]byte) (int, error) }, cfg ConfigSnapshot) {
	pairs := cfg.sortedPairs()
	writeUint(h, uint64(len(pairs)))
	for _, kv := range pairs {
		writeString(h, kv[0])
		writeString(h, kv[1])
	}
}

// Equal reports structural equality across every semantic field, as spec
// §4.2 requires: two requests are equal iff all fields compare equal.
func (r *Request) Equal(other *Request) bool {
	if other == nil {
		return false
	}
	if r.Hash() != other.Hash() {
		return false
	}
	if r.NormalizedSource != other.NormalizedSource ||
		r.InputLanguage != other.InputLanguage ||
		r.OutputFormat != other.OutputFormat ||
		r.ExpectOne != other.ExpectOne ||
		r.ImplicitLimit != other.ImplicitLimit ||
		r.InlineTypeIDs != other.InlineTypeIDs ||
		r.InlineObjectIDs != other.InlineObjectIDs ||
		r.ProtocolVersion != other.ProtocolVersion ||
		r.SchemaVersion != other.SchemaVersion ||
		r.CompilationConfigSerializerID != other.CompilationConfigSerializerID {
		return false
	}
	return configEqual(r.DatabaseConfig, other.DatabaseConfig) &&
		configEqual(r.SystemConfig, other.SystemConfig)
}

func configEqual(a, b ConfigSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// wireRequest is the gob-stable serialization shape. Keeping it distinct
// from Request means adding unexported cache fields to Request never
// changes the persisted encoding.
type wireRequest struct {
	NormalizedSource              string
	InputLanguage                 Language
	OutputFormat                  OutputFormat
	ExpectOne                     bool
	ImplicitLimit                 uint64
	InlineTypeIDs                 bool
	InlineObjectIDs               bool
	ProtocolMajor, ProtocolMinor  uint16
	SchemaVersion                 uuid.UUID
	DatabaseConfig                ConfigSnapshot
	SystemConfig                  ConfigSnapshot
	CompilationConfigSerializerID string
}

func init() {
	gob.Register(wireRequest{})
}

// Serialize produces a stable byte form suitable for persistence, matching
//  "in_data is a serialized CompilationRequest".
func (r *Request) Serialize() ([]byte, error) {
	w := wireRequest{
		NormalizedSource:              r.NormalizedSource,
		InputLanguage:                 r.InputLanguage,
		OutputFormat:                  r.OutputFormat,
		ExpectOne:                     r.ExpectOne,
		ImplicitLimit:                 r.ImplicitLimit,
		InlineTypeIDs:                 r.InlineTypeIDs,
		InlineObjectIDs:               r.InlineObjectIDs,
		ProtocolMajor:                 r.ProtocolVersion[0],
		ProtocolMinor:                 r.ProtocolVersion[1],
		SchemaVersion:                 r.SchemaVersion,
		DatabaseConfig:                r.DatabaseConfig,
		SystemConfig:                  r.SystemConfig,
		CompilationConfigSerializerID: r.CompilationConfigSerializerID,
	}
	return gobEncode(w)
}

// Deserialize reconstructs a Request from bytes produced by Serialize,
// keeping the serializer id stored in the bytes. An entry whose stored id
// differs from currentSerializerID is rejected; an empty id on either side
// is accepted. Callers treat rejection as skip-this-entry.
func Deserialize(data []byte, currentSerializerID string) (*Request, error) {
	var w wireRequest
	if err := gobDecode(data, &w); err != nil {
		return nil, fmt.Errorf("fingerprint: deserialize: %w", err)
	}
	if w.CompilationConfigSerializerID != "" && currentSerializerID != "" &&
		w.CompilationConfigSerializerID != currentSerializerID {
		return nil, fmt.Errorf("fingerprint: incompatible compilation config serializer %q (want %q)",
			w.CompilationConfigSerializerID, currentSerializerID)
	}
	r := &Request{
		NormalizedSource:              w.NormalizedSource,
		InputLanguage:                 w.InputLanguage,
		OutputFormat:                  w.OutputFormat,
		ExpectOne:                     w.ExpectOne,
		ImplicitLimit:                 w.ImplicitLimit,
		InlineTypeIDs:                 w.InlineTypeIDs,
		InlineObjectIDs:               w.InlineObjectIDs,
		ProtocolVersion:               [2]uint16{w.ProtocolMajor, w.ProtocolMinor},
		SchemaVersion:                 w.SchemaVersion,
		DatabaseConfig:                w.DatabaseConfig,
		SystemConfig:                  w.SystemConfig,
		CompilationConfigSerializerID: w.CompilationConfigSerializerID,
	}
	r.invalidate()
	return r, nil
}
