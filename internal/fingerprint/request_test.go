package fingerprint

import (
	"testing"

	"github.com/google/uuid"
)

func TestEqualRequiresAllFields(t *testing.T) {
	a := New("select 1", LanguageEdgeQL, OutputBinary)
	b := New("select 1", LanguageEdgeQL, OutputBinary)
	if !a.Equal(b) {
		t.Fatalf("expected equal requests")
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected equal hashes")
	}

	b.SetSchemaVersion(uuid.New())
	if a.Equal(b) {
		t.Fatalf("expected inequality after schema version change")
	}
	if a.Hash() == b.Hash() {
		// not required, but extremely likely; a collision here would be
		// a red flag for the hash function
	}
}

func TestConfigOrderDoesNotAffectHash(t *testing.T) {
	a := New("q", LanguageEdgeQL, OutputBinary)
	a.SetDatabaseConfig(ConfigSnapshot{"b": "2", "a": "1"})
	b := New("q", LanguageEdgeQL, OutputBinary)
	b.SetDatabaseConfig(ConfigSnapshot{"a": "1", "b": "2"})
	if a.Hash() != b.Hash() {
		t.Fatalf("map iteration order leaked into hash")
	}
	if !a.Equal(b) {
		t.Fatalf("expected equal")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	r := New("select 1", LanguageSQL, OutputJSON)
	r.SchemaVersion = uuid.New()
	r.DatabaseConfig = ConfigSnapshot{"k": "v"}
	r.CompilationConfigSerializerID = "srv-1"

	data, err := r.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(data, "srv-1")
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !r.Equal(got) {
		t.Fatalf("round trip mismatch: %+v vs %+v", r, got)
	}
}

func TestDeserializeRejectsIncompatibleSerializer(t *testing.T) {
	r := New("select 1", LanguageSQL, OutputJSON)
	r.CompilationConfigSerializerID = "srv-1"
	data, err := r.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Deserialize(data, "srv-2"); err == nil {
		t.Fatalf("expected rejection for mismatched serializer id")
	}
}

func TestInvalidateOnMutators(t *testing.T) {
	r := New("q", LanguageEdgeQL, OutputBinary)
	h1 := r.Hash()
	r.SetSystemConfig(ConfigSnapshot{"x": "1"})
	h2 := r.Hash()
	if h1 == h2 {
		t.Fatalf("expected hash to change after SetSystemConfig")
	}
}
