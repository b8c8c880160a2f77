// Package compilerref is a reference, in-process implementation of
// external.Compiler for tests and the demo frontend. It is not a SQL or
// EdgeQL engine: it recognizes a handful of leading keywords well enough to
// set the right capability flags and transactional side-effect flags, the
// way a real compiler pool's result would arrive, but it performs no
// parsing, planning, or execution.
//
// Grounded on internal/engine/lexer.go keyword-table idiom
// (a map from uppercased leading token to a classification), reduced to
// just the classifications this core's cache/capability logic needs.
package compilerref

import (
	"context"
	"strings"

	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/units"
	"github.com/google/uuid"
)

// Compiler is the reference external.Compiler implementation.
type Compiler struct{}

// New returns a ready-to-use reference Compiler.
func New() *Compiler { return &Compiler{} }

func leadingKeyword(text string) string {
	trimmed := strings.TrimSpace(text)
	end := strings.IndexAny(trimmed, " \t\n(;")
	if end == -1 {
		end = len(trimmed)
	}
	return strings.ToUpper(trimmed[:end])
}

func classify(text string) units.Unit {
	kw := leadingKeyword(text)
	u := units.Unit{SQL: text, FunctionCacheSQL: text + " /* fc */"}
	switch kw {
	case "CREATE", "ALTER", "DROP":
		u.Capabilities = units.CapDDL
		u.HasDDL = true
	case "INSERT", "UPDATE", "DELETE":
		u.Capabilities = units.CapModifications
	case "BEGIN", "START":
		u.Capabilities = units.CapTransaction
		u.TxID = 1
	case "COMMIT":
		u.Capabilities = units.CapTransaction
		u.TxCommit = true
	case "ROLLBACK":
		u.Capabilities = units.CapTransaction
		u.TxRollback = true
	case "SAVEPOINT":
		u.Capabilities = units.CapTransaction
	case "SET":
		u.HasSet = true
		u.Capabilities = units.CapSessionConfig
	default:
		// SELECT and everything else reads only; no capability bits needed.
	}
	return u
}

// Compile implements external.Compiler for a standalone (non-tx) request.
func (c *Compiler) Compile(ctx context.Context, branchName string, userSchemaPickle, globalSchemaPickle, reflectionCache []byte,
	dbConfig, sysConfig fingerprint.ConfigSnapshot, req *fingerprint.Request, rawText string, clientID uuid.UUID) (external.CompileResult, error) {
	u := classify(rawText)
	g := units.Group{
		Units:        []units.Unit{u},
		Cacheable:    u.Capabilities&units.CapSessionConfig == 0,
		Capabilities: u.Capabilities,
	}
	return external.CompileResult{Group: g}, nil
}

// CompileInTx implements external.Compiler for an in-transaction request.
func (c *Compiler) CompileInTx(ctx context.Context, branchName string, rootUserSchemaPickle []byte, txID uint64,
	prevStateBlob []byte, prevStateID [16]byte, req *fingerprint.Request, rawText string,
	inTxError bool, clientID uuid.UUID) (external.CompileResult, error) {
	u := classify(rawText)
	u.TxID = txID
	g := units.Group{
		Units:        []units.Unit{u},
		Cacheable:    false, // in-tx compiles are never safe to share across sessions
		Capabilities: u.Capabilities,
	}
	return external.CompileResult{Group: g, StateBlob: prevStateBlob, StateID: prevStateID}, nil
}

// MakeStateSerializer returns a fixed-shape reference StateSerializer keyed
// only by protocol version, since this reference compiler has no schema of
// its own to fold into the state shape.
func (c *Compiler) MakeStateSerializer(ctx context.Context, protocolVersion [2]uint16, userSchemaPickle, globalSchemaPickle []byte) (external.StateSerializer, error) {
	return newReferenceSerializer(protocolVersion), nil
}

// SizeHint reports a conservative compiler pool worker count for bounding
// background recompile concurrency.
func (c *Compiler) SizeHint() int { return 4 }
