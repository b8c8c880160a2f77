// Package external declares the narrow interfaces through which the core
// reaches every surrounding collaborator: the compiler pool,
// the backend SQL connection pool, the tenant, and the server. The core
// never implements these itself — query planning, SQL execution, protocol
// framing, and authentication all stay out of scope — but it needs a stable
// seam to call through, and tests/demo code need something to implement.
package external

import (
	"context"
	"time"

	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/units"
	"github.com/google/uuid"
)

// CompileResult is what the compiler pool hands back: the compiled group
// plus the in-tx state blob to stash for the next in-tx compile.
type CompileResult struct {
	Group      units.Group
	StateBlob  []byte
	StateID    [16]byte
}

// Compiler is the external EdgeQL-equivalent compiler pool.
type Compiler interface {
	Compile(ctx context.Context, branchName string, userSchemaPickle, globalSchemaPickle, reflectionCache []byte,
		dbConfig, sysConfig fingerprint.ConfigSnapshot, req *fingerprint.Request, rawText string, clientID uuid.UUID) (CompileResult, error)

	CompileInTx(ctx context.Context, branchName string, rootUserSchemaPickle []byte, txID uint64,
		prevStateBlob []byte, prevStateID [16]byte, req *fingerprint.Request, rawText string,
		inTxError bool, clientID uuid.UUID) (CompileResult, error)

	MakeStateSerializer(ctx context.Context, protocolVersion [2]uint16, userSchemaPickle, globalSchemaPickle []byte) (StateSerializer, error)

	// SizeHint bounds the recompile concurrency used by the background
	// recompile sweep.
	SizeHint() int
}

// StateSerializer turns session state into a typed binary blob exchanged
// with the client (spec GLOSSARY).
type StateSerializer interface {
	TypeID() [16]byte
	Encode(state map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
}

// ColumnDescribe is one column returned from sql_describe.
type ColumnDescribe struct {
	Name     string
	TypeOID  uint32
}

// BackendConn is a single backend SQL connection.
type BackendConn interface {
	SQLExecute(ctx context.Context, stmt []byte) error
	SQLDescribe(ctx context.Context, sql string, typeOIDHints []uint32) (paramOIDs []uint32, columns []ColumnDescribe, err error)
}

// PersistedEntry is the opaque (in_data, out_data) pair that forms the
// persisted cache entry format.
type PersistedEntry struct {
	InData  []byte
	OutData []byte
}

// Tenant is the per-branch external collaborator: backend connection
// leasing, cache eviction notification, sysevents, introspection, and
// readiness.
type Tenant interface {
	// AcquireBackendConn is the scoped acquisition guaranteeing release on
	// all exit paths; callers must call the returned release func exactly
	// once regardless of outcome.
	AcquireBackendConn(ctx context.Context, branchName string) (conn BackendConn, release func(), err error)

	EvictQueryCache(ctx context.Context, branchName string, keys []string) error
	SignalSysevent(ctx context.Context, eventName string, payload map[string]any) error
	IntrospectDB(ctx context.Context, branchName string) error

	IsReadonly() bool
	ReadinessReason() string

	ClientID() uuid.UUID
	InstanceName() string

	// PersistEntries flushes a batch of pending cache inserts in a single
	// round trip.
	PersistEntries(ctx context.Context, branchName string, entries []PersistedEntry) error
	// HydrateEntries loads previously persisted entries at startup.
	HydrateEntries(ctx context.Context, branchName string) ([]PersistedEntry, error)
}

// ConfigOp is a single config mutation dispatched by apply_config_ops.
type ConfigOp struct {
	Scope ConfigScope
	Name  string
	Value string
	Reset bool
}

// ConfigScope names the layer a ConfigOp targets.
type ConfigScope uint8

const (
	ConfigScopeInstance ConfigScope = iota
	ConfigScopeDatabase
	ConfigScopeSession
	ConfigScopeGlobal
)

// Server is the process-wide collaborator: the compilation config serializer
// id and config-change hooks. The system compile cache and its lock table
// live on registry.BranchIndex, not behind this interface.
type Server interface {
	CompilationConfigSerializerID() string
	OnSystemConfigChange(ctx context.Context, op ConfigOp) error
	AfterSystemConfigChange(ctx context.Context, op ConfigOp) error
}

// RecompileDeadline turns the recompile sweep's timeout into an absolute
// deadline. A non-positive timeout yields the zero time, meaning no deadline.
func RecompileDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
