// Package units defines the compiled output of a CompilationRequest: the
// QueryUnit/QueryUnitGroup pair.
//
// What: an ordered list of executable units plus group-level cacheability,
// capability, and cache-state metadata.
// How: CacheState is a small enum with a String() method, matching the
// CacheStrategy/StorageMode enum style used for storage bookkeeping;
// Capability is a bitmask, matching the capability-flag style used
// throughout for terse membership tests (flag&^mask==0).
// Why: the group is the unit of caching and of capability enforcement; a
// unit only carries execution detail, never cache bookkeeping.
package units

import "time"

// CacheState is the lifecycle of a cached QueryUnitGroup. Transitions are
// Pending->Present, Pending->Evicted, Present->Evicted; Evicted is terminal.
type CacheState uint8

const (
	Pending CacheState = iota
	Present
	Evicted
)

func (s CacheState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Present:
		return "present"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// CanTransitionTo reports whether s->next is one of the three legal
// cache-state transitions.
func (s CacheState) CanTransitionTo(next CacheState) bool {
	switch {
	case s == Pending && next == Present:
		return true
	case s == Pending && next == Evicted:
		return true
	case s == Present && next == Evicted:
		return true
	default:
		return false
	}
}

// Capability is a bitmask of query capabilities, checked against a
// SessionView's capability mask and the caller-permitted capabilities.
type Capability uint32

const (
	CapModifications Capability = 1 << iota
	CapDDL
	CapTransaction
	CapSessionConfig
	CapSetGlobal
	CapPersistentDML
	CapWrite = CapModifications | CapPersistentDML
)

// ExceedsMask reports whether c has bits set outside mask — the
// `group.capabilities & ~mask != 0` test used for capability
// enforcement.
func (c Capability) ExceedsMask(mask Capability) bool {
	return c&^mask != 0
}

// Unit is a single compiled statement within a group.
type Unit struct {
	SQL string
	// FunctionCacheSQL is the alternate SQL form assuming a persisted
	// server-side helper routine exists (spec GLOSSARY: "function-cache
	// SQL"). Empty when the unit has no such alternate form.
	FunctionCacheSQL string
	IntrospectionSQL string

	InTypeDescriptor  []byte
	OutTypeDescriptor []byte
	InTypeID          [16]byte
	OutTypeID         [16]byte
	ParamLayout       []ParamInfo
	// OutColumns is populated for SQL-input units by the backend
	// sql_describe splice step; empty for EdgeQL-equivalent units, whose
	// descriptors come from the compiler instead.
	OutColumns []ColumnType

	Capabilities Capability

	// Transactional side-effect flags.
	HasDDL                bool
	HasSet                bool
	SystemConfig           bool
	DatabaseConfig         bool
	CreateDB               bool
	DropDB                 bool
	TxCommit               bool
	TxRollback             bool
	TxSavepointRollback    bool
	TxAbortMigration       bool
	UserSchemaUpdate       bool
	GlobalSchemaUpdate     bool
	ModaliasesOverride     bool

	// TxID is set when this unit must run inside (or begin) a transaction.
	TxID uint64
}

// ParamInfo describes a single bound parameter's position and backend type.
type ParamInfo struct {
	Name   string
	Pos    int
	TypeID [16]byte
}

// ColumnType names one result column's backend-resolved type, spliced in
// from a backend sql_describe call (spec §4.4 step 5).
type ColumnType struct {
	Name   string
	TypeID [16]byte
}

// Group is the compiled result of a single CompilationRequest: an ordered
// sequence of units plus group-level metadata.
type Group struct {
	Units []Unit

	Cacheable    bool
	Capabilities Capability
	CacheState   CacheState

	// TxSeqID is set once the group's persistence completes while
	// transactions are active; zero means "not gated".
	TxSeqID uint64

	// CreatedAt aids diagnostics; it plays no role in cache correctness.
	CreatedAt time.Time
}

// FirstUnit returns &Units[0], or nil for an empty group.
func (g *Group) FirstUnit() *Unit {
	if len(g.Units) == 0 {
		return nil
	}
	return &g.Units[0]
}

// IsSingleUnitPresent reports whether g is eligible for function-cache
// promotion bookkeeping: exactly one unit and currently Present.
func (g *Group) IsSingleUnitPresent() bool {
	return len(g.Units) == 1 && g.CacheState == Present
}

// IsRollbackOnly reports whether g is one of the three recovery statements
// permitted while a SessionView is in the InTxError state: a single unit that is a rollback, savepoint rollback,
// or abort-migration.
func (g *Group) IsRollbackOnly() bool {
	if len(g.Units) != 1 {
		return false
	}
	u := g.Units[0]
	return u.TxRollback || u.TxSavepointRollback || u.TxAbortMigration
}
