// Package session implements SessionView: per-connection state, the
// transaction state machine, and the parse() pipeline that ties a
// CompilationRequest to a cached or freshly compiled QueryUnitGroup.
//
// What: one SessionView per logical client connection, holding session
// config, module aliases, the savepoint stack, and the current transaction
// state.
// How: a small explicit state machine (NotInTx/InTx/InTxError) with guarded
// transitions, matching driver.Session state handling in
// internal/driver/driver.go, which also refuses most statements once a
// session's transaction has errored.
// Why: almost every later decision (can this statement run, does it need a
// fresh savepoint, can the cache be trusted) depends on exactly one of
// these three states, so making the state explicit keeps parse() from
// turning into a pile of ad-hoc booleans.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/edgedb/dbview/internal/branch"
	"github.com/edgedb/dbview/internal/dbviewerr"
	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/metrics"
	"github.com/edgedb/dbview/internal/registry"
	"github.com/edgedb/dbview/internal/units"
	"github.com/google/uuid"
)

// TxState is the transaction state machine a SessionView tracks.
type TxState uint8

const (
	NotInTx TxState = iota
	InTx
	InTxError
)

func (s TxState) String() string {
	switch s {
	case NotInTx:
		return "not_in_tx"
	case InTx:
		return "in_tx"
	case InTxError:
		return "in_tx_error"
	default:
		return "unknown"
	}
}

// Savepoint is a single entry in the savepoint stack: a name, the
// backend-assigned savepoint id, and every piece of overlay state snapshotted
// at declaration time, restored verbatim on rollback (spec GLOSSARY
// "Savepoint").
type Savepoint struct {
	Name          string
	SPID          int64
	StateBlob     []byte
	StateID       [16]byte
	ModuleAliases map[string]string
	SessionConfig map[string]string
	Globals       map[string]string
}

// Config bundles the fixed, caller-supplied collaborators a SessionView
// needs.
type Config struct {
	Branch          *branch.Branch
	Compiler        external.Compiler
	Tenant          external.Tenant
	ProtocolVersion [2]uint16
	ClientID        uuid.UUID
	// CapabilityMask limits what this view may ever request, independent of
	// any single query's own capabilities (used for the read-only system
	// branch).
	CapabilityMask units.Capability
	// SystemCache is the optional server-wide compile cache consulted for
	// cached_globally requests (spec §4.4 parse step 1). Nil disables the
	// global-cache fast path; every such request then falls through to the
	// branch cache like any other.
	SystemCache *registry.BranchIndex
}

// View is a single client connection's session state.
type View struct {
	b           *branch.Branch
	compiler    external.Compiler
	tenant      external.Tenant
	systemCache *registry.BranchIndex

	protocolVersion [2]uint16
	clientID        uuid.UUID
	capMask         units.Capability

	txState     TxState
	txSeq       uint64
	txActive    bool
	// inTxWithDDL is set once a DDL unit has run inside the current
	// explicit transaction; while set, the branch cache is not consulted
	// for the remainder of the transaction (spec §4.4 parse step 1, §8
	// scenario 3), since a DDL statement may have changed what a cached
	// fingerprint should even mean.
	inTxWithDDL bool
	stateBlob   []byte
	stateID     [16]byte
	savepoints  []Savepoint

	moduleAliases map[string]string
	sessionConfig map[string]string
	globals       map[string]string

	lastStateDescTypeID [16]byte

	// encodedStateCache memoizes the last EncodeState result keyed by the
	// state it was produced from, so repeated encodes of unchanged session
	// state are free (spec §4.4 "State encoding").
	encodedStateKey   string
	encodedStateTypeID [16]byte
	encodedStateBytes []byte
	encodedStateSet   bool
}

// New constructs a View and registers it with its branch.
func New(cfg Config) *View {
	v := &View{
		b:               cfg.Branch,
		compiler:        cfg.Compiler,
		tenant:          cfg.Tenant,
		systemCache:     cfg.SystemCache,
		protocolVersion: cfg.ProtocolVersion,
		clientID:        cfg.ClientID,
		capMask:         cfg.CapabilityMask,
		moduleAliases:   map[string]string{},
		sessionConfig:   map[string]string{},
		globals:         map[string]string{},
	}
	cfg.Branch.AddView(v)
	return v
}

// Close detaches the view from its branch, releasing any transaction
// sequence it still holds.
func (v *View) Close() {
	v.b.RemoveView(v)
}

// ActiveTxSeq implements branch.View.
func (v *View) ActiveTxSeq() (uint64, bool) { return v.txSeq, v.txActive }

// TxState returns the current transaction state.
func (v *View) TxState() TxState { return v.txState }

// Start begins an explicit transaction). It is an error
// to call Start while already InTx or InTxError.
func (v *View) Start(ctx context.Context) error {
	if v.txState != NotInTx {
		return &dbviewerr.TransactionError{Message: fmt.Sprintf("cannot start a transaction from state %s", v.txState)}
	}
	v.txSeq = v.b.BeginTx()
	v.txActive = true
	v.txState = InTx
	v.inTxWithDDL = false
	return nil
}

// StartImplicit begins an implicit (single-statement) transaction the same
// way Start does, used when a unit with TxID set arrives outside an
// explicit BEGIN.
func (v *View) StartImplicit(ctx context.Context) error {
	return v.Start(ctx)
}

// CommitImplicitTx ends an implicit transaction's sequence without
// requiring the caller to have observed a COMMIT unit, used when a
// single-statement implicit transaction's one unit was itself the commit.
func (v *View) CommitImplicitTx() {
	if v.txActive {
		v.b.EndTx(v.txSeq)
	}
	v.txActive = false
	v.txState = NotInTx
	v.savepoints = nil
	v.inTxWithDDL = false
}

// OnSuccess advances the transaction state machine after a unit group ran
// without error: commit/rollback units end the tx sequence,
// anything else keeps it open. A DDL unit running inside an explicit
// transaction marks the view in_tx_with_ddl for the remainder of the
// transaction, regardless of which other flags it also carries.
func (v *View) OnSuccess(g *units.Group) {
	u := g.FirstUnit()
	if u == nil {
		return
	}
	if v.txState == InTx && u.HasDDL {
		v.inTxWithDDL = true
	}
	switch {
	case u.TxCommit, u.TxRollback:
		if v.txActive {
			v.b.EndTx(v.txSeq)
		}
		v.txActive = false
		v.txState = NotInTx
		v.savepoints = nil
		v.inTxWithDDL = false
	case u.TxSavepointRollback:
		// u.SQL carries the target savepoint name for this unit kind; a
		// rollback to an unknown name is not propagated as an error; it
		// moves the view to InTxError instead.
		if err := v.RollbackTxToSavepoint(u.SQL); err != nil {
			v.txState = InTxError
		}
	default:
		if v.txState == InTxError {
			v.txState = InTx
		}
	}
}

// OnError advances the transaction state machine after a unit group failed
//: inside an explicit transaction this always moves to
// InTxError, except the three rollback-only statements, which are exactly
// the ones still accepted while already InTxError.
func (v *View) OnError(g *units.Group, err error) {
	if v.txState == NotInTx {
		return
	}
	if g != nil && g.IsRollbackOnly() {
		return
	}
	v.txState = InTxError
}

// CheckCapabilities enforces the view's and the group's capability masks
// against allowed, the capabilities the caller (protocol layer) permits for
// this particular request.
func (v *View) CheckCapabilities(g *units.Group, allowed units.Capability) error {
	if g.Capabilities.ExceedsMask(v.capMask) {
		return &dbviewerr.UnsupportedCapabilityError{Required: uint32(g.Capabilities), Allowed: uint32(v.capMask), Reason: "branch capability mask"}
	}
	if g.Capabilities.ExceedsMask(allowed) {
		return &dbviewerr.DisabledCapabilityError{Reason: "caller-permitted capabilities"}
	}
	if v.tenant != nil && v.tenant.IsReadonly() && g.Capabilities&units.CapWrite != 0 {
		return &dbviewerr.DisabledCapabilityError{Reason: "tenant is read-only"}
	}
	return nil
}

// ParseResult is what Parse hands back: the compiled group plus whether it
// was served from cache.
type ParseResult struct {
	Group     *units.Group
	FromCache bool
	StateBlob []byte
	StateID   [16]byte
	// UsePendingFuncCache is true when the frontend should execute each
	// unit's FunctionCacheSQL instead of its inline SQL: the group is a
	// single-unit Present entry whose persistence has already completed as
	// of a transaction sequence this view is allowed to observe (spec
	// §4.4 fast path, scenario 4).
	UsePendingFuncCache bool
}

// usePendingFuncCache reports whether g's function-cache SQL variant is
// visible to a view whose own tx sequence is inTxSeq (zero/false when not
// in a transaction): a single-unit Present group tagged with a tx_seq_id is
// visible once the view either isn't in a transaction at all, or its own
// transaction started strictly after the entry's tx_seq_id.
func usePendingFuncCache(g *units.Group, inTxSeq uint64, inTx bool) bool {
	if !g.IsSingleUnitPresent() || g.TxSeqID == 0 {
		return false
	}
	return !inTx || inTxSeq > g.TxSeqID
}

// ParseOptions bundles parse()'s non-request arguments (spec §4.4 public
// contract: "parse(request, cached_globally, use_metrics, allow_capabilities,
// backend_conn?)").
type ParseOptions struct {
	// Allowed is the set of capabilities the caller (protocol layer)
	// permits for this particular request.
	Allowed units.Capability
	// CachedGlobally marks a request known to reference only stable/shared
	// objects, routing it through the server-wide system compile cache
	// instead of this branch's own.
	CachedGlobally bool
	// UseMetrics gates whether this call records compilation-source and
	// duration metrics.
	UseMetrics bool
	// BackendConn is the scoped backend connection used to run sql_describe
	// for SQL-input requests (spec §4.4 step 5). Nil skips the splice step,
	// which is only reachable for InputLanguage == SQL in the first place.
	BackendConn external.BackendConn
}

// checkAborted enforces the InTxError fast path (spec §4.4, Testable
// Property §8): while in InTxError, parse() succeeds only for a group whose
// first (and only) unit is one of tx_rollback/tx_savepoint_rollback/
// tx_abort_migration — every other group, cached or freshly compiled, is
// refused. Checked against the actual compiled/cached group rather than the
// raw request, since only the compiler (or a prior compile's cached result)
// can say what kind of statement this text turned into.
func (v *View) checkAborted(g *units.Group) error {
	if v.txState != InTxError {
		return nil
	}
	if g.IsRollbackOnly() {
		return nil
	}
	return dbviewerr.ErrAborted()
}

// Parse is the cache-then-compile pipeline:
//  1. Look up the fingerprint: in the server-wide system cache for
//     cached_globally requests, or the branch cache otherwise — except the
//     branch cache is never consulted once this view has run DDL inside the
//     current transaction (§8 scenario 3).
//  2. On a hit, apply the InTxError fast-path gate, check capabilities, and
//     return it.
//  3. On a miss, acquire the fingerprint's compile lock.
//  4. Re-check the cache under the lock (another goroutine may have just
//     finished compiling the same fingerprint).
//  5. Compile via the external compiler, in-tx or standalone as
//     appropriate.
//  6. For SQL input, reject multi-statement groups and splice backend
//     sql_describe results into the single unit's parameter/column types.
//  7. Insert into the cache (if cacheable), apply the InTxError fast-path
//     gate, check capabilities, and return.
func (v *View) Parse(ctx context.Context, req *fingerprint.Request, rawText string, opts ParseOptions) (ParseResult, error) {
	if opts.CachedGlobally && v.systemCache != nil {
		return v.parseGlobal(ctx, req, rawText, opts)
	}

	fp := req.Hash()

	if !v.inTxWithDDL {
		if g, ok := v.b.LookupCompiled(fp); ok {
			if opts.UseMetrics {
				metrics.QueryCompilations.WithLabelValues(v.b.InstanceName(), string(metrics.SourceCache)).Inc()
			}
			if err := v.checkAborted(g); err != nil {
				return ParseResult{}, err
			}
			if err := v.CheckCapabilities(g, opts.Allowed); err != nil {
				return ParseResult{}, err
			}
			return ParseResult{Group: g, FromCache: true, UsePendingFuncCache: usePendingFuncCache(g, v.txSeq, v.txActive)}, nil
		}
	}

	// Acquire the fingerprint's compile lock. While waiting, the schema may
	// advance; if the version we observed before acquiring no longer
	// matches after acquiring, release and retry under the new fingerprint
	// rather than compiling against a schema version request no longer
	// names (spec §4.4 step 2, §5 schema-version-sensitive locks).
	seenSchemaVersion := v.b.SchemaVersion()
	var l *branch.Lock
	for {
		l = v.b.AcquireCompileLock(fp)
		if v.b.SchemaVersion() == seenSchemaVersion {
			break
		}
		v.b.ReleaseCompileLock(fp, l)
		req.SetSchemaVersion(v.b.SchemaVersion())
		seenSchemaVersion = v.b.SchemaVersion()
		fp = req.Hash()
	}
	defer v.b.ReleaseCompileLock(fp, l)

	if !v.inTxWithDDL {
		if g, ok := v.b.LookupCompiled(fp); ok {
			if opts.UseMetrics {
				metrics.QueryCompilations.WithLabelValues(v.b.InstanceName(), string(metrics.SourceCache)).Inc()
			}
			if err := v.checkAborted(g); err != nil {
				return ParseResult{}, err
			}
			if err := v.CheckCapabilities(g, opts.Allowed); err != nil {
				return ParseResult{}, err
			}
			return ParseResult{Group: g, FromCache: true, UsePendingFuncCache: usePendingFuncCache(g, v.txSeq, v.txActive)}, nil
		}
	}

	start := time.Now()
	result, err := v.compile(ctx, req, rawText)
	if opts.UseMetrics {
		metrics.QueryCompilationDuration.WithLabelValues(v.b.InstanceName()).Observe(time.Since(start).Seconds())
		metrics.CompilationDurationByLanguage.WithLabelValues(v.b.InstanceName(), languageLabel(req.InputLanguage)).Observe(time.Since(start).Seconds())
		metrics.QueryCompilations.WithLabelValues(v.b.InstanceName(), string(metrics.SourceCompiler)).Inc()
	}
	if err != nil {
		return ParseResult{}, err
	}

	g := &result.Group
	g.CacheState = units.Pending

	if req.InputLanguage == fingerprint.LanguageSQL {
		if err := v.spliceSQLDescribe(ctx, g, opts.BackendConn); err != nil {
			return ParseResult{}, err
		}
	}

	if g.Cacheable {
		v.b.InsertCompiled(fp, g, req, rawText)
	}

	if err := v.checkAborted(g); err != nil {
		return ParseResult{}, err
	}
	if err := v.CheckCapabilities(g, opts.Allowed); err != nil {
		return ParseResult{}, err
	}

	return ParseResult{Group: g, StateBlob: result.StateBlob, StateID: result.StateID}, nil
}

// parseGlobal is Parse's cached_globally branch: the same cache-then-
// compile shape, but against the server-wide system cache/lock table
// instead of this branch's own, and with no schema-version-retry loop since
// a globally-cached request is, by definition, known to reference only
// stable/shared objects that do not move with this branch's schema.
func (v *View) parseGlobal(ctx context.Context, req *fingerprint.Request, rawText string, opts ParseOptions) (ParseResult, error) {
	fp := req.Hash()

	if g, ok := v.systemCache.LookupSystemCompiled(fp); ok {
		if opts.UseMetrics {
			metrics.QueryCompilations.WithLabelValues(v.b.InstanceName(), string(metrics.SourceCache)).Inc()
		}
		if err := v.checkAborted(g); err != nil {
			return ParseResult{}, err
		}
		if err := v.CheckCapabilities(g, opts.Allowed); err != nil {
			return ParseResult{}, err
		}
		return ParseResult{Group: g, FromCache: true}, nil
	}

	l := v.systemCache.AcquireSystemCompileLock(fp)
	defer v.systemCache.ReleaseSystemCompileLock(fp, l)

	if g, ok := v.systemCache.LookupSystemCompiled(fp); ok {
		if opts.UseMetrics {
			metrics.QueryCompilations.WithLabelValues(v.b.InstanceName(), string(metrics.SourceCache)).Inc()
		}
		if err := v.checkAborted(g); err != nil {
			return ParseResult{}, err
		}
		if err := v.CheckCapabilities(g, opts.Allowed); err != nil {
			return ParseResult{}, err
		}
		return ParseResult{Group: g, FromCache: true}, nil
	}

	start := time.Now()
	result, err := v.compile(ctx, req, rawText)
	if opts.UseMetrics {
		metrics.QueryCompilationDuration.WithLabelValues(v.b.InstanceName()).Observe(time.Since(start).Seconds())
		metrics.CompilationDurationByLanguage.WithLabelValues(v.b.InstanceName(), languageLabel(req.InputLanguage)).Observe(time.Since(start).Seconds())
		metrics.QueryCompilations.WithLabelValues(v.b.InstanceName(), string(metrics.SourceCompiler)).Inc()
	}
	if err != nil {
		return ParseResult{}, err
	}

	g := &result.Group
	g.CacheState = units.Pending

	if req.InputLanguage == fingerprint.LanguageSQL {
		if err := v.spliceSQLDescribe(ctx, g, opts.BackendConn); err != nil {
			return ParseResult{}, err
		}
	}

	if g.Cacheable {
		v.systemCache.InsertSystemCompiled(req.Hash(), g)
	}

	if err := v.checkAborted(g); err != nil {
		return ParseResult{}, err
	}
	if err := v.CheckCapabilities(g, opts.Allowed); err != nil {
		return ParseResult{}, err
	}

	return ParseResult{Group: g, StateBlob: result.StateBlob, StateID: result.StateID}, nil
}

// spliceSQLDescribe implements parse() step 5/6 for SQL-input requests: a
// multi-statement group is rejected outright, and otherwise the single
// unit's parameter and result types are resolved from the backend's
// sql_describe, via the branch's backend-oid-to-type-id map, failing with
// UnsupportedFeatureError on any oid the branch has no mapping for. A nil
// conn (no backend available, e.g. in tests or when describing is
// unnecessary) leaves the unit's descriptors as the compiler produced them.
func (v *View) spliceSQLDescribe(ctx context.Context, g *units.Group, conn external.BackendConn) error {
	if len(g.Units) > 1 {
		return &dbviewerr.UnsupportedFeatureError{Feature: "sql", Detail: "multi-statement SQL scripts are not supported"}
	}
	if conn == nil {
		return nil
	}
	if len(g.Units) == 0 {
		return nil
	}
	u := &g.Units[0]
	paramOIDs, columns, err := conn.SQLDescribe(ctx, u.SQL, nil)
	if err != nil {
		return err
	}

	paramLayout := make([]units.ParamInfo, len(paramOIDs))
	for i, oid := range paramOIDs {
		id, ok := v.b.BackendOIDToID(oid)
		if !ok {
			return &dbviewerr.UnsupportedFeatureError{Feature: "sql_describe", Detail: fmt.Sprintf("unknown type oid %d for parameter $%d", oid, i+1)}
		}
		paramLayout[i] = units.ParamInfo{Pos: i, TypeID: id}
	}
	outColumns := make([]units.ColumnType, len(columns))
	for i, col := range columns {
		id, ok := v.b.BackendOIDToID(col.TypeOID)
		if !ok {
			return &dbviewerr.UnsupportedFeatureError{Feature: "sql_describe", Detail: fmt.Sprintf("unknown type oid %d for column %q", col.TypeOID, col.Name)}
		}
		outColumns[i] = units.ColumnType{Name: col.Name, TypeID: id}
	}
	u.ParamLayout = paramLayout
	u.OutColumns = outColumns
	return nil
}

func (v *View) compile(ctx context.Context, req *fingerprint.Request, rawText string) (external.CompileResult, error) {
	if v.txActive {
		return v.compiler.CompileInTx(ctx, v.b.Name(), v.b.UserSchema(), v.txSeq, v.stateBlob, v.stateID, req, rawText, v.txState == InTxError, v.clientID)
	}
	return v.compiler.Compile(ctx, v.b.Name(), v.b.UserSchema(), nil, nil, v.b.DatabaseConfig(), nil, req, rawText, v.clientID)
}

func languageLabel(l fingerprint.Language) string {
	if l == fingerprint.LanguageSQL {
		return "sql"
	}
	return "edgeql"
}
