package session

import (
	"context"
	"testing"

	"github.com/edgedb/dbview/internal/branch"
	"github.com/edgedb/dbview/internal/dbviewerr"
	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/registry"
	"github.com/edgedb/dbview/internal/units"
	"github.com/google/uuid"
)

type stubCompiler struct {
	calls int
	group units.Group
}

func (c *stubCompiler) Compile(ctx context.Context, branchName string, userSchemaPickle, globalSchemaPickle, reflectionCache []byte,
	dbConfig, sysConfig fingerprint.ConfigSnapshot, req *fingerprint.Request, rawText string, clientID uuid.UUID) (external.CompileResult, error) {
	c.calls++
	return external.CompileResult{Group: c.group}, nil
}

func (c *stubCompiler) CompileInTx(ctx context.Context, branchName string, rootUserSchemaPickle []byte, txID uint64,
	prevStateBlob []byte, prevStateID [16]byte, req *fingerprint.Request, rawText string,
	inTxError bool, clientID uuid.UUID) (external.CompileResult, error) {
	c.calls++
	return external.CompileResult{Group: c.group}, nil
}

func (c *stubCompiler) MakeStateSerializer(ctx context.Context, protocolVersion [2]uint16, userSchemaPickle, globalSchemaPickle []byte) (external.StateSerializer, error) {
	return nil, nil
}

func (c *stubCompiler) SizeHint() int { return 1 }

func newTestView(t *testing.T, compiler *stubCompiler) *View {
	t.Helper()
	b := branch.New(branch.Config{Name: "main", CompiledQueryLRUCap: 10, CompiledSQLLRUCap: 10, InstanceName: "test"})
	t.Cleanup(b.Stop)
	return New(Config{
		Branch:          b,
		Compiler:        compiler,
		ProtocolVersion: [2]uint16{2, 0},
		ClientID:        uuid.New(),
		CapabilityMask:  units.CapModifications | units.CapDDL | units.CapTransaction,
	})
}

func TestParseCachesOnMiss(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "select 1"}}, Cacheable: true}}
	v := newTestView(t, compiler)
	req := fingerprint.New("select 1", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)

	res, err := v.Parse(context.Background(), req, "select 1", ParseOptions{Allowed: units.CapModifications | units.CapDDL | units.CapTransaction, UseMetrics: true})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.FromCache {
		t.Fatalf("expected first parse to miss cache")
	}
	if compiler.calls != 1 {
		t.Fatalf("expected exactly one compile call, got %d", compiler.calls)
	}

	res2, err := v.Parse(context.Background(), req, "select 1", ParseOptions{Allowed: units.CapModifications | units.CapDDL | units.CapTransaction, UseMetrics: true})
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !res2.FromCache {
		t.Fatalf("expected second parse to hit cache")
	}
	if compiler.calls != 1 {
		t.Fatalf("expected no additional compile call, got %d total", compiler.calls)
	}
}

func TestParseRejectsExceedingCapabilityMask(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "drop table x", Capabilities: units.CapDDL}}, Capabilities: units.CapDDL, Cacheable: true}}
	v := newTestView(t, compiler)
	v.capMask = units.CapModifications // no DDL allowed
	req := fingerprint.New("drop table x", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)

	_, err := v.Parse(context.Background(), req, "drop table x", ParseOptions{Allowed: units.CapModifications | units.CapDDL, UseMetrics: true})
	if _, ok := err.(*dbviewerr.UnsupportedCapabilityError); !ok {
		t.Fatalf("expected UnsupportedCapabilityError, got %v", err)
	}
}

func TestParseRefusesWhenInTxError(t *testing.T) {
	compiler := &stubCompiler{}
	v := newTestView(t, compiler)
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	v.OnError(&units.Group{Units: []units.Unit{{SQL: "broken"}}}, nil)
	if v.TxState() != InTxError {
		t.Fatalf("expected InTxError state")
	}

	req := fingerprint.New("select 1", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)
	_, err := v.Parse(context.Background(), req, "select 1", ParseOptions{Allowed: units.CapModifications, UseMetrics: true})
	if err == nil || err.Error() != dbviewerr.ErrAborted().Error() {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestParseAllowsRollbackWhileInTxError(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "rollback", TxRollback: true}}, Cacheable: false}}
	v := newTestView(t, compiler)
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	v.OnError(&units.Group{Units: []units.Unit{{SQL: "broken"}}}, nil)
	if v.TxState() != InTxError {
		t.Fatalf("expected InTxError state")
	}

	req := fingerprint.New("rollback", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)
	res, err := v.Parse(context.Background(), req, "rollback", ParseOptions{Allowed: units.CapTransaction, UseMetrics: true})
	if err != nil {
		t.Fatalf("expected a rollback-only group to be allowed while InTxError, got %v", err)
	}
	if res.Group == nil || !res.Group.IsRollbackOnly() {
		t.Fatalf("expected the rollback-only group back, got %+v", res.Group)
	}
}

func TestOnSuccessCommitEndsTx(t *testing.T) {
	compiler := &stubCompiler{}
	v := newTestView(t, compiler)
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	v.OnSuccess(&units.Group{Units: []units.Unit{{TxCommit: true}}})
	if v.TxState() != NotInTx {
		t.Fatalf("expected NotInTx after commit, got %s", v.TxState())
	}
	if _, active := v.ActiveTxSeq(); active {
		t.Fatalf("expected tx sequence to be released after commit")
	}
}

type readonlyTenant struct{}

func (readonlyTenant) AcquireBackendConn(ctx context.Context, branchName string) (external.BackendConn, func(), error) {
	return nil, func() {}, nil
}
func (readonlyTenant) EvictQueryCache(ctx context.Context, branchName string, keys []string) error { return nil }
func (readonlyTenant) SignalSysevent(ctx context.Context, name string, payload map[string]any) error {
	return nil
}
func (readonlyTenant) IntrospectDB(ctx context.Context, branchName string) error { return nil }
func (readonlyTenant) IsReadonly() bool                                         { return true }
func (readonlyTenant) ReadinessReason() string                                  { return "read-only replica" }
func (readonlyTenant) ClientID() uuid.UUID                                      { return uuid.New() }
func (readonlyTenant) InstanceName() string                                     { return "test" }
func (readonlyTenant) PersistEntries(ctx context.Context, branchName string, entries []external.PersistedEntry) error {
	return nil
}
func (readonlyTenant) HydrateEntries(ctx context.Context, branchName string) ([]external.PersistedEntry, error) {
	return nil, nil
}

func TestCheckCapabilitiesRejectsWritesOnReadonlyTenant(t *testing.T) {
	compiler := &stubCompiler{}
	v := newTestView(t, compiler)
	v.tenant = readonlyTenant{}

	g := &units.Group{Units: []units.Unit{{SQL: "insert into x values (1)", Capabilities: units.CapModifications}}, Capabilities: units.CapModifications}
	err := v.CheckCapabilities(g, units.CapModifications)
	if _, ok := err.(*dbviewerr.DisabledCapabilityError); !ok {
		t.Fatalf("expected DisabledCapabilityError, got %v", err)
	}
}

func TestOnErrorAllowsRollbackOnlyWhileInTxError(t *testing.T) {
	compiler := &stubCompiler{}
	v := newTestView(t, compiler)
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	v.OnError(&units.Group{Units: []units.Unit{{SQL: "broken"}}}, nil)

	rollback := &units.Group{Units: []units.Unit{{TxRollback: true}}}
	v.OnError(rollback, nil)
	if v.TxState() != InTxError {
		t.Fatalf("a rollback-only group's error should not change state")
	}
}

var allCaps = units.CapModifications | units.CapDDL | units.CapTransaction

func TestParseSkipsBranchCacheInTxWithDDL(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "select 1"}}, Cacheable: true}}
	v := newTestView(t, compiler)
	req := fingerprint.New("select 1", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)
	opts := ParseOptions{Allowed: allCaps, UseMetrics: true}

	if _, err := v.Parse(context.Background(), req, "select 1", opts); err != nil {
		t.Fatalf("initial parse: %v", err)
	}
	if compiler.calls != 1 {
		t.Fatalf("expected 1 compile call, got %d", compiler.calls)
	}

	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	v.OnSuccess(&units.Group{Units: []units.Unit{{SQL: "alter type Foo", HasDDL: true}}})
	if !v.inTxWithDDL {
		t.Fatalf("expected in_tx_with_ddl after a DDL unit inside a transaction")
	}

	if _, err := v.Parse(context.Background(), req, "select 1", opts); err != nil {
		t.Fatalf("parse during in-tx-ddl: %v", err)
	}
	if compiler.calls != 2 {
		t.Fatalf("expected branch cache to be bypassed (another compile call), got %d", compiler.calls)
	}

	v.OnSuccess(&units.Group{Units: []units.Unit{{TxCommit: true}}})
	if v.inTxWithDDL {
		t.Fatalf("expected in_tx_with_ddl cleared after commit")
	}

	res, err := v.Parse(context.Background(), req, "select 1", opts)
	if err != nil {
		t.Fatalf("parse after commit: %v", err)
	}
	if !res.FromCache {
		t.Fatalf("expected the branch cache to be consulted again after commit")
	}
	if compiler.calls != 2 {
		t.Fatalf("expected no additional compile call after commit, got %d total", compiler.calls)
	}
}

func TestParseCachedGloballyUsesSharedSystemCache(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "select 1"}}, Cacheable: true}}
	idx := registry.New("test")
	t.Cleanup(idx.Stop)

	b1 := branch.New(branch.Config{Name: "main", CompiledQueryLRUCap: 10, CompiledSQLLRUCap: 10, InstanceName: "test"})
	t.Cleanup(b1.Stop)
	v1 := New(Config{
		Branch: b1, Compiler: compiler, SystemCache: idx,
		ProtocolVersion: [2]uint16{2, 0}, ClientID: uuid.New(), CapabilityMask: allCaps,
	})

	opts := ParseOptions{Allowed: allCaps, CachedGlobally: true, UseMetrics: true}
	req1 := fingerprint.New("select 1", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)
	if _, err := v1.Parse(context.Background(), req1, "select 1", opts); err != nil {
		t.Fatalf("first branch parse: %v", err)
	}
	if compiler.calls != 1 {
		t.Fatalf("expected 1 compile call, got %d", compiler.calls)
	}

	// A distinct branch with its own View, sharing the same SystemCache,
	// should hit the same server-wide entry instead of recompiling: the
	// global cache is not scoped to any one branch (spec §9 "no cross-branch
	// sharing of compiled groups" explicitly excludes the branch-local LRU,
	// not this separate system-wide cache).
	b2 := branch.New(branch.Config{Name: "other", CompiledQueryLRUCap: 10, CompiledSQLLRUCap: 10, InstanceName: "test"})
	t.Cleanup(b2.Stop)
	v2 := New(Config{
		Branch: b2, Compiler: compiler, SystemCache: idx,
		ProtocolVersion: [2]uint16{2, 0}, ClientID: uuid.New(), CapabilityMask: allCaps,
	})
	req2 := fingerprint.New("select 1", fingerprint.LanguageEdgeQL, fingerprint.OutputBinary)
	res, err := v2.Parse(context.Background(), req2, "select 1", opts)
	if err != nil {
		t.Fatalf("second branch parse: %v", err)
	}
	if !res.FromCache {
		t.Fatalf("expected the second branch to hit the shared system cache")
	}
	if compiler.calls != 1 {
		t.Fatalf("expected no additional compile call, got %d total", compiler.calls)
	}
}

type stubBackendConn struct {
	paramOIDs []uint32
	columns   []external.ColumnDescribe
	err       error
}

func (c *stubBackendConn) SQLExecute(ctx context.Context, stmt []byte) error { return nil }

func (c *stubBackendConn) SQLDescribe(ctx context.Context, sql string, typeOIDHints []uint32) ([]uint32, []external.ColumnDescribe, error) {
	return c.paramOIDs, c.columns, c.err
}

func TestParseSQLDescribeSplicesTypeIDs(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "select $1"}}, Cacheable: true}}
	b := branch.New(branch.Config{Name: "main", CompiledQueryLRUCap: 10, CompiledSQLLRUCap: 10, InstanceName: "test"})
	t.Cleanup(b.Stop)
	textID := [16]byte{1}
	b.SetAndSignalNewUserSchema(branch.NewSchemaInput{SchemaVersion: b.SchemaVersion(), BackendIDs: map[uint32][16]byte{23: textID}})

	v := New(Config{Branch: b, Compiler: compiler, ProtocolVersion: [2]uint16{2, 0}, ClientID: uuid.New(), CapabilityMask: allCaps})
	conn := &stubBackendConn{paramOIDs: []uint32{23}, columns: []external.ColumnDescribe{{Name: "x", TypeOID: 23}}}

	req := fingerprint.New("select $1", fingerprint.LanguageSQL, fingerprint.OutputBinary)
	res, err := v.Parse(context.Background(), req, "select $1", ParseOptions{Allowed: allCaps, UseMetrics: true, BackendConn: conn})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	u := res.Group.FirstUnit()
	if len(u.ParamLayout) != 1 || u.ParamLayout[0].TypeID != textID {
		t.Fatalf("expected param type id spliced in, got %+v", u.ParamLayout)
	}
	if len(u.OutColumns) != 1 || u.OutColumns[0].Name != "x" || u.OutColumns[0].TypeID != textID {
		t.Fatalf("expected out column type id spliced in, got %+v", u.OutColumns)
	}
}

func TestParseSQLDescribeRejectsUnknownOID(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "select $1"}}, Cacheable: true}}
	v := newTestView(t, compiler)
	conn := &stubBackendConn{paramOIDs: []uint32{999}}

	req := fingerprint.New("select $1", fingerprint.LanguageSQL, fingerprint.OutputBinary)
	_, err := v.Parse(context.Background(), req, "select $1", ParseOptions{Allowed: allCaps, UseMetrics: true, BackendConn: conn})
	if _, ok := err.(*dbviewerr.UnsupportedFeatureError); !ok {
		t.Fatalf("expected UnsupportedFeatureError for unknown oid, got %v", err)
	}
}

func TestParseSQLRejectsMultiStatementGroups(t *testing.T) {
	compiler := &stubCompiler{group: units.Group{Units: []units.Unit{{SQL: "select 1"}, {SQL: "select 2"}}, Cacheable: false}}
	v := newTestView(t, compiler)
	conn := &stubBackendConn{}

	req := fingerprint.New("select 1; select 2", fingerprint.LanguageSQL, fingerprint.OutputBinary)
	_, err := v.Parse(context.Background(), req, "select 1; select 2", ParseOptions{Allowed: allCaps, UseMetrics: true, BackendConn: conn})
	if _, ok := err.(*dbviewerr.UnsupportedFeatureError); !ok {
		t.Fatalf("expected UnsupportedFeatureError for a multi-statement group, got %v", err)
	}
}
