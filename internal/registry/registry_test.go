package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/edgedb/dbview/internal/external"
	"github.com/google/uuid"
)

type stubServer struct {
	onChangeCalls    int
	afterChangeCalls int
}

func (s *stubServer) CompilationConfigSerializerID() string { return "v1" }
func (s *stubServer) OnSystemConfigChange(ctx context.Context, op external.ConfigOp) error {
	s.onChangeCalls++
	return nil
}
func (s *stubServer) AfterSystemConfigChange(ctx context.Context, op external.ConfigOp) error {
	s.afterChangeCalls++
	return nil
}

func TestRegisterAndGetBranch(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)

	b := idx.RegisterDB("main", nil, false, 100)
	if b.Name() != "main" {
		t.Fatalf("expected branch named main")
	}

	got, err := idx.GetBranch("main")
	if err != nil || got != b {
		t.Fatalf("expected to find registered branch, err=%v", err)
	}
}

func TestGetBranchUnknown(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)

	if _, err := idx.GetBranch("nope"); err == nil {
		t.Fatalf("expected unknown database error")
	}
}

func TestUnregisterDBRemovesBranch(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)

	idx.RegisterDB("main", nil, false, 10)
	idx.UnregisterDB("main")
	if _, err := idx.GetBranch("main"); err == nil {
		t.Fatalf("expected branch to be gone after unregister")
	}
}

func TestApplySystemConfigOpCallsServerHooks(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)
	srv := &stubServer{}

	err := idx.ApplySystemConfigOp(context.Background(), srv, external.ConfigOp{
		Scope: external.ConfigScopeInstance, Name: "listen_backlog", Value: "128",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if srv.onChangeCalls != 1 || srv.afterChangeCalls != 1 {
		t.Fatalf("expected both hooks to run once each, got on=%d after=%d", srv.onChangeCalls, srv.afterChangeCalls)
	}
	cfg := idx.SystemConfig()
	if cfg["listen_backlog"] != "128" {
		t.Fatalf("expected system config to be updated, got %v", cfg)
	}
}

type orderRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *orderRecorder) record(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type recordingConn struct{ r *orderRecorder }

func (c *recordingConn) SQLExecute(ctx context.Context, stmt []byte) error {
	c.r.record("persist")
	return nil
}
func (c *recordingConn) SQLDescribe(ctx context.Context, sql string, typeOIDHints []uint32) ([]uint32, []external.ColumnDescribe, error) {
	return nil, nil, nil
}

type recordingTenant struct{ r *orderRecorder }

func (t *recordingTenant) AcquireBackendConn(ctx context.Context, branchName string) (external.BackendConn, func(), error) {
	return &recordingConn{t.r}, func() {}, nil
}
func (t *recordingTenant) EvictQueryCache(ctx context.Context, branchName string, keys []string) error {
	return nil
}
func (t *recordingTenant) SignalSysevent(ctx context.Context, name string, payload map[string]any) error {
	return nil
}
func (t *recordingTenant) IntrospectDB(ctx context.Context, branchName string) error { return nil }
func (t *recordingTenant) IsReadonly() bool                                         { return false }
func (t *recordingTenant) ReadinessReason() string                                  { return "" }
func (t *recordingTenant) ClientID() uuid.UUID                                      { return uuid.New() }
func (t *recordingTenant) InstanceName() string                                     { return "test" }
func (t *recordingTenant) PersistEntries(ctx context.Context, branchName string, entries []external.PersistedEntry) error {
	return nil
}
func (t *recordingTenant) HydrateEntries(ctx context.Context, branchName string) ([]external.PersistedEntry, error) {
	return nil, nil
}

type orderedStubServer struct {
	r *orderRecorder
}

func (s *orderedStubServer) CompilationConfigSerializerID() string { return "v1" }
func (s *orderedStubServer) OnSystemConfigChange(ctx context.Context, op external.ConfigOp) error {
	s.r.record("before")
	return nil
}
func (s *orderedStubServer) AfterSystemConfigChange(ctx context.Context, op external.ConfigOp) error {
	s.r.record("after")
	return nil
}

func TestApplySystemConfigOpPersistsBeforeHooks(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)

	r := &orderRecorder{}
	idx.RegisterDB("__system__", &recordingTenant{r: r}, true, 10)
	srv := &orderedStubServer{r: r}

	err := idx.ApplySystemConfigOp(context.Background(), srv, external.ConfigOp{
		Scope: external.ConfigScopeInstance, Name: "listen_backlog", Value: "128",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := []string{"persist", "before", "after"}
	if len(r.events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, r.events)
	}
	for i, e := range want {
		if r.events[i] != e {
			t.Fatalf("expected events %v, got %v", want, r.events)
		}
	}
}

func TestApplySystemConfigOpRejectsNonInstanceScope(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)
	srv := &stubServer{}

	err := idx.ApplySystemConfigOp(context.Background(), srv, external.ConfigOp{Scope: external.ConfigScopeSession, Name: "x"})
	if err == nil {
		t.Fatalf("expected error for non-instance scope")
	}
}

func TestCompilerArgsCachesComputation(t *testing.T) {
	idx := New("test")
	t.Cleanup(idx.Stop)

	calls := 0
	compute := func() []byte {
		calls++
		return []byte("args")
	}
	idx.CompilerArgs("k", compute)
	idx.CompilerArgs("k", compute)
	if calls != 1 {
		t.Fatalf("expected compute to run once, got %d", calls)
	}

	idx.InvalidateCompilerArgs()
	idx.CompilerArgs("k", compute)
	if calls != 2 {
		t.Fatalf("expected compute to re-run after invalidation, got %d", calls)
	}
}
