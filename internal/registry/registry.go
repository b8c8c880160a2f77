// Package registry implements BranchIndex, the process-wide registry of
// branches, the global schema, system config, and the compiler-args cache.
//
// What: a single top-level owner that every Branch and SessionView is
// reached through.
// How: a read-write mutex guards the branch map, matching the design's
// internal/storage/catalog.go registry, which also guards its table/schema
// map with a single RWMutex rather than sharding it.
// Why: branch registration/unregistration is rare compared to per-query
// lookups, so a read-heavy RWMutex fits better than a command loop here,
// unlike Branch itself which sees much more write traffic.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgedb/dbview/internal/branch"
	"github.com/edgedb/dbview/internal/dbviewerr"
	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/lru"
	"github.com/edgedb/dbview/internal/metrics"
	"github.com/edgedb/dbview/internal/units"
)

// systemLock is the global-cache mirror of branch's per-fingerprint compile
// lock (spec §5 "Global system compile cache has its own lock table
// mirroring the per-branch one").
type systemLock struct {
	mu    sync.Mutex
	count int
}

// Lock is the opaque handle Acquire/ReleaseSystemCompileLock exchange.
type Lock = systemLock

type systemLockTable struct {
	mu    sync.Mutex
	locks map[uint64]*systemLock
}

func newSystemLockTable() *systemLockTable {
	return &systemLockTable{locks: map[uint64]*systemLock{}}
}

func (t *systemLockTable) acquire(fp uint64) *systemLock {
	t.mu.Lock()
	l, ok := t.locks[fp]
	if !ok {
		l = &systemLock{}
		t.locks[fp] = l
	}
	l.count++
	t.mu.Unlock()

	l.mu.Lock()
	return l
}

func (t *systemLockTable) release(fp uint64, l *systemLock) {
	l.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	l.count--
	if l.count <= 0 {
		if cur, ok := t.locks[fp]; ok && cur == l {
			delete(t.locks, fp)
		}
	}
}

// BranchIndex is the top-level registry every Branch and SessionView is
// reached through.
type BranchIndex struct {
	mu sync.RWMutex

	instanceName string
	branches     map[string]*branch.Branch

	globalSchema []byte
	systemConfig fingerprint.ConfigSnapshot

	compilerArgsCache map[string][]byte

	// systemCache and systemLocks are the server-wide compile cache and
	// lock table for "globally cached" requests known to reference only
	// stable/shared objects (spec §4.4 parse step 1, §5), shared across
	// every branch rather than scoped to one.
	systemCache  *lru.Map[uint64, *units.Group]
	systemLocks  *systemLockTable

	maintenance *branch.Maintenance
}

// New constructs an empty BranchIndex and starts its maintenance scheduler.
func New(instanceName string) *BranchIndex {
	idx := &BranchIndex{
		instanceName:      instanceName,
		branches:          map[string]*branch.Branch{},
		systemConfig:      fingerprint.ConfigSnapshot{},
		compilerArgsCache: map[string][]byte{},
		systemCache:       lru.New[uint64, *units.Group](10000),
		systemLocks:       newSystemLockTable(),
	}
	idx.maintenance = branch.NewMaintenance(instanceName, idx.listBranches)
	idx.maintenance.Start()
	return idx
}

// Stop halts the maintenance scheduler and every registered branch's
// background workers.
func (idx *BranchIndex) Stop() {
	idx.maintenance.Stop()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, b := range idx.branches {
		b.Stop()
	}
}

func (idx *BranchIndex) listBranches() []*branch.Branch {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*branch.Branch, 0, len(idx.branches))
	for _, b := range idx.branches {
		out = append(out, b)
	}
	return out
}

// RegisterDB creates and registers a new Branch named name. Registering a name that already exists replaces the prior
// branch, stopping its background workers first.
func (idx *BranchIndex) RegisterDB(name string, tenant external.Tenant, isSystem bool, cacheCap int) *branch.Branch {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.branches[name]; ok {
		existing.Stop()
	}
	b := branch.New(branch.Config{
		Name:                name,
		CompiledQueryLRUCap: cacheCap,
		CompiledSQLLRUCap:   cacheCap,
		Tenant:              tenant,
		InstanceName:        idx.instanceName,
		IsSystemBranch:      isSystem,
	})
	idx.branches[name] = b
	idx.reportBranchCountLocked()
	return b
}

// UnregisterDB stops and removes a branch. It is a no-op if the branch is
// not registered.
func (idx *BranchIndex) UnregisterDB(name string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b, ok := idx.branches[name]
	if !ok {
		return
	}
	b.Stop()
	delete(idx.branches, name)
	idx.reportBranchCountLocked()
}

// GetBranch looks up a registered branch by name.
func (idx *BranchIndex) GetBranch(name string) (*branch.Branch, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.branches[name]
	if !ok {
		return nil, &dbviewerr.UnknownDatabaseError{Name: name}
	}
	return b, nil
}

// BranchNames returns every registered branch name.
func (idx *BranchIndex) BranchNames() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.branches))
	for name := range idx.branches {
		out = append(out, name)
	}
	return out
}

// GlobalSchema returns the current global (cross-branch) schema pickle.
func (idx *BranchIndex) GlobalSchema() []byte {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.globalSchema
}

// UpdateGlobalSchema replaces the global schema pickle. Because the global schema affects every branch's
// compiled queries, every registered branch's caches are invalidated by
// re-applying its current user schema and schema version through
// SetAndSignalNewUserSchema, which also advances that branch's version
// counter.
func (idx *BranchIndex) UpdateGlobalSchema(pickle []byte) {
	idx.mu.Lock()
	idx.globalSchema = pickle
	branches := make([]*branch.Branch, 0, len(idx.branches))
	for _, b := range idx.branches {
		branches = append(branches, b)
	}
	idx.mu.Unlock()

	for _, b := range branches {
		// The returned recompile candidates are intentionally discarded here:
		// BranchIndex has no live SessionView (and therefore no compiler) for
		// any branch, only Branch state, so there is nothing at this layer to
		// drive an opportunistic recompile sweep with. A Server-level caller
		// that does hold a View for the branch can call
		// session.View.RecompileCachedQueries itself using the same return
		// value from a direct SetAndSignalNewUserSchema call.
		b.SetAndSignalNewUserSchema(branch.NewSchemaInput{
			Pickle:        b.UserSchema(),
			SchemaVersion: b.SchemaVersion(),
		})
	}
}

// ApplySystemConfigOp folds a single system-scope config operation into the
// process-wide config snapshot and notifies srv's hooks (spec §4.5: persist
// the system overrides to the system branch's backend metadata via a DDL
// block, then call the server's op-specific before/after hooks — the
// persist happens first because the hooks themselves may drop the backend
// connection this op still needs).
func (idx *BranchIndex) ApplySystemConfigOp(ctx context.Context, srv external.Server, op external.ConfigOp) error {
	if op.Scope != external.ConfigScopeInstance {
		return &dbviewerr.UnsupportedFeatureError{Feature: "apply_system_config_op", Detail: fmt.Sprintf("unexpected scope %d", op.Scope)}
	}

	if err := idx.persistSystemConfigOp(ctx, op); err != nil {
		return err
	}

	idx.mu.Lock()
	if op.Reset {
		delete(idx.systemConfig, op.Name)
	} else {
		idx.systemConfig[op.Name] = op.Value
	}
	idx.compilerArgsCache = map[string][]byte{}
	idx.mu.Unlock()

	if err := srv.OnSystemConfigChange(ctx, op); err != nil {
		return err
	}

	return srv.AfterSystemConfigChange(ctx, op)
}

// persistSystemConfigOp writes op to the system branch's backend metadata
// via a DDL block, the durable record of instance-scope config overrides
// that a restart (or another instance) rehydrates from. A process with no
// registered system branch (e.g. most tests) has nothing to persist to and
// is left a no-op, matching the in-memory-only deployments the pack's
// reference tenant implements.
func (idx *BranchIndex) persistSystemConfigOp(ctx context.Context, op external.ConfigOp) error {
	sys, ok := idx.systemBranch()
	if !ok {
		return nil
	}
	tenant := sys.Tenant()
	if tenant == nil {
		return nil
	}
	conn, release, err := tenant.AcquireBackendConn(ctx, sys.Name())
	if err != nil {
		return err
	}
	defer release()

	var stmt string
	if op.Reset {
		stmt = fmt.Sprintf("CONFIGURE INSTANCE RESET %s;", op.Name)
	} else {
		stmt = fmt.Sprintf("CONFIGURE INSTANCE SET %s := %q;", op.Name, op.Value)
	}
	return conn.SQLExecute(ctx, []byte(stmt))
}

// systemBranch returns the registered branch flagged IsSystemBranch, if any.
func (idx *BranchIndex) systemBranch() (*branch.Branch, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, b := range idx.branches {
		if b.IsSystemBranch() {
			return b, true
		}
	}
	return nil, false
}

// SystemConfig returns a snapshot of the process-wide system config.
func (idx *BranchIndex) SystemConfig() fingerprint.ConfigSnapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(fingerprint.ConfigSnapshot, len(idx.systemConfig))
	for k, v := range idx.systemConfig {
		out[k] = v
	}
	return out
}

// CompilerArgs returns the cached compiler argument blob for key, computing
// and storing it via compute on a miss: compiler startup arguments derived
// from system config, expensive enough to be worth memoizing per config
// generation.
func (idx *BranchIndex) CompilerArgs(key string, compute func() []byte) []byte {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if cached, ok := idx.compilerArgsCache[key]; ok {
		return cached
	}
	args := compute()
	idx.compilerArgsCache[key] = args
	return args
}

// InvalidateCompilerArgs drops every cached compiler-args entry, called
// after a system config change that could change compiler startup flags.
func (idx *BranchIndex) InvalidateCompilerArgs() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.compilerArgsCache = map[string][]byte{}
}

// LookupSystemCompiled looks up a globally-cached query group by
// fingerprint, promoting it on hit.
func (idx *BranchIndex) LookupSystemCompiled(fp uint64) (*units.Group, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.systemCache.Get(fp)
}

// InsertSystemCompiled inserts g into the server-wide system compile cache
// under fp, a no-op if already present (mirroring Branch.InsertCompiled's
// insertion protocol).
func (idx *BranchIndex) InsertSystemCompiled(fp uint64, g *units.Group) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.systemCache.Peek(fp); ok {
		return
	}
	idx.systemCache.Put(fp, g)
	// No dedicated background worker owns the system cache the way a
	// Branch's worker owns its own LRUs, so overflow is drained inline
	// here instead (spec §4.1: "a background caller invoking cleanup_one
	// in a loop" — this is that caller, just synchronous).
	for idx.systemCache.NeedsCleanup() {
		if _, g, ok := idx.systemCache.CleanupOne(); ok {
			g.CacheState = units.Evicted
		}
	}
}

// AcquireSystemCompileLock returns the per-fingerprint lock from the
// global lock table, creating it if necessary.
func (idx *BranchIndex) AcquireSystemCompileLock(fp uint64) *Lock {
	return idx.systemLocks.acquire(fp)
}

// ReleaseSystemCompileLock releases l, deleting the table entry if no one
// is waiting.
func (idx *BranchIndex) ReleaseSystemCompileLock(fp uint64, l *Lock) {
	idx.systemLocks.release(fp, l)
}

// reportBranchCountLocked keeps current_branches in sync immediately after
// a register/unregister call, rather than waiting for the next maintenance
// tick. Callers must already hold idx.mu.
func (idx *BranchIndex) reportBranchCountLocked() {
	count := 0
	for _, b := range idx.branches {
		if !b.IsSystemBranch() {
			count++
		}
	}
	metrics.CurrentBranches.WithLabelValues(idx.instanceName).Set(float64(count))
}
