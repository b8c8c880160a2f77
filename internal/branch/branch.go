// Package branch implements Branch: a named, isolated schema
// within the server, owning the compiled-query LRU, the compiled-SQL LRU,
// per-fingerprint compile locks, the background persistence worker and
// notifier, the live SessionView registry, and the in-flight transaction
// sequence.
//
// What: Branch is the busiest component here, since it is where caching,
// persistence, and transaction sequencing all meet.
// How: a single mutex guards every field; the persistence worker and
// notifier run on their own goroutines, and the worker takes the same lock
// for its brief bookkeeping steps, modeled on the design's
// internal/storage/concurrency.go worker-pool pattern of one shared owner
// at a time rather than lock-free structures.
// Why: the invariants that matter here (monotonic version, cache-state
// transitions, strictly-increasing tx_seq) only hold if nothing races with
// them.
package branch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/lru"
	"github.com/edgedb/dbview/internal/metrics"
	"github.com/edgedb/dbview/internal/units"
	"github.com/google/uuid"
)

// Capabilities is the capability mask a SessionView on this branch is
// limited to. The system branch's mask excludes DDL and MODIFICATIONS
// since schema-carrying branches never accept direct data writes.
type Capabilities = uint32

// View is the minimal surface Branch needs from a SessionView to track it
// weakly for shutdown/metrics enumeration. Branch never calls back
// into a View except to enumerate it.
type View interface {
	// ActiveTxSeq reports the view's open transaction sequence, if any, used
	// by RemoveView to release that sequence when the view is detached.
	ActiveTxSeq() (seq uint64, active bool)
}

// Config bundles a Branch's fixed configuration.
type Config struct {
	Name               string
	CompiledQueryLRUCap int
	CompiledSQLLRUCap   int
	Tenant             external.Tenant
	InstanceName       string
	IsSystemBranch     bool
}

// Branch is the per-branch cache and transaction-sequencing owner.
type Branch struct {
	name         string
	instanceName string
	isSystem     bool
	tenant       external.Tenant

	mu sync.Mutex // guards everything below; the persistence worker takes it too

	version        uint64
	schemaVersion  uuid.UUID
	userSchema     []byte
	dbConfig       fingerprint.ConfigSnapshot
	reflectionCache []byte
	extensions     map[string]struct{}

	compiledQueries *lru.Map[uint64, *units.Group]
	compiledSQL     *lru.Map[string, compiledSQLEntry]

	// backendOIDToID and idToBackendOID are the type-id<->backend-oid maps
	// spec §3 lists on Branch, used by the SQL-input sql_describe splice
	// step (spec §4.4 step 5) to resolve a backend-reported OID to the
	// type-id a unit's descriptors carry.
	backendOIDToID map[uint32][16]byte
	idToBackendOID map[[16]byte]uint32

	// cachedOrigins retains the CompilationRequest/raw text a cached group
	// was compiled from, keyed by fingerprint, solely so a schema change can
	// offer still-live entries up for opportunistic background recompile
	// (spec §4.4 "Opportunistic background recompile"). Trimmed in lockstep
	// with compiledQueries on both eviction and schema invalidation.
	cachedOrigins map[uint64]cachedOrigin

	locks *lockTable

	pendingFuncCache map[uint64]*units.Group
	// pendingOrder preserves insertion order of pendingFuncCache keys so
	// promotion can proceed oldest-first, matching the spec's
	// tx_seq_end_tx rule of promoting in insertion order.
	pendingOrder []uint64

	txSeq       uint64
	activeTxSeq map[uint64]struct{}

	persistQueue []persistJob
	notifyQueue  []string

	stateSerializers map[[2]uint16]external.StateSerializer

	views map[View]struct{}

	worker   *persistenceWorker
	notifier *notifier

	closed bool
}

type compiledSQLEntry struct {
	Units         []units.Unit
	SchemaVersion uuid.UUID
}

type cachedOrigin struct {
	req     *fingerprint.Request
	rawText string
}

// RecompileCandidate is one still-live cache entry offered up for
// opportunistic background recompilation after a schema change, carrying
// everything a compiler call needs to reproduce it against the new schema.
type RecompileCandidate struct {
	Fingerprint uint64
	Request     *fingerprint.Request
	RawText     string
}

type persistJob struct {
	fp      uint64
	group   *units.Group
	reqData []byte // serialized CompilationRequest, the persisted entry's in_data
}

// New constructs a Branch and starts its background workers.
func New(cfg Config) *Branch {
	if cfg.CompiledQueryLRUCap <= 0 {
		cfg.CompiledQueryLRUCap = 1000
	}
	if cfg.CompiledSQLLRUCap <= 0 {
		cfg.CompiledSQLLRUCap = 1000
	}
	b := &Branch{
		name:             cfg.Name,
		instanceName:     cfg.InstanceName,
		isSystem:         cfg.IsSystemBranch,
		tenant:           cfg.Tenant,
		schemaVersion:    uuid.New(),
		extensions:       map[string]struct{}{},
		compiledQueries:  lru.New[uint64, *units.Group](cfg.CompiledQueryLRUCap),
		compiledSQL:      lru.New[string, compiledSQLEntry](cfg.CompiledSQLLRUCap),
		backendOIDToID:   map[uint32][16]byte{},
		idToBackendOID:   map[[16]byte]uint32{},
		cachedOrigins:    map[uint64]cachedOrigin{},
		locks:            newLockTable(),
		pendingFuncCache: map[uint64]*units.Group{},
		activeTxSeq:      map[uint64]struct{}{},
		stateSerializers: map[[2]uint16]external.StateSerializer{},
		views:            map[View]struct{}{},
	}
	b.worker = newPersistenceWorker(b)
	b.notifier = newNotifier(b)
	b.worker.start()
	b.notifier.start()
	return b
}

// Name returns the branch's name.
func (b *Branch) Name() string { return b.name }

// InstanceName returns the owning server instance's name, used for metric
// labels.
func (b *Branch) InstanceName() string { return b.instanceName }

// IsSystemBranch reports whether this is the read-only system branch.
func (b *Branch) IsSystemBranch() bool { return b.isSystem }

// Tenant returns this branch's external collaborator, used by the registry
// to acquire a backend connection for persisting system-scope config
// overrides to the system branch's backend metadata.
func (b *Branch) Tenant() external.Tenant { return b.tenant }

// Version returns the current monotonic schema-change version.
func (b *Branch) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// SchemaVersion returns the opaque schema version UUID.
func (b *Branch) SchemaVersion() uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.schemaVersion
}

// UserSchema returns the current pickled user schema.
func (b *Branch) UserSchema() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userSchema
}

// DatabaseConfig returns a snapshot of the branch's database-level config.
func (b *Branch) DatabaseConfig() fingerprint.ConfigSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(fingerprint.ConfigSnapshot, len(b.dbConfig))
	for k, v := range b.dbConfig {
		out[k] = v
	}
	return out
}

// ApplyDatabaseConfigOp folds a single DATABASE-scope config operation into
// the branch's own db config (spec §4.4 "Config operations": "DATABASE ->
// fold into the current db config"), invalidating any compiler-args cache
// entries that may have been computed from the old value would be the
// caller's concern at the registry layer, same as a system config change.
func (b *Branch) ApplyDatabaseConfigOp(name, value string, reset bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dbConfig == nil {
		b.dbConfig = fingerprint.ConfigSnapshot{}
	}
	if reset {
		delete(b.dbConfig, name)
		return
	}
	b.dbConfig[name] = value
}

// BackendOIDToID resolves a backend type OID to the type-id a unit's
// descriptors should carry, used by the SQL-describe splice step. Reports
// false for an OID the branch has no mapping for.
func (b *Branch) BackendOIDToID(oid uint32) ([16]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.backendOIDToID[oid]
	return id, ok
}

// AddView registers a live SessionView for shutdown/metrics enumeration
// only; ownership runs View->Branch.
func (b *Branch) AddView(v View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views[v] = struct{}{}
}

// RemoveView detaches v. If it still held an active tx sequence, that
// sequence is released from the active set so a dropped session never
// pins pending function-cache entries forever.
func (b *Branch) RemoveView(v View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.views, v)
	if seq, active := v.ActiveTxSeq(); active {
		b.endTxLocked(seq)
	}
}

// LiveViewCount reports the number of tracked views, used for shutdown
// diagnostics.
func (b *Branch) LiveViewCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.views)
}

// CacheCompiledSQL stores a frontend-supplied SQL plan under key, tagging it
// with the schema version active at insertion time.
func (b *Branch) CacheCompiledSQL(key string, u []units.Unit, schemaVersion uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compiledSQL.Put(key, compiledSQLEntry{Units: u, SchemaVersion: schemaVersion})
}

// LookupCompiledSQL returns the cached plan for key. A stored entry whose
// schema_version no longer matches the current one is treated as a miss
// even though it is present.
func (b *Branch) LookupCompiledSQL(key string) ([]units.Unit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.compiledSQL.Get(key)
	if !ok {
		return nil, false
	}
	if entry.SchemaVersion != b.schemaVersion {
		return nil, false
	}
	return entry.Units, true
}

// LookupCompiled looks up a compiled query group by fingerprint, promoting
// it on hit.
func (b *Branch) LookupCompiled(fp uint64) (*units.Group, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compiledQueries.Get(fp)
}

// InsertCompiled is the cache insertion protocol: if the
// fingerprint is already present, this is a no-op; otherwise insert and
// enqueue a persistence job. Callers must hold the fingerprint's compile
// lock. req is the CompilationRequest the group was compiled from; its
// serialized form becomes the persisted entry's in_data, and req/rawText
// are retained so a later schema change can offer this entry up for
// opportunistic recompilation. A nil req (or one that fails to serialize)
// still caches the group in-process but is not queued for persistence,
// since a hydrate_cache round trip needs in_data to reconstruct the
// fingerprint.
func (b *Branch) InsertCompiled(fp uint64, g *units.Group, req *fingerprint.Request, rawText string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.compiledQueries.Peek(fp); ok {
		return
	}
	b.compiledQueries.Put(fp, g)
	if req != nil {
		b.cachedOrigins[fp] = cachedOrigin{req: req, rawText: rawText}
	}
	var reqData []byte
	if req != nil {
		if data, err := req.Serialize(); err == nil {
			reqData = data
		}
	}
	if reqData != nil {
		b.persistQueue = append(b.persistQueue, persistJob{fp: fp, group: g, reqData: reqData})
		b.worker.wake()
	}
}

// AcquireCompileLock returns the per-fingerprint lock, creating it if
// necessary.
func (b *Branch) AcquireCompileLock(fp uint64) *fpLock {
	return b.locks.acquire(fp)
}

// ReleaseCompileLock releases l, deleting the table entry if no one is
// waiting.
func (b *Branch) ReleaseCompileLock(fp uint64, l *fpLock) {
	b.locks.release(fp, l)
}

// evictOverflowLocked runs the compiled-query LRU eviction step from the
// persistence worker's tick 1: pop while overflowing, collect
// single-unit Present entries' cache keys for backend eviction, and tag
// everything popped as Evicted.
func (b *Branch) evictOverflowLocked() []string {
	var evictedKeys []string
	b.compiledQueries.Cleanup(func(fp uint64, g *units.Group) {
		if g.IsSingleUnitPresent() {
			evictedKeys = append(evictedKeys, fmt.Sprintf("%016x", fp))
		}
		g.CacheState = units.Evicted
		delete(b.cachedOrigins, fp)
	})
	return evictedKeys
}

// drainPersistQueueLocked removes and returns every queued persistence job,
// filtered to single-unit groups with a function-cache SQL variant that are
// still Pending.
func (b *Branch) drainPersistQueueLocked() []persistJob {
	jobs := b.persistQueue
	b.persistQueue = nil
	filtered := jobs[:0]
	for _, j := range jobs {
		if len(j.group.Units) == 1 && j.group.Units[0].FunctionCacheSQL != "" && j.group.CacheState == units.Pending {
			filtered = append(filtered, j)
		}
	}
	return filtered
}

// GetStateSerializer returns the serializer installed for protocolVersion.
func (b *Branch) GetStateSerializer(protocolVersion [2]uint16) (external.StateSerializer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stateSerializers[protocolVersion]
	return s, ok
}

// SetStateSerializer installs ser for protocolVersion. If an existing
// serializer has the same TypeID, the old instance is kept so downstream
// pointer-equality caching still works. Installing any
// serializer drops serializers for other protocol versions to bound memory.
func (b *Branch) SetStateSerializer(protocolVersion [2]uint16, ser external.StateSerializer) external.StateSerializer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.stateSerializers[protocolVersion]; ok && existing.TypeID() == ser.TypeID() {
		b.stateSerializers = map[[2]uint16]external.StateSerializer{protocolVersion: existing}
		return existing
	}
	b.stateSerializers = map[[2]uint16]external.StateSerializer{protocolVersion: ser}
	return ser
}

// NewSchemaInput bundles set_and_signal_new_user_schema's arguments (spec
// §4.3).
type NewSchemaInput struct {
	Pickle            []byte
	SchemaVersion     uuid.UUID
	Extensions        []string
	ExtConfigSettings map[string]string
	FeatureUsedDeltas map[string]int
	ReflectionCache   []byte
	DatabaseConfig    fingerprint.ConfigSnapshot
	// BackendIDs refreshes the type-id<->backend-oid maps (spec §3); nil
	// leaves the existing mapping untouched.
	BackendIDs map[uint32][16]byte
}

// SetAndSignalNewUserSchema atomically swaps the schema, bumps version,
// updates extension/feature metrics, and invalidates both LRUs (spec
// §4.3). It does not itself start/stop extension drivers — that is the
// caller's concern via Server hooks, outside this core's scope. It returns
// every still-live compiled-query entry that had a retained origin, most-
// recently-used first, for the caller to feed into an opportunistic
// background recompile sweep against the new schema (spec §4.4 step 7) —
// the entries themselves are being discarded from this branch's cache right
// now, so this is the only chance to recompile them cheaply instead of
// waiting for the next cache miss.
func (b *Branch) SetAndSignalNewUserSchema(in NewSchemaInput) []RecompileCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []RecompileCandidate
	b.compiledQueries.MostRecentFirst(func(fp uint64, _ *units.Group) bool {
		if o, ok := b.cachedOrigins[fp]; ok {
			candidates = append(candidates, RecompileCandidate{Fingerprint: fp, Request: o.req, RawText: o.rawText})
		}
		return true
	})

	oldExtensions := b.extensions
	newExtensions := map[string]struct{}{}
	for _, e := range in.Extensions {
		newExtensions[e] = struct{}{}
	}
	for e := range newExtensions {
		if _, existed := oldExtensions[e]; !existed {
			metrics.ExtensionUsed.WithLabelValues(b.instanceName, e).Inc()
		}
	}
	for e := range oldExtensions {
		if _, still := newExtensions[e]; !still {
			metrics.ExtensionUsed.WithLabelValues(b.instanceName, e).Dec()
		}
	}
	for feature, delta := range in.FeatureUsedDeltas {
		metrics.FeatureUsed.WithLabelValues(b.instanceName, feature).Add(float64(delta))
	}

	b.userSchema = in.Pickle
	b.schemaVersion = in.SchemaVersion
	b.version++
	b.extensions = newExtensions
	if in.ReflectionCache != nil {
		b.reflectionCache = in.ReflectionCache
	}
	if in.DatabaseConfig != nil {
		b.dbConfig = in.DatabaseConfig
	}
	if in.BackendIDs != nil {
		b.backendOIDToID = make(map[uint32][16]byte, len(in.BackendIDs))
		b.idToBackendOID = make(map[[16]byte]uint32, len(in.BackendIDs))
		for oid, id := range in.BackendIDs {
			b.backendOIDToID[oid] = id
			b.idToBackendOID[id] = oid
		}
	}

	b.compiledQueries = lru.New[uint64, *units.Group](b.compiledQueries.Capacity())
	b.compiledSQL = lru.New[string, compiledSQLEntry](b.compiledSQL.Capacity())
	b.cachedOrigins = map[uint64]cachedOrigin{}
	b.pendingFuncCache = map[uint64]*units.Group{}
	b.pendingOrder = nil

	return candidates
}

// HydrateCache loads persisted entries at startup. Entries that
// fail to deserialize are skipped with a rate-limited log, matching
//  "deserialization failures during hydrate_cache are skipped with
// a rate-limited warning".
func (b *Branch) HydrateCache(entries []external.PersistedEntry, serializerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	skipped := 0
	for _, e := range entries {
		req, err := fingerprint.Deserialize(e.InData, serializerID)
		if err != nil {
			skipped++
			continue
		}
		u, err := units.Deserialize(e.OutData)
		if err != nil {
			skipped++
			continue
		}
		g := &units.Group{Units: []units.Unit{u}, Cacheable: true, CacheState: units.Present, CreatedAt: time.Now()}
		fp := req.Hash()
		if len(b.activeTxSeq) > 0 {
			g.TxSeqID = b.txSeq
			b.pendingFuncCache[fp] = g
			b.pendingOrder = append(b.pendingOrder, fp)
		}
		b.compiledQueries.Put(fp, g)
	}
	if skipped > 0 {
		log.Printf("branch %s: hydrate_cache skipped %d entries (deserialize failure)", b.name, skipped)
	}
}

// Stop cancels the background workers. Called when the branch is
// unregistered.
func (b *Branch) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.worker.stop()
	b.notifier.stop()
}

// backgroundCtx is used by the worker/notifier for tenant calls; it carries
// no request-scoped values because background tasks are not cancellable by
// a frontend request.
func backgroundCtx() context.Context { return context.Background() }
