package persiststore

import (
	"context"

	"github.com/edgedb/dbview/internal/external"
	"github.com/google/uuid"
)

// ReferenceTenant is a minimal external.Tenant built on a Store, used by
// tests and the demo frontend. It never talks to a real database for
// SQLExecute/SQLDescribe — that stays out of scope — and the connection it
// hands out accepts every call without recording it.
type ReferenceTenant struct {
	store        *Store
	clientID     uuid.UUID
	instanceName string
	readonly     bool

	evictions [][]string
	sysevents []string
}

// NewReferenceTenant builds a ReferenceTenant backed by store.
func NewReferenceTenant(store *Store, instanceName string) *ReferenceTenant {
	return &ReferenceTenant{store: store, clientID: uuid.New(), instanceName: instanceName}
}

// AcquireBackendConn returns a stubConn; release is a no-op since stubConn
// holds no resources.
func (t *ReferenceTenant) AcquireBackendConn(ctx context.Context, branchName string) (external.BackendConn, func(), error) {
	return &stubConn{}, func() {}, nil
}

// EvictQueryCache records the eviction batch for inspection in tests.
func (t *ReferenceTenant) EvictQueryCache(ctx context.Context, branchName string, keys []string) error {
	t.evictions = append(t.evictions, keys)
	return nil
}

// SignalSysevent records the event name for inspection in tests.
func (t *ReferenceTenant) SignalSysevent(ctx context.Context, name string, payload map[string]any) error {
	t.sysevents = append(t.sysevents, name)
	return nil
}

// IntrospectDB is a no-op: schema introspection of a live backend is out of
// scope for this core.
func (t *ReferenceTenant) IntrospectDB(ctx context.Context, branchName string) error { return nil }

// IsReadonly reports the tenant's configured read-only flag.
func (t *ReferenceTenant) IsReadonly() bool { return t.readonly }

// SetReadonly toggles the read-only flag, used by tests exercising
// DisabledCapabilityError paths.
func (t *ReferenceTenant) SetReadonly(ro bool) { t.readonly = ro }

// ReadinessReason always reports ready for this reference implementation.
func (t *ReferenceTenant) ReadinessReason() string { return "" }

// ClientID returns this tenant's stable identifier.
func (t *ReferenceTenant) ClientID() uuid.UUID { return t.clientID }

// InstanceName returns the owning server instance's name.
func (t *ReferenceTenant) InstanceName() string { return t.instanceName }

// PersistEntries delegates to the backing Store.
func (t *ReferenceTenant) PersistEntries(ctx context.Context, branchName string, entries []external.PersistedEntry) error {
	return t.store.PersistEntries(ctx, branchName, entries)
}

// HydrateEntries delegates to the backing Store.
func (t *ReferenceTenant) HydrateEntries(ctx context.Context, branchName string) ([]external.PersistedEntry, error) {
	return t.store.HydrateEntries(ctx, branchName)
}

// Evictions returns every eviction batch seen so far, for test assertions.
func (t *ReferenceTenant) Evictions() [][]string { return t.evictions }

// stubConn is a no-op external.BackendConn; it exists only so
// AcquireBackendConn has something to return.
type stubConn struct{}

func (c *stubConn) SQLExecute(ctx context.Context, stmt []byte) error { return nil }

func (c *stubConn) SQLDescribe(ctx context.Context, sql string, typeOIDHints []uint32) ([]uint32, []external.ColumnDescribe, error) {
	return nil, nil, nil
}
