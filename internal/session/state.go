package session

import (
	"bytes"
	"fmt"

	"github.com/edgedb/dbview/internal/dbviewerr"
	"github.com/edgedb/dbview/internal/external"
)

// ModuleAlias returns the session's current module alias override for
// name, if any.
func (v *View) ModuleAlias(name string) (string, bool) {
	val, ok := v.moduleAliases[name]
	return val, ok
}

// SetModuleAlias records a module alias override for the session.
func (v *View) SetModuleAlias(name, target string) {
	v.moduleAliases[name] = target
}

// SessionConfigValue returns the current value of a session-scoped config
// setting.
func (v *View) SessionConfigValue(name string) (string, bool) {
	val, ok := v.sessionConfig[name]
	return val, ok
}

// GlobalValue returns the current value of a session global, normalized
// through recodeGlobal the same way SetGlobal stores it, so repeated reads
// and writes agree on representation.
func (v *View) GlobalValue(name string) (string, bool) {
	val, ok := v.globals[name]
	return val, ok
}

// SetGlobal records a session global value, recoded through recodeGlobal to
// normalize the client's representation into the server's internal one
// (spec §4.4 "Globals values are recoded through recode_global").
func (v *View) SetGlobal(name, value string) {
	v.globals[name] = recodeGlobal(value)
	v.invalidateEncodedStateCache()
}

// recodeGlobal normalizes a global's wire representation before it is
// stored. The reference serializer stores globals verbatim; implementations
// with a richer global type system (tuples, object ids) would canonicalize
// them here instead.
func recodeGlobal(value string) string { return value }

// ApplyConfigOps folds a batch of config operations into session state
// (spec §4.4 "Config operations"): SESSION ops fold into this view's own
// session config, GLOBAL ops fold into this view's globals (spec.md §3:
// globals are SessionView's own private state, the same as module aliases
// and session config, so there is nowhere else for a GLOBAL op to land),
// and DATABASE ops fold into the branch's db config via
// Branch.ApplyDatabaseConfigOp. INSTANCE-scope ops are the registry's
// concern (BranchIndex.ApplySystemConfigOp) since they are not reachable
// from a single branch or view.
func (v *View) ApplyConfigOps(ops []external.ConfigOp) error {
	for _, op := range ops {
		switch op.Scope {
		case external.ConfigScopeSession:
			if op.Reset {
				delete(v.sessionConfig, op.Name)
				continue
			}
			v.sessionConfig[op.Name] = op.Value
		case external.ConfigScopeGlobal:
			if op.Reset {
				delete(v.globals, op.Name)
				continue
			}
			v.globals[op.Name] = recodeGlobal(op.Value)
		case external.ConfigScopeDatabase:
			v.b.ApplyDatabaseConfigOp(op.Name, op.Value, op.Reset)
		case external.ConfigScopeInstance:
			continue
		}
	}
	v.invalidateEncodedStateCache()
	return nil
}

// defaultModule is the module alias key the spec's state dict stores the
// session's current default module under, alongside its full alias map.
const defaultModule = "default"

// stateCacheKey builds the memoization key EncodeState caches against:
// aliases, config, and globals, each snapshotted by content rather than
// identity so a decode-then-re-encode of the same values hits the cache.
func (v *View) stateCacheKey() string {
	return fmt.Sprintf("%v|%v|%v", v.moduleAliases, v.sessionConfig, v.globals)
}

func (v *View) invalidateEncodedStateCache() {
	v.encodedStateSet = false
}

// EncodeState serializes the view's current state (module, aliases,
// session config, globals) through ser, the protocol-version-scoped
// StateSerializer the branch has installed. If state is exactly the
// session's defaults and no prior non-default state was ever cached, the
// null type id and empty bytes are returned instead of invoking ser (spec
// §4.4 "If session state equals defaults ... return the null type id and
// empty bytes"). Repeated encodes of unchanged state hit a cache keyed by
// (modaliases, config, globals, type_id).
func (v *View) EncodeState(ser external.StateSerializer) ([16]byte, []byte, error) {
	if v.isDefaultState() && !v.encodedStateSet {
		return [16]byte{}, nil, nil
	}

	key := v.stateCacheKey()
	if v.encodedStateSet && key == v.encodedStateKey && ser.TypeID() == v.encodedStateTypeID {
		return v.encodedStateTypeID, v.encodedStateBytes, nil
	}

	state := map[string]any{
		"module":         v.moduleAliases[defaultModule],
		"module_aliases": v.moduleAliases,
		"session_config": v.sessionConfig,
		"globals":        v.globals,
	}
	data, err := ser.Encode(state)
	if err != nil {
		return [16]byte{}, nil, err
	}

	v.encodedStateKey = key
	v.encodedStateTypeID = ser.TypeID()
	v.encodedStateBytes = data
	v.encodedStateSet = true
	return ser.TypeID(), data, nil
}

// isDefaultState reports whether the view currently holds no overrides at
// all over its defaults.
func (v *View) isDefaultState() bool {
	return len(v.moduleAliases) == 0 && len(v.sessionConfig) == 0 && len(v.globals) == 0
}

// DecodeState restores module aliases, session config, and globals from a
// client-supplied state blob after verifying its type id matches ser. A
// bytes-equal repeat of the last encode is served from the same cache
// EncodeState populates instead of calling ser.Decode again.
func (v *View) DecodeState(ser external.StateSerializer, typeID [16]byte, data []byte) error {
	if typeID != ser.TypeID() {
		return &dbviewerr.StateMismatchError{GotTypeID: typeID, WantTypeID: ser.TypeID()}
	}
	if v.encodedStateSet && typeID == v.encodedStateTypeID && bytes.Equal(data, v.encodedStateBytes) && v.stateCacheKey() == v.encodedStateKey {
		return nil
	}
	state, err := ser.Decode(data)
	if err != nil {
		return err
	}
	if aliases, ok := state["module_aliases"].(map[string]string); ok {
		v.moduleAliases = aliases
	}
	if cfg, ok := state["session_config"].(map[string]string); ok {
		v.sessionConfig = cfg
	}
	if globals, ok := state["globals"].(map[string]string); ok {
		normalized := make(map[string]string, len(globals))
		for k, val := range globals {
			normalized[k] = recodeGlobal(val)
		}
		v.globals = normalized
	}
	v.encodedStateKey = v.stateCacheKey()
	v.encodedStateTypeID = typeID
	v.encodedStateBytes = data
	v.encodedStateSet = true
	return nil
}

// SerializeState produces the wire form of session state for injection into
// SQL parameters. It encodes EncodeState's dict plus a "__dbver__" key
// holding dbVersion, so the backend can assert it is executing against the
// schema version the frontend compiled for. The dict is a Go map, so the
// encoded form has no entry order and no {"name", "value"} entry shape;
// "__dbver__" is not placed last.
func (v *View) SerializeState(ser external.StateSerializer, dbVersion uint64) ([]byte, error) {
	state := map[string]any{
		"module":         v.moduleAliases[defaultModule],
		"module_aliases": v.moduleAliases,
		"session_config": v.sessionConfig,
		"globals":        v.globals,
		"__dbver__":      dbVersion,
	}
	return ser.Encode(state)
}

// DescribeStateTypeID returns the type id last sent to the client for its
// current state shape.
func (v *View) DescribeStateTypeID() [16]byte { return v.lastStateDescTypeID }

// IsStateDescChanged reports whether the state description type id the
// client holds (last) differs from the one the serializer would produce
// now, meaning the client must be sent a new state descriptor before its
// next state blob is accepted.
func (v *View) IsStateDescChanged(ser external.StateSerializer) bool {
	changed := v.lastStateDescTypeID != ser.TypeID()
	if changed {
		v.lastStateDescTypeID = ser.TypeID()
	}
	return changed
}

// PushSavepoint records a new savepoint at the top of the stack.
func (v *View) PushSavepoint(name string, stateBlob []byte, stateID [16]byte) {
	v.savepoints = append(v.savepoints, Savepoint{
		Name:          name,
		StateBlob:     stateBlob,
		StateID:       stateID,
		ModuleAliases: cloneAliases(v.moduleAliases),
		SessionConfig: cloneAliases(v.sessionConfig),
		Globals:       cloneAliases(v.globals),
	})
}

// DeclareSavepoint pushes a new savepoint named name at backend id spid,
// snapshotting the view's current modaliases, session config, globals, and
// state serializer blob so RollbackTxToSavepoint can restore exactly this
// moment later (spec §4.4 "declare_savepoint(name, spid)"). Must only be
// called while InTx; it is a no-op error surface for the caller otherwise.
func (v *View) DeclareSavepoint(name string, spid int64) error {
	if v.txState != InTx {
		return &dbviewerr.TransactionError{Message: "savepoints can only be declared inside a transaction"}
	}
	v.savepoints = append(v.savepoints, Savepoint{
		Name:          name,
		SPID:          spid,
		StateBlob:     v.stateBlob,
		StateID:       v.stateID,
		ModuleAliases: cloneAliases(v.moduleAliases),
		SessionConfig: cloneAliases(v.sessionConfig),
		Globals:       cloneAliases(v.globals),
	})
	return nil
}

// RollbackTxToSavepoint unwinds the savepoint stack to the named entry
// (linear search from the top, per spec §4.4 "Savepoints") and restores the
// modaliases/config/globals/state-serializer blob snapshotted at its
// declaration. Savepoints pushed after the target are discarded. Returns an
// error if name was never declared in the current transaction.
func (v *View) RollbackTxToSavepoint(name string) error {
	for i := len(v.savepoints) - 1; i >= 0; i-- {
		if v.savepoints[i].Name != name {
			continue
		}
		sp := v.savepoints[i]
		v.moduleAliases = cloneAliases(sp.ModuleAliases)
		v.sessionConfig = cloneAliases(sp.SessionConfig)
		v.globals = cloneAliases(sp.Globals)
		v.stateBlob = sp.StateBlob
		v.stateID = sp.StateID
		v.savepoints = v.savepoints[:i+1]
		v.invalidateEncodedStateCache()
		if v.txState == InTxError {
			v.txState = InTx
		}
		return nil
	}
	return &dbviewerr.TransactionError{Message: fmt.Sprintf("no such savepoint: %q", name)}
}

func cloneAliases(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

// SavepointDepth returns the number of open savepoints.
func (v *View) SavepointDepth() int { return len(v.savepoints) }
