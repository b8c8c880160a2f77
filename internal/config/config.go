// Package config loads the combined (system + branch user) configuration
// this core reads from.
//
// What: typed, validated settings (auto_rebuild_query_cache,
// auto_rebuild_query_cache_timeout) plus a generic ChainedSpec for
// validating config values. session.View.ApplyConfigOps does not consult
// ChainedSpec; it folds op values unvalidated.
// How: settings are loaded from YAML via gopkg.in/yaml.v3 (internal/driver
// DSN options and catalog job definitions both ultimately come from
// flag/YAML-shaped configuration).
// Why: the core must never guess at defaults silently; an operator-supplied
// YAML document is the source of truth, matching how cmd
// binaries take their own flags/DSNs explicitly rather than hardcoding them.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the core-relevant fields of the combined sys+user config.
type Settings struct {
	AutoRebuildQueryCache        bool
	AutoRebuildQueryCacheTimeout *time.Duration
}

// yamlSettings mirrors Settings' wire shape; duration is parsed separately
// because yaml.v3 has no native time.Duration support.
type yamlSettings struct {
	AutoRebuildQueryCache        bool   `yaml:"auto_rebuild_query_cache"`
	AutoRebuildQueryCacheTimeout string `yaml:"auto_rebuild_query_cache_timeout"`
}

// Default returns the zero-value-safe defaults: auto rebuild disabled, no
// timeout (unbounded recompile sweep).
func Default() Settings {
	return Settings{AutoRebuildQueryCache: false}
}

// Load parses a YAML document into Settings.
func Load(data []byte) (Settings, error) {
	var y yamlSettings
	if err := yaml.Unmarshal(data, &y); err != nil {
		return Settings{}, fmt.Errorf("config: parse: %w", err)
	}
	s := Settings{AutoRebuildQueryCache: y.AutoRebuildQueryCache}
	if y.AutoRebuildQueryCacheTimeout != "" {
		d, err := time.ParseDuration(y.AutoRebuildQueryCacheTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("config: auto_rebuild_query_cache_timeout: %w", err)
		}
		s.AutoRebuildQueryCacheTimeout = &d
	}
	return s, nil
}

// ValueSpec validates and coerces a single named setting's value; a
// ChainedSpec holds the ValueSpecs it applies in Coerce.
type ValueSpec struct {
	Name     string
	Coerce   func(raw string) (string, error)
	ReadOnly bool
}

// ChainedSpec is the system spec layered with the branch's user spec, used
// for value validation through Coerce. Nothing in this module's config-op
// folding (session.View.ApplyConfigOps, Branch.ApplyDatabaseConfigOp,
// BranchIndex.ApplySystemConfigOp) calls it.
type ChainedSpec struct {
	sys  map[string]ValueSpec
	user map[string]ValueSpec
}

// NewChainedSpec builds a spec from system and user value specs. User specs
// shadow system specs of the same name.
func NewChainedSpec(sys, user []ValueSpec) *ChainedSpec {
	cs := &ChainedSpec{sys: map[string]ValueSpec{}, user: map[string]ValueSpec{}}
	for _, v := range sys {
		cs.sys[v.Name] = v
	}
	for _, v := range user {
		cs.user[v.Name] = v
	}
	return cs
}

// Coerce validates and normalizes raw for name, preferring a user spec over
// a system spec of the same name.
func (c *ChainedSpec) Coerce(name, raw string) (string, error) {
	if v, ok := c.user[name]; ok {
		return c.coerceWith(v, raw)
	}
	if v, ok := c.sys[name]; ok {
		return c.coerceWith(v, raw)
	}
	return "", fmt.Errorf("config: unknown setting %q", name)
}

func (c *ChainedSpec) coerceWith(v ValueSpec, raw string) (string, error) {
	if v.ReadOnly {
		return "", fmt.Errorf("config: %q is read-only", v.Name)
	}
	if v.Coerce == nil {
		return raw, nil
	}
	return v.Coerce(raw)
}
