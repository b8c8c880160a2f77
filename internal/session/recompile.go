package session

import (
	"context"
	"sync"
	"time"

	"github.com/edgedb/dbview/internal/branch"
	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/fingerprint"
	"github.com/edgedb/dbview/internal/units"
)

// RecompiledEntry is one successfully recompiled cache candidate, ready for
// the frontend to install into the new schema's cache.
type RecompiledEntry struct {
	Request *fingerprint.Request
	Group   *units.Group
}

// RecompileCachedQueries implements the opportunistic background recompile
// step of parse() (spec §4.4 step 7): given the entries a branch offered up
// right after a schema change (branch.Branch.SetAndSignalNewUserSchema's
// return value), concurrently recompile each one — most-recently-used
// first, as the caller already ordered them — bounded by
// max(1, compiler_pool_size/2) concurrent compiles and by an absolute
// deadline computed from timeout. Failures (including ctx deadline
// exceeded) are silently dropped, matching the spec's "failures are
// silently dropped" for this sweep; only successful recompiles are
// returned.
func (v *View) RecompileCachedQueries(ctx context.Context, candidates []branch.RecompileCandidate, timeout time.Duration) []RecompiledEntry {
	if len(candidates) == 0 {
		return nil
	}

	deadline := external.RecompileDeadline(timeout)
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	concurrency := v.compiler.SizeHint() / 2
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	results := make([]*RecompiledEntry, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c branch.RecompileCandidate) {
			defer wg.Done()
			defer func() { <-sem }()
			if ctx.Err() != nil || c.Request == nil {
				return
			}
			res, err := v.compiler.Compile(ctx, v.b.Name(), v.b.UserSchema(), nil, nil, v.b.DatabaseConfig(), nil, c.Request, c.RawText, v.clientID)
			if err != nil {
				return
			}
			g := res.Group
			g.CacheState = units.Pending
			results[i] = &RecompiledEntry{Request: c.Request, Group: &g}
		}(i, c)
	}
	wg.Wait()

	out := make([]RecompiledEntry, 0, len(candidates))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
