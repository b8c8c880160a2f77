package branch

import "github.com/edgedb/dbview/internal/units"

// BeginTx allocates a new, strictly increasing transaction sequence number
// and marks it active. SessionView calls this on start()/start_implicit().
func (b *Branch) BeginTx() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txSeq++
	seq := b.txSeq
	b.activeTxSeq[seq] = struct{}{}
	return seq
}

// EndTx retires seq. If no transaction remains active afterward, every
// pending-function-cache entry is promoted: the function-cache SQL variant
// becomes safe to use for everyone, because no transaction older than the
// helper routine's creation can still be running.
func (b *Branch) EndTx(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endTxLocked(seq)
}

func (b *Branch) endTxLocked(seq uint64) {
	delete(b.activeTxSeq, seq)
	b.promotePendingFuncCacheLocked()
}

// promotePendingFuncCacheLocked applies the tx_seq_end_tx promotion rule: if
// no transaction remains active, every gated entry is promoted; otherwise
// only entries whose tx_seq_id is strictly less than the oldest still-active
// sequence are promoted, in insertion order, stopping at the first entry
// that is not yet safe. This guarantees no in-flight transaction ever
// observes a function-cache SQL variant that was not visible at its start.
func (b *Branch) promotePendingFuncCacheLocked() {
	if len(b.pendingFuncCache) == 0 {
		return
	}
	if len(b.activeTxSeq) == 0 {
		for _, fp := range b.pendingOrder {
			if g, ok := b.pendingFuncCache[fp]; ok {
				b.promoteOneLocked(g)
			}
		}
		b.pendingFuncCache = map[uint64]*units.Group{}
		b.pendingOrder = nil
		return
	}

	oldest := b.oldestActiveTxLocked()
	i := 0
	for ; i < len(b.pendingOrder); i++ {
		fp := b.pendingOrder[i]
		g, ok := b.pendingFuncCache[fp]
		if !ok {
			continue
		}
		if g.TxSeqID >= oldest {
			break
		}
		b.promoteOneLocked(g)
		delete(b.pendingFuncCache, fp)
	}
	b.pendingOrder = b.pendingOrder[i:]
}

func (b *Branch) promoteOneLocked(g *units.Group) {
	if g.CacheState == units.Pending {
		g.CacheState = units.Present
	}
}

func (b *Branch) oldestActiveTxLocked() uint64 {
	var oldest uint64
	first := true
	for seq := range b.activeTxSeq {
		if first || seq < oldest {
			oldest = seq
			first = false
		}
	}
	return oldest
}

// HasActiveTx reports whether any transaction sequence is currently open on
// this branch. The persistence worker does not call it; it gates through
// gateForActiveTxLocked under the branch mutex instead.
func (b *Branch) HasActiveTx() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.activeTxSeq) > 0
}

// CurrentTxSeq returns the most recently allocated sequence number, used to
// tag a newly-persisted group that must wait for promotion.
func (b *Branch) CurrentTxSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txSeq
}

// gateForActiveTxLocked marks g as gated behind the pending-function-cache map
// when transactions are active at persistence time, so in-flight older
// transactions never observe the function-cache SQL form of a unit created
// after they began.
func (b *Branch) gateForActiveTxLocked(fp uint64, g *units.Group) {
	if len(b.activeTxSeq) == 0 {
		return
	}
	g.TxSeqID = b.txSeq
	if _, exists := b.pendingFuncCache[fp]; !exists {
		b.pendingOrder = append(b.pendingOrder, fp)
	}
	b.pendingFuncCache[fp] = g
}
