package branch

import (
	"fmt"
	"time"

	"github.com/edgedb/dbview/internal/external"
	"github.com/edgedb/dbview/internal/metrics"
	"github.com/edgedb/dbview/internal/units"
)

// persistenceWorker is the background task that evicts overflowing cache
// entries, flushes the persistence queue in batches, and promotes
// function-cache entries once no older transaction can observe their
// absence. Grounded on the design's
// internal/storage/scheduler.go background-goroutine-plus-wake-channel
// pattern, rather than its cron.Schedule entry points — this loop reacts to
// cache activity, it does not run on a fixed clock.
type persistenceWorker struct {
	b       *Branch
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	tickDur time.Duration
}

func newPersistenceWorker(b *Branch) *persistenceWorker {
	return &persistenceWorker{
		b:       b,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		tickDur: 500 * time.Millisecond,
	}
}

func (w *persistenceWorker) start() {
	go w.run()
}

func (w *persistenceWorker) stop() {
	close(w.stopCh)
	<-w.doneCh
}

// wake nudges the worker to run a tick immediately rather than waiting for
// the next periodic tick, used right after InsertCompiled enqueues a job.
func (w *persistenceWorker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *persistenceWorker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.tickDur)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		case <-w.wakeCh:
			w.tick()
		}
	}
}

// tick runs the three persistence-worker steps: evict
// overflowing LRU entries and notify the tenant, flush the persist queue,
// and gate freshly-persisted function-cache groups behind active
// transactions.
func (w *persistenceWorker) tick() {
	b := w.b

	b.mu.Lock()
	evictedKeys := b.evictOverflowLocked()
	jobs := b.drainPersistQueueLocked()
	b.mu.Unlock()

	if len(evictedKeys) > 0 {
		b.notifier.enqueue(evictedKeys)
	}

	if len(jobs) == 0 {
		return
	}
	if b.tenant == nil {
		return
	}

	entries := make([]external.PersistedEntry, 0, len(jobs))
	for _, j := range jobs {
		out, err := units.Serialize(j.group.Units[0])
		if err != nil {
			metrics.BackgroundErrors.WithLabelValues(b.instanceName, "persistence_worker").Inc()
			continue
		}
		entries = append(entries, external.PersistedEntry{InData: j.reqData, OutData: out})
	}
	if len(entries) == 0 {
		return
	}

	if err := b.tenant.PersistEntries(backgroundCtx(), b.name, entries); err != nil {
		metrics.BackgroundErrors.WithLabelValues(b.instanceName, "persistence_worker").Inc()
		return
	}

	persistedKeys := make([]string, 0, len(jobs))
	b.mu.Lock()
	for _, j := range jobs {
		if j.group.CacheState == units.Pending {
			j.group.CacheState = units.Present
		}
		b.gateForActiveTxLocked(j.fp, j.group)
		persistedKeys = append(persistedKeys, fmt.Sprintf("%016x", j.fp))
	}
	b.mu.Unlock()

	if len(persistedKeys) > 0 {
		b.notifier.enqueuePersisted(persistedKeys)
	}
}
