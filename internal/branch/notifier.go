package branch

import (
	"time"

	"github.com/edgedb/dbview/internal/metrics"
)

const (
	notifierMaxWait  = time.Second
	notifierDelay    = 200 * time.Millisecond
	notifierMaxBatch = 100
)

// sysevent is the name signal_sysevent is called with for the notifier's
// post-persist broadcast (spec §4.3 Testable Scenario 5: "the key is
// emitted via signal_sysevent(\"query-cache-changes\", dbname=A,
// keys=[…])").
const sysevent = "query-cache-changes"

// notifier debounces outbound cache-key notifications so a burst of activity
// collapses into one round trip per kind instead of one per key. Two
// independent key streams are debounced on the same schedule but dispatched
// to different tenant calls: evicted keys go to EvictQueryCache (the
// backend-storage delete for keys this branch no longer caches), and
// newly-persisted keys go to SignalSysevent (the cross-process broadcast
// telling other frontends a fingerprint is now durably cached). It flushes
// whichever comes first: delay since the last enqueue, max_wait since the
// first unflushed key, or max_batch pending keys. The max_wait timer and the
// max_batch count are shared by both streams, and a flush sends both.
// Grounded on scheduler.go debounce-by-timer idiom, adapted
// from a fixed interval to a reset-on-activity one.
type notifier struct {
	b *Branch

	evictCh   chan []string
	persistCh chan []string
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newNotifier(b *Branch) *notifier {
	return &notifier{
		b:         b,
		evictCh:   make(chan []string, 64),
		persistCh: make(chan []string, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (n *notifier) start() { go n.run() }

func (n *notifier) stop() {
	close(n.stopCh)
	<-n.doneCh
}

// enqueue queues a batch of evicted keys for a debounced EvictQueryCache
// call.
func (n *notifier) enqueue(keys []string) {
	select {
	case n.evictCh <- keys:
	case <-n.stopCh:
	}
}

// enqueuePersisted queues a batch of newly-persisted keys for a debounced
// SignalSysevent broadcast.
func (n *notifier) enqueuePersisted(keys []string) {
	select {
	case n.persistCh <- keys:
	case <-n.stopCh:
	}
}

func stoppedDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (n *notifier) run() {
	defer close(n.doneCh)

	var pendingEvict, pendingPersist []string
	delay := time.NewTimer(time.Hour)
	stoppedDrain(delay)
	maxWait := time.NewTimer(time.Hour)
	stoppedDrain(maxWait)

	flush := func() {
		if len(pendingEvict) == 0 && len(pendingPersist) == 0 {
			return
		}
		evictBatch := pendingEvict
		persistBatch := pendingPersist
		pendingEvict, pendingPersist = nil, nil
		stoppedDrain(delay)
		stoppedDrain(maxWait)

		if n.b.tenant == nil {
			return
		}
		if len(evictBatch) > 0 {
			if err := n.b.tenant.EvictQueryCache(backgroundCtx(), n.b.name, evictBatch); err != nil {
				metrics.BackgroundErrors.WithLabelValues(n.b.instanceName, "notifier").Inc()
			}
		}
		if len(persistBatch) > 0 {
			payload := map[string]any{"dbname": n.b.name, "keys": persistBatch}
			if err := n.b.tenant.SignalSysevent(backgroundCtx(), sysevent, payload); err != nil {
				metrics.BackgroundErrors.WithLabelValues(n.b.instanceName, "notifier").Inc()
			}
		}
	}

	for {
		select {
		case <-n.stopCh:
			flush()
			return
		case keys := <-n.evictCh:
			if len(pendingEvict) == 0 && len(pendingPersist) == 0 {
				maxWait.Reset(notifierMaxWait)
			}
			pendingEvict = append(pendingEvict, keys...)
			stoppedDrain(delay)
			if len(pendingEvict)+len(pendingPersist) >= notifierMaxBatch {
				flush()
				continue
			}
			delay.Reset(notifierDelay)
		case keys := <-n.persistCh:
			if len(pendingEvict) == 0 && len(pendingPersist) == 0 {
				maxWait.Reset(notifierMaxWait)
			}
			pendingPersist = append(pendingPersist, keys...)
			stoppedDrain(delay)
			if len(pendingEvict)+len(pendingPersist) >= notifierMaxBatch {
				flush()
				continue
			}
			delay.Reset(notifierDelay)
		case <-delay.C:
			flush()
		case <-maxWait.C:
			flush()
		}
	}
}
