package syncclient

import (
	"sync"
	"time"

	"sessiond/internal/server/models"
)

// ReplayQueue holds undelivered events until the peer is healthy again.
// Bounded per account; entries expire after the configured TTL. Overflow
// drops the oldest entry for that account.
type ReplayQueue struct {
	mu         sync.Mutex
	perAccount int
	ttl        time.Duration
	items      map[string][]queuedEvent
	total      int
	now        func() time.Time
}

type queuedEvent struct {
	event      models.SyncEvent
	enqueuedAt time.Time
}

// NewReplayQueue constructs a queue holding at most perAccount events per
// account, each for at most ttl.
func NewReplayQueue(perAccount int, ttl time.Duration) *ReplayQueue {
	if perAccount <= 0 {
		perAccount = 100
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayQueue{
		perAccount: perAccount,
		ttl:        ttl,
		items:      make(map[string][]queuedEvent),
		now:        time.Now,
	}
}

// Push enqueues an event for later replay. It reports whether an older event
// had to be dropped to make room.
func (q *ReplayQueue) Push(event models.SyncEvent) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.items[event.AccountID]
	if len(list) >= q.perAccount {
		list = list[1:]
		q.total--
		dropped = true
	}
	q.items[event.AccountID] = append(list, queuedEvent{event: event, enqueuedAt: q.now()})
	q.total++
	return dropped
}

// PopBatch removes and returns up to max unexpired events, oldest first per
// account. Expired entries encountered along the way are discarded.
func (q *ReplayQueue) PopBatch(max int) []models.SyncEvent {
	if max <= 0 {
		max = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := q.now().Add(-q.ttl)
	var batch []models.SyncEvent
	for accountID, list := range q.items {
		keep := list[:0]
		for _, item := range list {
			switch {
			case item.enqueuedAt.Before(deadline):
				q.total--
			case len(batch) < max:
				batch = append(batch, item.event)
				q.total--
			default:
				keep = append(keep, item)
			}
		}
		if len(keep) == 0 {
			delete(q.items, accountID)
		} else {
			q.items[accountID] = keep
		}
		if len(batch) >= max {
			break
		}
	}
	return batch
}

// Len reports the number of queued events.
func (q *ReplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
