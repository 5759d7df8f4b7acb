// Package queue implements the decision-request backlog: FIFO across
// NPCs, at most one entry for a given npc_id, and at most one entry in
// flight system-wide regardless of caller concurrency.
package queue

import (
	"sync"

	"npcmind/internal/domain"
)

const defaultCapacity = 64

// EvictFunc is invoked, outside the queue lock, for every request
// dropped by the overflow policy.
type EvictFunc func(domain.DecisionRequest)

type entry struct {
	request domain.DecisionRequest
	discard bool
}

// Queue is safe for concurrent use by the simulation thread
// (Enqueue/Cancel/Stats) and the dispatch worker (DequeueNext/Complete).
type Queue struct {
	mu          sync.Mutex
	entries     []*entry
	index       map[string]*entry
	inFlight    *entry
	pendingNext map[string]domain.DecisionRequest
	capacity    int
	dropped     uint64
	onEvict     EvictFunc
	wake        chan struct{}
}

// New creates a bounded queue. When capacity is exceeded the oldest
// non-in-flight entry is dropped and handed to onEvict, so the evicted
// NPC still receives a result instead of waiting forever. onEvict may
// be nil.
func New(capacity int, onEvict EvictFunc) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		index:       make(map[string]*entry),
		pendingNext: make(map[string]domain.DecisionRequest),
		capacity:    capacity,
		onEvict:     onEvict,
		wake:        make(chan struct{}, 1),
	}
}

// Wakeups signals whenever an entry may have become dispatchable. The
// channel is never closed and carries no data; consumers re-check with
// DequeueNext.
func (q *Queue) Wakeups() <-chan struct{} {
	return q.wake
}

// Enqueue adds a request for req.NpcID. If that NPC already has a
// queued entry it is replaced in place: same FIFO position, latest
// context wins. If that NPC is currently in flight the request is
// buffered as pending-next and enqueued automatically on completion;
// further duplicates collapse the same way.
func (q *Queue) Enqueue(req domain.DecisionRequest) {
	var evicted *domain.DecisionRequest

	q.mu.Lock()
	if e, ok := q.index[req.NpcID]; ok {
		e.request = req
		q.mu.Unlock()
		return
	}
	if q.inFlight != nil && q.inFlight.request.NpcID == req.NpcID && !q.inFlight.discard {
		q.pendingNext[req.NpcID] = req
		q.mu.Unlock()
		return
	}
	if len(q.entries) >= q.capacity {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		delete(q.index, oldest.request.NpcID)
		q.dropped++
		evicted = &oldest.request
	}
	e := &entry{request: req}
	q.entries = append(q.entries, e)
	q.index[req.NpcID] = e
	q.mu.Unlock()

	if evicted != nil && q.onEvict != nil {
		q.onEvict(*evicted)
	}
	q.signal()
}

// DequeueNext returns the oldest queued request and marks it in flight.
// It returns ok=false while the queue is empty or another request is
// already in flight; only one request is exposed as in flight at a time
// across the whole queue.
func (q *Queue) DequeueNext() (domain.DecisionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight != nil || len(q.entries) == 0 {
		return domain.DecisionRequest{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.index, e.request.NpcID)
	q.inFlight = e
	return e.request, true
}

// Complete releases the in-flight slot for npcID and reports whether
// the produced result should be delivered (false when the request was
// cancelled mid-flight). A buffered pending-next request for the same
// NPC is promoted onto the queue.
func (q *Queue) Complete(npcID string) bool {
	q.mu.Lock()
	if q.inFlight == nil || q.inFlight.request.NpcID != npcID {
		q.mu.Unlock()
		return false
	}
	deliver := !q.inFlight.discard
	q.inFlight = nil

	promoted := false
	if next, ok := q.pendingNext[npcID]; ok {
		delete(q.pendingNext, npcID)
		if deliver {
			e := &entry{request: next}
			q.entries = append(q.entries, e)
			q.index[npcID] = e
			promoted = true
		}
	}
	hasWork := len(q.entries) > 0
	q.mu.Unlock()

	if promoted || hasWork {
		q.signal()
	}
	return deliver
}

// Cancel removes any queued entry for npcID. An in-flight entry cannot
// be removed; it is marked for discard so its eventual result is
// dropped rather than delivered. Idempotent.
func (q *Queue) Cancel(npcID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.pendingNext, npcID)
	if e, ok := q.index[npcID]; ok {
		delete(q.index, npcID)
		for i, cur := range q.entries {
			if cur == e {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				break
			}
		}
	}
	if q.inFlight != nil && q.inFlight.request.NpcID == npcID {
		q.inFlight.discard = true
	}
}

// Stats returns a point-in-time snapshot for the HTTP API and monitor.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := domain.QueueStats{
		Depth:       len(q.entries),
		InFlight:    q.inFlight != nil,
		PendingNext: len(q.pendingNext),
		Dropped:     q.dropped,
	}
	if q.inFlight != nil {
		stats.InFlightNpc = q.inFlight.request.NpcID
	}
	return stats
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
