package dispatch

import (
	"context"
	"sync"
	"time"

	"npcmind/internal/decision"
	"npcmind/internal/domain"
)

// Results is the store the worker publishes into and controllers poll.
// One slot per NPC; a newer result overwrites an unconsumed older one,
// latest decision wins. It is the only structure besides the queue
// shared between the worker and the simulation thread.
type Results struct {
	mu    sync.Mutex
	byNpc map[string]domain.DecisionResult
}

func NewResults() *Results {
	return &Results{byNpc: make(map[string]domain.DecisionResult)}
}

// Publish stores the result for res.NpcID.
func (r *Results) Publish(res domain.DecisionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNpc[res.NpcID] = res
}

// Take removes and returns the pending result for npcID, if any.
func (r *Results) Take(npcID string) (domain.DecisionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byNpc[npcID]
	if ok {
		delete(r.byNpc, npcID)
	}
	return res, ok
}

// Discard drops any unconsumed result for npcID. Used on despawn so a
// result produced before cancellation is never applied.
func (r *Results) Discard(npcID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byNpc, npcID)
}

// EvictHandler publishes an immediate fallback result for a request
// dropped by the queue's overflow policy, so the evicted NPC leaves
// awaiting_decision on its next tick instead of waiting forever.
func EvictHandler(results *Results, fallback *decision.MockService) func(domain.DecisionRequest) {
	return func(req domain.DecisionRequest) {
		task, _ := fallback.Decide(context.Background(), req)
		results.Publish(domain.DecisionResult{
			NpcID:       req.NpcID,
			NewTask:     task,
			Source:      domain.ResultSourceFallback,
			Error:       domain.ErrorKindQueueOverflow,
			RequestID:   req.ID,
			CompletedAt: time.Now().UTC(),
		})
	}
}
