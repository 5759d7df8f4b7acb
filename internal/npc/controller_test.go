package npc

import (
	"testing"
	"time"

	"npcmind/internal/dispatch"
	"npcmind/internal/domain"
	"npcmind/internal/policy"
	"npcmind/internal/queue"
)

func alwaysRequest() policy.Decider {
	return policy.DeciderFunc(func(domain.NpcState, domain.ContextSnapshot, time.Time) bool {
		return true
	})
}

func neverRequest() policy.Decider {
	return policy.DeciderFunc(func(domain.NpcState, domain.ContextSnapshot, time.Time) bool {
		return false
	})
}

func newTestController(decider policy.Decider) (*Controller, *queue.Queue, *dispatch.Results) {
	results := dispatch.NewResults()
	q := queue.New(16, nil)
	return NewController(q, results, decider, nil, nil), q, results
}

func TestTickEnqueuesRequestAndWaits(t *testing.T) {
	c, q, _ := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeGuard)

	snap := domain.ContextSnapshot{
		Environment:       "position: (10, 20), nearby objects: tree",
		PlayerInteraction: "player nearby",
	}
	c.OnTick("npc_a", snap)

	req, ok := q.DequeueNext()
	if !ok {
		t.Fatalf("tick must enqueue a decision request")
	}
	if req.NpcID != "npc_a" || req.NpcType != "guard" {
		t.Fatalf("request identity=%s/%s want npc_a/guard", req.NpcID, req.NpcType)
	}
	if req.CurrentTask != "idle" || req.CurrentState != "idle" {
		t.Fatalf("request task/state=%s/%s want idle/idle", req.CurrentTask, req.CurrentState)
	}
	if req.EnvironmentContext != snap.Environment || req.PlayerInteraction != snap.PlayerInteraction {
		t.Fatalf("request context not taken from snapshot: %+v", req)
	}

	if !c.Waiting("npc_a") {
		t.Fatalf("npc must report waiting while the request is pending")
	}
	if got := c.CurrentTask("npc_a"); got != "idle" {
		t.Fatalf("task during wait=%q want previous task idle", got)
	}
}

func TestTickDoesNotDuplicateWhileInFlight(t *testing.T) {
	c, q, _ := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeVillager)

	c.OnTick("npc_a", domain.ContextSnapshot{})
	c.OnTick("npc_a", domain.ContextSnapshot{})
	c.OnTick("npc_a", domain.ContextSnapshot{})

	if got := q.Stats().Depth; got != 1 {
		t.Fatalf("queue depth=%d want 1 (one outstanding request per npc)", got)
	}
}

func TestResultRoundTrip(t *testing.T) {
	c, q, results := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeVillager)
	c.OnTick("npc_a", domain.ContextSnapshot{})

	req, ok := q.DequeueNext()
	if !ok {
		t.Fatalf("expected request in queue")
	}
	if !q.Complete(req.NpcID) {
		t.Fatalf("Complete reported discard")
	}
	results.Publish(domain.DecisionResult{
		NpcID:   "npc_a",
		NewTask: "tend to crops",
		Source:  domain.ResultSourceModel,
	})

	c.OnTick("npc_a", domain.ContextSnapshot{})

	st, ok := c.State("npc_a")
	if !ok {
		t.Fatalf("npc state missing")
	}
	if st.CurrentTask != "tend to crops" {
		t.Fatalf("current task=%q want tend to crops", st.CurrentTask)
	}
	if st.LastCompletedTask != "idle" {
		t.Fatalf("last completed=%q want idle", st.LastCompletedTask)
	}
	if st.Status != domain.NpcStatusActing || st.RequestInFlight {
		t.Fatalf("state=%+v want acting with no in-flight request", st)
	}
	if st.LastSource != domain.ResultSourceModel {
		t.Fatalf("last source=%s want model", st.LastSource)
	}
}

func TestEmptyResultClearsWaitWithoutTaskChange(t *testing.T) {
	c, _, results := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeVillager)
	c.OnTick("npc_a", domain.ContextSnapshot{})

	results.Publish(domain.DecisionResult{NpcID: "npc_a"})
	c.OnTick("npc_a", domain.ContextSnapshot{})

	st, _ := c.State("npc_a")
	if st.CurrentTask != "idle" {
		t.Fatalf("task=%q want unchanged idle", st.CurrentTask)
	}
	if st.RequestInFlight || st.Status == domain.NpcStatusAwaitingDecision {
		t.Fatalf("state=%+v want wait cleared", st)
	}
}

func TestUnregisterDropsPendingResult(t *testing.T) {
	c, q, results := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeMerchant)
	c.OnTick("npc_a", domain.ContextSnapshot{})

	results.Publish(domain.DecisionResult{
		NpcID:   "npc_a",
		NewTask: "sell wares",
		Source:  domain.ResultSourceModel,
	})
	c.Unregister("npc_a")

	if _, ok := results.Take("npc_a"); ok {
		t.Fatalf("unregister must discard the published result")
	}
	if _, ok := q.DequeueNext(); ok {
		t.Fatalf("unregister must remove the queued request")
	}

	// A respawn under the same id starts clean.
	c.Register("npc_a", domain.NpcTypeMerchant)
	st, ok := c.State("npc_a")
	if !ok || st.CurrentTask != "idle" || st.RequestInFlight {
		t.Fatalf("respawned state=%+v want fresh idle", st)
	}
}

func TestUnregisterMarksInFlightForDiscard(t *testing.T) {
	c, q, results := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeGuard)
	c.OnTick("npc_a", domain.ContextSnapshot{})

	if _, ok := q.DequeueNext(); !ok {
		t.Fatalf("expected request in flight")
	}
	c.Unregister("npc_a")

	if q.Complete("npc_a") {
		t.Fatalf("in-flight request must be discarded after unregister")
	}
	if _, ok := results.Take("npc_a"); ok {
		t.Fatalf("no result should exist for the despawned npc")
	}
}

func TestForceRefreshUpdatesPendingRequest(t *testing.T) {
	c, q, _ := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeVillager)
	c.OnTick("npc_a", domain.ContextSnapshot{PlayerInteraction: "none"})

	c.OnTick("npc_a", domain.ContextSnapshot{
		PlayerInteraction: "player very close",
		ForceRefresh:      true,
	})

	if got := q.Stats().Depth; got != 1 {
		t.Fatalf("depth=%d want 1 (refresh replaces in place)", got)
	}
	req, ok := q.DequeueNext()
	if !ok {
		t.Fatalf("expected request")
	}
	if req.PlayerInteraction != "player very close" {
		t.Fatalf("interaction=%q want refreshed context", req.PlayerInteraction)
	}
	if req.CurrentState != "waiting" {
		t.Fatalf("current_state=%q want waiting while a decision is pending", req.CurrentState)
	}
}

func TestTicksNeverBlockOnSlowService(t *testing.T) {
	c, _, _ := newTestController(alwaysRequest())
	c.Register("npc_a", domain.NpcTypeVillager)

	// No worker is draining the queue at all; ticks must still return.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		c.OnTick("npc_a", domain.ContextSnapshot{})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("1000 ticks took %s, ticks must not block on decisions", elapsed)
	}
	if got := c.CurrentTask("npc_a"); got != "idle" {
		t.Fatalf("task=%q want idle while no decision has arrived", got)
	}
}

func TestUnknownNpcTickIsNoop(t *testing.T) {
	c, q, _ := newTestController(alwaysRequest())
	c.OnTick("ghost", domain.ContextSnapshot{})
	if got := q.Stats().Depth; got != 0 {
		t.Fatalf("depth=%d want 0 for unknown npc", got)
	}
}

func TestPolicyGatesRequests(t *testing.T) {
	c, q, _ := newTestController(neverRequest())
	c.Register("npc_a", domain.NpcTypeVillager)
	c.OnTick("npc_a", domain.ContextSnapshot{})

	if got := q.Stats().Depth; got != 0 {
		t.Fatalf("depth=%d want 0 when the policy declines", got)
	}
	if c.Waiting("npc_a") {
		t.Fatalf("npc must not report waiting without a request")
	}
}
