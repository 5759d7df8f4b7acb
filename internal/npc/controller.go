// Package npc holds the per-NPC task state machine and its registry.
// The controller is the only writer of NpcState; the dispatch worker
// communicates with it exclusively through the queue and result store.
package npc

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"npcmind/internal/dispatch"
	"npcmind/internal/domain"
	"npcmind/internal/policy"
	"npcmind/internal/queue"
)

// EventJournal records state transitions for the monitor. Best effort;
// errors are logged and ignored.
type EventJournal interface {
	RecordEvent(ctx context.Context, event domain.NpcEvent) error
}

// Controller drives the Idle -> AwaitingDecision -> Acting state
// machine for every registered NPC. All methods are non-blocking and
// bounded so they are safe to call from the fixed-tick loop.
type Controller struct {
	queue   *queue.Queue
	results *dispatch.Results
	decider policy.Decider
	journal EventJournal
	logger  *log.Logger
	now     func() time.Time

	mu   sync.Mutex
	npcs map[string]*domain.NpcState
}

func NewController(q *queue.Queue, results *dispatch.Results, decider policy.Decider, journal EventJournal, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		queue:   q,
		results: results,
		decider: decider,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Register creates controller state for a spawned NPC. Registering an
// existing id is a no-op. The first decision request is issued by the
// policy on a later tick; until then the NPC idles.
func (c *Controller) Register(npcID string, npcType domain.NpcType) {
	c.mu.Lock()
	if _, ok := c.npcs[npcID]; ok {
		c.mu.Unlock()
		return
	}
	if c.npcs == nil {
		c.npcs = make(map[string]*domain.NpcState)
	}
	c.npcs[npcID] = &domain.NpcState{
		NpcID:          npcID,
		NpcType:        npcType,
		CurrentTask:    "idle",
		Status:         domain.NpcStatusIdle,
		LastDecisionAt: c.now(),
	}
	c.mu.Unlock()

	c.logEvent(npcID, "registered", string(npcType))
}

// Unregister tears down a despawned NPC: any queued request is
// removed, an in-flight one is marked for discard, and a result that
// already landed is dropped unapplied.
func (c *Controller) Unregister(npcID string) {
	c.mu.Lock()
	_, ok := c.npcs[npcID]
	delete(c.npcs, npcID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.queue.Cancel(npcID)
	c.results.Discard(npcID)
	c.logEvent(npcID, "unregistered", "")
}

// OnTick advances one NPC's state machine. It consumes a pending
// decision result if one arrived, otherwise asks the policy whether a
// new decision is due and enqueues a request built from the snapshot.
// It returns immediately in all cases.
func (c *Controller) OnTick(npcID string, snap domain.ContextSnapshot) {
	now := c.now()

	c.mu.Lock()
	st, ok := c.npcs[npcID]
	if !ok {
		c.mu.Unlock()
		return
	}

	if res, found := c.results.Take(npcID); found {
		if st.RequestInFlight && res.NewTask != "" {
			st.LastCompletedTask = st.CurrentTask
			st.CurrentTask = res.NewTask
			st.Status = domain.NpcStatusActing
			st.RequestInFlight = false
			st.LastDecisionAt = now
			st.LastSource = res.Source
			c.mu.Unlock()

			detail := res.NewTask
			if res.Error != domain.ErrorKindNone {
				detail += " (" + string(res.Error) + ")"
			}
			c.logEvent(npcID, "task_assigned", detail)
			return
		}
		// Stale or empty result for a state that is not waiting; drop it.
		st.RequestInFlight = false
		if st.Status == domain.NpcStatusAwaitingDecision {
			st.Status = domain.NpcStatusActing
		}
		c.mu.Unlock()
		return
	}

	if st.RequestInFlight {
		// Still waiting. A completion trigger firing again refreshes
		// the pending request's context; the queue's replace-in-place
		// semantics guarantee no duplicate entry appears.
		if snap.ForceRefresh || c.decider.ShouldRequest(*st, snap, now) {
			req := buildRequest(*st, snap, now)
			c.mu.Unlock()
			c.queue.Enqueue(req)
			return
		}
		c.mu.Unlock()
		return
	}

	if c.decider.ShouldRequest(*st, snap, now) {
		req := buildRequest(*st, snap, now)
		st.Status = domain.NpcStatusAwaitingDecision
		st.RequestInFlight = true
		c.mu.Unlock()

		c.queue.Enqueue(req)
		c.logEvent(npcID, "decision_requested", snap.PlayerInteraction)
		return
	}
	c.mu.Unlock()
}

// Waiting reports whether the NPC is waiting for instructions. The
// rendering side polls this; it never mutates controller state.
func (c *Controller) Waiting(npcID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.npcs[npcID]
	return ok && st.Status == domain.NpcStatusAwaitingDecision
}

// State returns a copy of one NPC's state.
func (c *Controller) State(npcID string) (domain.NpcState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.npcs[npcID]
	if !ok {
		return domain.NpcState{}, false
	}
	return *st, true
}

// States returns copies of all NPC states, sorted by id.
func (c *Controller) States() []domain.NpcState {
	c.mu.Lock()
	out := make([]domain.NpcState, 0, len(c.npcs))
	for _, st := range c.npcs {
		out = append(out, *st)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NpcID < out[j].NpcID })
	return out
}

// CurrentTask returns the task the NPC should keep executing this
// frame, which is the previous task while a decision is pending.
func (c *Controller) CurrentTask(npcID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.npcs[npcID]
	if !ok {
		return ""
	}
	return st.CurrentTask
}

func buildRequest(st domain.NpcState, snap domain.ContextSnapshot, now time.Time) domain.DecisionRequest {
	return domain.DecisionRequest{
		NpcID:              st.NpcID,
		NpcType:            string(st.NpcType),
		CurrentTask:        st.CurrentTask,
		LastCompletedTask:  st.LastCompletedTask,
		CurrentState:       wireState(st.Status),
		EnvironmentContext: snap.Environment,
		PlayerInteraction:  snap.PlayerInteraction,
		SubmittedAt:        now,
	}
}

// wireState maps the controller status onto the three-state enum the
// decision service expects.
func wireState(status domain.NpcStatus) string {
	if status == domain.NpcStatusAwaitingDecision {
		return "waiting"
	}
	return string(status)
}

func (c *Controller) logEvent(npcID, action, detail string) {
	if c.journal == nil {
		return
	}
	err := c.journal.RecordEvent(context.Background(), domain.NpcEvent{
		NpcID:     npcID,
		Action:    action,
		Detail:    detail,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		c.logger.Printf("journal npc event failed npc=%s action=%s: %v", npcID, action, err)
	}
}
