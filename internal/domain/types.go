package domain

import "time"

// NpcStatus is the controller-owned lifecycle state of an NPC.
type NpcStatus string

const (
	NpcStatusIdle             NpcStatus = "idle"
	NpcStatusActing           NpcStatus = "acting"
	NpcStatusAwaitingDecision NpcStatus = "awaiting_decision"
)

// NpcType selects the behavior table and mock task pool for an NPC.
// Unknown types are tolerated and fall back to villager behavior.
type NpcType string

const (
	NpcTypeVillager NpcType = "villager"
	NpcTypeGuard    NpcType = "guard"
	NpcTypeMerchant NpcType = "merchant"
)

// ErrorKind classifies decision failures carried on a DecisionResult.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindServiceUnavailable ErrorKind = "service_unavailable"
	ErrorKindInvalidResponse    ErrorKind = "invalid_response"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindQueueOverflow      ErrorKind = "queue_overflow"
)

// ResultSource records whether a task came from the real decision
// service or from the fallback generator.
type ResultSource string

const (
	ResultSourceModel    ResultSource = "model"
	ResultSourceFallback ResultSource = "fallback"
)

// DecisionRequest is the context snapshot sent to the decision service.
// Field order matches the wire shape and must not change. Immutable
// once created; a fresher snapshot for the same NPC replaces the whole
// request, it never mutates one.
type DecisionRequest struct {
	NpcID              string    `json:"npc_id"`
	NpcType            string    `json:"npc_type"`
	CurrentTask        string    `json:"current_task"`
	LastCompletedTask  string    `json:"last_completed_task"`
	CurrentState       string    `json:"current_state"`
	EnvironmentContext string    `json:"environment_context"`
	PlayerInteraction  string    `json:"player_interaction"`
	SubmittedAt        time.Time `json:"-"`

	// ID is journal-only identity; request identity on the queue is NpcID.
	ID string `json:"-"`
}

// DecisionResponse is the wire shape the decision service replies with.
type DecisionResponse struct {
	NewTask string `json:"new_task"`
}

// DecisionResult is produced exactly once per consumed request by the
// dispatch worker and deleted when the controller consumes it.
type DecisionResult struct {
	NpcID       string       `json:"npc_id"`
	NewTask     string       `json:"new_task"`
	Source      ResultSource `json:"source"`
	Error       ErrorKind    `json:"error,omitempty"`
	RequestID   string       `json:"request_id"`
	CompletedAt time.Time    `json:"completed_at"`
}

// NpcState is the per-NPC record owned exclusively by the task
// controller. The dispatch worker never reads or writes it.
type NpcState struct {
	NpcID             string       `json:"npc_id"`
	NpcType           NpcType      `json:"npc_type"`
	CurrentTask       string       `json:"current_task"`
	LastCompletedTask string       `json:"last_completed_task"`
	Status            NpcStatus    `json:"status"`
	RequestInFlight   bool         `json:"request_in_flight"`
	LastDecisionAt    time.Time    `json:"last_decision_at"`
	LastSource        ResultSource `json:"last_source,omitempty"`
}

// ContextSnapshot is what the simulation hands the controller each
// tick: everything needed to build a DecisionRequest without the
// controller reaching back into world state.
type ContextSnapshot struct {
	Environment       string
	PlayerInteraction string
	ForceRefresh      bool
}

// NpcEvent is a journal row describing a state transition, kept for
// the monitor and the HTTP API.
type NpcEvent struct {
	ID        int64     `json:"id"`
	NpcID     string    `json:"npc_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStats is the scheduler-side view exposed to the HTTP API.
type QueueStats struct {
	Depth       int    `json:"depth"`
	InFlight    bool   `json:"in_flight"`
	InFlightNpc string `json:"in_flight_npc,omitempty"`
	PendingNext int    `json:"pending_next"`
	Dropped     uint64 `json:"dropped"`
}
