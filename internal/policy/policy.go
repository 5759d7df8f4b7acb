// Package policy decides when an NPC's current task is judged complete
// and a new decision should be requested.
package policy

import (
	"time"

	"npcmind/internal/domain"
)

// Decider is consulted by the task controller each tick for NPCs that
// have no outstanding request. Implementations must be cheap; they run
// on the simulation thread.
type Decider interface {
	ShouldRequest(state domain.NpcState, snap domain.ContextSnapshot, now time.Time) bool
}

// IntervalDecider refreshes a task once Interval has elapsed since the
// last applied decision, immediately when the NPC has no task yet, and
// immediately when the snapshot forces a refresh (player interaction
// change, explicit game event).
type IntervalDecider struct {
	Interval time.Duration
}

func (d IntervalDecider) ShouldRequest(state domain.NpcState, snap domain.ContextSnapshot, now time.Time) bool {
	if snap.ForceRefresh {
		return true
	}
	if state.CurrentTask == "" {
		return true
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return now.Sub(state.LastDecisionAt) >= interval
}

// DeciderFunc adapts a function to the Decider interface, mainly for
// tests driving transitions deterministically.
type DeciderFunc func(state domain.NpcState, snap domain.ContextSnapshot, now time.Time) bool

func (f DeciderFunc) ShouldRequest(state domain.NpcState, snap domain.ContextSnapshot, now time.Time) bool {
	return f(state, snap, now)
}
