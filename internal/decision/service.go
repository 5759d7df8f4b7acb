// Package decision provides the DecisionService capability: mapping an
// NPC's context snapshot to its next task. Two interchangeable
// implementations exist, a chat-completions API adapter and a local
// mock; callers pick one at construction time and the scheduler never
// inspects which it got.
package decision

import (
	"context"
	"errors"

	"npcmind/internal/domain"
)

// ErrInvalidResponse marks a reply that reached us but could not be
// reduced to a task string.
var ErrInvalidResponse = errors.New("decision service returned an unusable response")

// Service is the external oracle. Decide blocks for as long as the
// backing service takes; only the dispatch worker may call it, and only
// one call may be outstanding at a time.
type Service interface {
	Decide(ctx context.Context, req domain.DecisionRequest) (string, error)
}

// Classify maps a Decide error onto the result taxonomy.
func Classify(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return domain.ErrorKindNone
	case errors.Is(err, ErrInvalidResponse):
		return domain.ErrorKindInvalidResponse
	default:
		return domain.ErrorKindServiceUnavailable
	}
}
