package policy

import (
	"testing"
	"time"

	"npcmind/internal/domain"
)

func TestIntervalDecider(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := IntervalDecider{Interval: 10 * time.Second}

	tests := []struct {
		name  string
		state domain.NpcState
		snap  domain.ContextSnapshot
		want  bool
	}{
		{
			name:  "no task yet",
			state: domain.NpcState{CurrentTask: "", LastDecisionAt: now},
			want:  true,
		},
		{
			name:  "interval not elapsed",
			state: domain.NpcState{CurrentTask: "patrol", LastDecisionAt: now.Add(-5 * time.Second)},
			want:  false,
		},
		{
			name:  "interval elapsed",
			state: domain.NpcState{CurrentTask: "patrol", LastDecisionAt: now.Add(-10 * time.Second)},
			want:  true,
		},
		{
			name:  "force refresh overrides interval",
			state: domain.NpcState{CurrentTask: "patrol", LastDecisionAt: now.Add(-time.Second)},
			snap:  domain.ContextSnapshot{ForceRefresh: true},
			want:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.ShouldRequest(tc.state, tc.snap, now); got != tc.want {
				t.Fatalf("ShouldRequest=%t want %t", got, tc.want)
			}
		})
	}
}

func TestIntervalDeciderDefault(t *testing.T) {
	now := time.Now()
	d := IntervalDecider{}
	state := domain.NpcState{CurrentTask: "patrol", LastDecisionAt: now.Add(-11 * time.Second)}
	if !d.ShouldRequest(state, domain.ContextSnapshot{}, now) {
		t.Fatalf("zero interval must default to 10s")
	}
	state.LastDecisionAt = now.Add(-9 * time.Second)
	if d.ShouldRequest(state, domain.ContextSnapshot{}, now) {
		t.Fatalf("9s since last decision must not trigger with the default interval")
	}
}
