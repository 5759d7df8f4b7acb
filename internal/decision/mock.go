package decision

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"npcmind/internal/domain"
)

var mockTaskPools = map[domain.NpcType][]string{
	domain.NpcTypeVillager: {
		"Wander around the village",
		"Talk to other villagers",
		"Tend to crops in the field",
		"Rest at home",
		"Visit the market",
		"Prepare food",
		"Idle by the fountain",
	},
	domain.NpcTypeGuard: {
		"Patrol the village perimeter",
		"Guard the town gate",
		"Inspect suspicious activity",
		"Stand guard at the castle",
		"Follow the player at a distance",
		"Check on other guards",
		"Rest at the barracks",
	},
	domain.NpcTypeMerchant: {
		"Sell wares at the market",
		"Restock inventory",
		"Advertise special deals",
		"Negotiate with suppliers",
		"Travel between villages",
		"Count profits",
		"Pack up shop for the day",
	},
}

var mockPlayerTasks = map[domain.NpcType][]string{
	domain.NpcTypeGuard:    {"Follow the player", "Watch the player carefully"},
	domain.NpcTypeMerchant: {"Offer goods to the player", "Approach the player to trade"},
	domain.NpcTypeVillager: {"Greet the player", "Wave at the player"},
}

// MockService synthesizes plausible tasks locally. It backs both the
// no-credentials mode and the dispatcher's degraded mode, and is the
// fallback generator for failed real calls.
type MockService struct {
	mu      sync.Mutex
	rng     *rand.Rand
	latency time.Duration
}

// NewMockService seeds the task picker. Latency, if positive, is
// simulated per call so tests can exercise in-flight windows.
func NewMockService(seed int64, latency time.Duration) *MockService {
	return &MockService{
		rng:     rand.New(rand.NewSource(seed)),
		latency: latency,
	}
}

func (m *MockService) Decide(ctx context.Context, req domain.DecisionRequest) (string, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return m.pick(req), nil
}

func (m *MockService) pick(req domain.DecisionRequest) string {
	npcType := domain.NpcType(req.NpcType)
	pool, ok := mockTaskPools[npcType]
	if !ok {
		npcType = domain.NpcTypeVillager
		pool = mockTaskPools[npcType]
	}
	tasks := make([]string, len(pool))
	copy(tasks, pool)

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.PlayerInteraction == "player nearby" && m.rng.Float64() < 0.4 {
		tasks = append(tasks, mockPlayerTasks[npcType]...)
	}

	// Avoid handing back the task the NPC is already on.
	if len(tasks) > 1 {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t != req.CurrentTask {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) > 0 {
			tasks = filtered
		}
	}
	return tasks[m.rng.Intn(len(tasks))]
}
