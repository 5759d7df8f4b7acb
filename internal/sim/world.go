// Package sim is the thin game layer around the scheduler: a bounded
// world, keyword-driven NPC movement, and the fixed-tick loop. The
// loop's only contract with the scheduler is OnTick per NPC per tick,
// which must return immediately regardless of decision-service latency.
package sim

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"npcmind/internal/domain"
)

const (
	defaultWorldWidth  = 2000.0
	defaultWorldHeight = 2000.0
	npcSpeed           = 3.0
	nearbyRadius       = 100.0
)

type Object struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type Actor struct {
	ID   string         `json:"id"`
	Type domain.NpcType `json:"type"`
	X    float64        `json:"x"`
	Y    float64        `json:"y"`

	speed           float64
	hasTarget       bool
	targetX         float64
	targetY         float64
	lastInteraction string
}

type Player struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// World owns all positional state. It is mutated by the tick loop and
// read by the HTTP API, so everything goes through its lock.
type World struct {
	mu      sync.Mutex
	width   float64
	height  float64
	objects []Object
	npcs    map[string]*Actor
	order   []string
	player  Player
	rng     *rand.Rand
	spawns  int
}

type WorldOptions struct {
	Width  float64
	Height float64
	Seed   int64
}

func NewWorld(opts WorldOptions) *World {
	if opts.Width <= 0 {
		opts.Width = defaultWorldWidth
	}
	if opts.Height <= 0 {
		opts.Height = defaultWorldHeight
	}
	w := &World{
		width:  opts.Width,
		height: opts.Height,
		npcs:   make(map[string]*Actor),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		player: Player{X: opts.Width / 2, Y: opts.Height / 2},
	}
	w.scatterObjects()
	return w
}

func (w *World) scatterObjects() {
	place := func(kind string, count int) {
		for i := 0; i < count; i++ {
			w.objects = append(w.objects, Object{
				Type: kind,
				X:    w.rng.Float64() * w.width,
				Y:    w.rng.Float64() * w.height,
			})
		}
	}
	place("tree", 20)
	place("rock", 10)
	place("house", 5)
}

// Spawn adds an NPC at a random position. An empty id gets a generated
// one. Returns the assigned id.
func (w *World) Spawn(id string, npcType domain.NpcType) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id == "" {
		w.spawns++
		id = fmt.Sprintf("%s_%d", npcType, w.spawns)
	}
	if _, ok := w.npcs[id]; ok {
		return id
	}
	w.npcs[id] = &Actor{
		ID:    id,
		Type:  npcType,
		X:     100 + w.rng.Float64()*(w.width-200),
		Y:     100 + w.rng.Float64()*(w.height-200),
		speed: npcSpeed,
	}
	w.order = append(w.order, id)
	return id
}

// Despawn removes an NPC. Idempotent.
func (w *World) Despawn(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.npcs[id]; !ok {
		return
	}
	delete(w.npcs, id)
	for i, cur := range w.order {
		if cur == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// MovePlayer nudges the player by (dx, dy), clamped to world bounds.
func (w *World) MovePlayer(dx, dy float64) Player {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.player.X = clamp(w.player.X+dx, 0, w.width)
	w.player.Y = clamp(w.player.Y+dy, 0, w.height)
	return w.player
}

// Actors returns position snapshots sorted by spawn order.
func (w *World) Actors() []Actor {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Actor, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.npcs[id])
	}
	return out
}

func (w *World) PlayerPosition() Player {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.player
}

// snapshot builds the decision context for one NPC: position, nearby
// object and NPC types, and the player distance band. ForceRefresh is
// set when the player closes in on an NPC that last saw it further
// away, so the pending or next request reflects the encounter.
func (w *World) snapshot(a *Actor) domain.ContextSnapshot {
	var objectTypes []string
	for _, obj := range w.objects {
		if dist(a.X, a.Y, obj.X, obj.Y) < nearbyRadius {
			objectTypes = append(objectTypes, obj.Type)
		}
	}
	var npcTypes []string
	for _, id := range w.order {
		other := w.npcs[id]
		if other.ID == a.ID {
			continue
		}
		if dist(a.X, a.Y, other.X, other.Y) < nearbyRadius {
			npcTypes = append(npcTypes, string(other.Type))
		}
	}

	env := fmt.Sprintf("position: (%d, %d)", int(a.X), int(a.Y))
	if len(objectTypes) > 0 {
		env += ", nearby objects: " + strings.Join(objectTypes, ", ")
	}
	if len(npcTypes) > 0 {
		env += ", nearby NPCs: " + strings.Join(npcTypes, ", ")
	}

	interaction := w.playerInteraction(a)
	force := interaction == "player very close" && a.lastInteraction != "player very close"
	a.lastInteraction = interaction

	return domain.ContextSnapshot{
		Environment:       env,
		PlayerInteraction: interaction,
		ForceRefresh:      force,
	}
}

func (w *World) playerInteraction(a *Actor) string {
	d := dist(a.X, a.Y, w.player.X, w.player.Y)
	switch {
	case d < 50:
		return "player very close"
	case d < 100:
		return "player nearby"
	case d < 200:
		return "player visible"
	default:
		return "none"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
