package sim

import (
	"math"
	"strings"

	"npcmind/internal/domain"
)

// act translates a free-text task into movement for one tick. Task
// names arrive from a language model, so matching is keyword based and
// tolerant of underscores and "verb: detail" phrasing.
func (w *World) act(a *Actor, task string) {
	t := strings.ToLower(strings.TrimSpace(task))
	t = strings.ReplaceAll(t, "_", " ")
	if i := strings.Index(t, ":"); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	has := func(words ...string) bool {
		for _, word := range words {
			if strings.Contains(t, word) {
				return true
			}
		}
		return false
	}

	switch {
	case has("patrol"):
		w.patrol(a)
	case has("follow", "approach", "chase") && has("player"):
		w.moveToward(a, w.player.X, w.player.Y, 40)
	case has("guard", "protect", "watch", "stand"):
		// hold position
	case has("greet", "wave", "welcome"):
		w.moveToward(a, w.player.X, w.player.Y, 60)
	case a.Type == domain.NpcTypeVillager && has("farm", "crop", "tend", "harvest", "plant"):
		w.workNear(a, "tree")
	case a.Type == domain.NpcTypeVillager && has("rest", "sleep", "home", "relax"):
		w.workNear(a, "house")
	case a.Type == domain.NpcTypeVillager && has("talk", "chat", "gossip", "visit"):
		w.seekNpc(a)
	case a.Type == domain.NpcTypeGuard && has("inspect", "investigate", "check", "survey"):
		w.workNear(a, "rock")
	case a.Type == domain.NpcTypeMerchant && has("sell", "trade", "market", "customer"):
		// stay at the stall
	case a.Type == domain.NpcTypeMerchant && has("restock", "inventory", "goods", "arrange", "organize"):
		w.workNear(a, "house")
	case has("idle", "wait", "pause"):
		// nothing to do
	case has("wander", "explore", "roam", "walk", "stroll"):
		w.wander(a)
	default:
		w.wander(a)
	}
}

// wander walks toward a random target, picking a new one on arrival.
func (w *World) wander(a *Actor) {
	if !a.hasTarget || w.arrived(a) {
		a.targetX = w.rng.Float64() * w.width
		a.targetY = w.rng.Float64() * w.height
		a.hasTarget = true
	}
	w.step(a)
}

// patrol is wander with shorter legs around the current position.
func (w *World) patrol(a *Actor) {
	if !a.hasTarget || w.arrived(a) {
		a.targetX = clamp(a.X+(w.rng.Float64()-0.5)*400, 0, w.width)
		a.targetY = clamp(a.Y+(w.rng.Float64()-0.5)*400, 0, w.height)
		a.hasTarget = true
	}
	w.step(a)
}

// workNear heads to the closest object of the given type and lingers.
func (w *World) workNear(a *Actor, objectType string) {
	if a.hasTarget && !w.arrived(a) {
		w.step(a)
		return
	}
	best := -1
	bestDist := math.MaxFloat64
	for i, obj := range w.objects {
		if obj.Type != objectType {
			continue
		}
		if d := dist(a.X, a.Y, obj.X, obj.Y); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		w.wander(a)
		return
	}
	if bestDist > 20 {
		a.targetX = w.objects[best].X
		a.targetY = w.objects[best].Y
		a.hasTarget = true
		w.step(a)
	}
}

// seekNpc walks toward the nearest other NPC.
func (w *World) seekNpc(a *Actor) {
	var nearest *Actor
	bestDist := math.MaxFloat64
	for _, id := range w.order {
		other := w.npcs[id]
		if other.ID == a.ID {
			continue
		}
		if d := dist(a.X, a.Y, other.X, other.Y); d < bestDist {
			nearest, bestDist = other, d
		}
	}
	if nearest == nil {
		w.wander(a)
		return
	}
	w.moveToward(a, nearest.X, nearest.Y, 30)
}

// moveToward steps at the target but stops at the given standoff so
// NPCs do not stack on top of what they are approaching.
func (w *World) moveToward(a *Actor, x, y, standoff float64) {
	if dist(a.X, a.Y, x, y) <= standoff {
		a.hasTarget = false
		return
	}
	a.targetX = x
	a.targetY = y
	a.hasTarget = true
	w.step(a)
}

func (w *World) step(a *Actor) {
	dx := a.targetX - a.X
	dy := a.targetY - a.Y
	d := math.Hypot(dx, dy)
	if d <= a.speed {
		a.X = a.targetX
		a.Y = a.targetY
		a.hasTarget = false
		return
	}
	a.X = clamp(a.X+dx/d*a.speed, 0, w.width)
	a.Y = clamp(a.Y+dy/d*a.speed, 0, w.height)
}

func (w *World) arrived(a *Actor) bool {
	return dist(a.X, a.Y, a.targetX, a.targetY) < 5
}

func dist(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x2-x1, y2-y1)
}
