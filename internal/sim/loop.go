package sim

import (
	"context"
	"log"
	"sync"
	"time"

	"npcmind/internal/domain"
)

const defaultTickRate = 10

// TaskController is the slice of the scheduler the loop drives.
// Implemented by npc.Controller.
type TaskController interface {
	OnTick(npcID string, snap domain.ContextSnapshot)
	CurrentTask(npcID string) string
}

// Loop advances the world at a fixed rate. Each tick it calls OnTick
// for every NPC, then moves the NPC according to its current task.
type Loop struct {
	world    *World
	ctrl     TaskController
	interval time.Duration
	logger   *log.Logger
	wg       sync.WaitGroup
}

func NewLoop(world *World, ctrl TaskController, tickRate int, logger *log.Logger) *Loop {
	if tickRate <= 0 {
		tickRate = defaultTickRate
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		world:    world,
		ctrl:     ctrl,
		interval: time.Second / time.Duration(tickRate),
		logger:   logger,
	}
}

// Start runs the loop until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		l.logger.Printf("sim: tick loop started (interval %s)", l.interval)
		for {
			select {
			case <-ctx.Done():
				l.logger.Printf("sim: tick loop stopped")
				return
			case <-ticker.C:
				l.Tick()
			}
		}
	}()
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Tick advances every NPC one step. Exposed so tests and embedders can
// drive the world without the ticker.
func (l *Loop) Tick() {
	l.world.mu.Lock()
	ids := make([]string, len(l.world.order))
	copy(ids, l.world.order)
	l.world.mu.Unlock()

	for _, id := range ids {
		l.world.mu.Lock()
		a, ok := l.world.npcs[id]
		if !ok {
			l.world.mu.Unlock()
			continue
		}
		snap := l.world.snapshot(a)
		l.world.mu.Unlock()

		l.ctrl.OnTick(id, snap)
		task := l.ctrl.CurrentTask(id)

		l.world.mu.Lock()
		if a, ok := l.world.npcs[id]; ok {
			l.world.act(a, task)
		}
		l.world.mu.Unlock()
	}
}
