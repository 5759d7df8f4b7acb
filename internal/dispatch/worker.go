// Package dispatch runs the single background worker that drains the
// request queue and serializes all calls to the decision service.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"npcmind/internal/decision"
	"npcmind/internal/domain"
	"npcmind/internal/queue"
)

// Journal receives completed decisions for observability. Failures are
// logged and ignored; the scheduler never depends on it.
type Journal interface {
	RecordDecision(ctx context.Context, req domain.DecisionRequest, res domain.DecisionResult) error
}

type Config struct {
	// FailureThreshold is the number of consecutive service failures
	// after which the worker stops calling the real service.
	FailureThreshold int
	// ProbeInterval is how long the worker waits in degraded mode
	// before risking another real call.
	ProbeInterval time.Duration
	Logger        *log.Logger
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Status is the worker's externally visible health, for the HTTP API.
type Status struct {
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
}

// Worker drains the queue one request at a time. It must never run on
// the simulation thread, and nothing on the simulation thread may wait
// for it.
type Worker struct {
	queue    *queue.Queue
	service  decision.Service
	fallback *decision.MockService
	results  *Results
	journal  Journal
	cfg      Config

	mu          sync.Mutex
	failures    int
	degraded    bool
	lastProbeAt time.Time

	wg sync.WaitGroup
}

func NewWorker(q *queue.Queue, service decision.Service, fallback *decision.MockService, results *Results, journal Journal, cfg Config) *Worker {
	return &Worker{
		queue:    q,
		service:  service,
		fallback: fallback,
		results:  results,
		journal:  journal,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the worker goroutine. It exits when ctx is cancelled;
// Wait blocks until then.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

// Status reports degraded-mode state for the HTTP API and monitor.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Degraded:            w.degraded,
		ConsecutiveFailures: w.failures,
		LastProbeAt:         w.lastProbeAt,
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Wakeups():
			for w.processOne(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne handles at most one request end to end and reports
// whether it did any work. Service errors never escape; they become
// fallback results.
func (w *Worker) processOne(ctx context.Context) bool {
	req, ok := w.queue.DequeueNext()
	if !ok {
		return false
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	res := domain.DecisionResult{
		NpcID:     req.NpcID,
		RequestID: req.ID,
		Source:    domain.ResultSourceModel,
	}

	task, err := w.decide(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a service failure. Release the slot and stop.
			w.queue.Complete(req.NpcID)
			return false
		}
		res.Error = decision.Classify(err)
		res.Source = domain.ResultSourceFallback
		task, _ = w.fallback.Decide(ctx, req)
	}
	res.NewTask = task
	res.CompletedAt = time.Now().UTC()

	if w.queue.Complete(req.NpcID) {
		w.results.Publish(res)
	} else {
		res.Error = domain.ErrorKindCancelled
	}

	if w.journal != nil {
		if jerr := w.journal.RecordDecision(ctx, req, res); jerr != nil {
			w.cfg.Logger.Printf("journal decision failed npc=%s: %v", req.NpcID, jerr)
		}
	}
	return true
}

// decide calls the real service unless the worker is degraded, in
// which case it answers from the fallback immediately and only probes
// the real service once per ProbeInterval.
func (w *Worker) decide(ctx context.Context, req domain.DecisionRequest) (string, error) {
	w.mu.Lock()
	degraded := w.degraded
	probeDue := degraded && time.Since(w.lastProbeAt) >= w.cfg.ProbeInterval
	if probeDue {
		w.lastProbeAt = time.Now().UTC()
	}
	w.mu.Unlock()

	if degraded && !probeDue {
		return "", errServiceDegraded
	}

	task, err := w.service.Decide(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		w.noteFailure(req.NpcID, err)
		return "", err
	}
	w.noteSuccess(degraded)
	return task, nil
}

func (w *Worker) noteFailure(npcID string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	if !w.degraded && w.failures >= w.cfg.FailureThreshold {
		w.degraded = true
		w.lastProbeAt = time.Now().UTC()
		w.cfg.Logger.Printf("decision service degraded after %d consecutive failures (last: npc=%s err=%v)", w.failures, npcID, err)
	}
}

func (w *Worker) noteSuccess(wasDegraded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = 0
	if w.degraded {
		w.degraded = false
		if wasDegraded {
			w.cfg.Logger.Printf("decision service recovered, leaving degraded mode")
		}
	}
}

var errServiceDegraded = degradedError{}

type degradedError struct{}

func (degradedError) Error() string { return "decision service degraded, fallback in use" }
