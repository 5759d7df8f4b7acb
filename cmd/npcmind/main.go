package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"npcmind/internal/config"
	"npcmind/internal/decision"
	"npcmind/internal/dispatch"
	"npcmind/internal/domain"
	"npcmind/internal/npc"
	"npcmind/internal/policy"
	"npcmind/internal/queue"
	"npcmind/internal/sim"
	sqlitestore "npcmind/internal/store/sqlite"
)

type app struct {
	cfg    config.Config
	ctrl   *npc.Controller
	world  *sim.World
	queue  *queue.Queue
	worker *dispatch.Worker
	store  *sqlitestore.Store
}

type npcView struct {
	domain.NpcState
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.npcmind/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	mockFlag := flag.Bool("mock", false, "force the mock decision service")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Addr, ":8092")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.DBPath, "data/npcmind.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	results := dispatch.NewResults()
	fallback := decision.NewMockService(time.Now().UnixNano(), 0)
	q := queue.New(intOrDefault(cfg.Scheduler.QueueCapacity, 64), dispatch.EvictHandler(results, fallback))

	service := buildService(cfg, *mockFlag)

	worker := dispatch.NewWorker(q, service, fallback, results, store, dispatch.Config{
		FailureThreshold: intOrDefault(cfg.Scheduler.FailureThreshold, 3),
		ProbeInterval:    durationMS(cfg.Scheduler.ProbeIntervalMS, 30*time.Second),
		Logger:           log.Default(),
	})
	worker.Start(ctx)

	decider := policy.IntervalDecider{
		Interval: durationMS(cfg.Scheduler.UpdateIntervalMS, 10*time.Second),
	}
	ctrl := npc.NewController(q, results, decider, store, log.Default())

	world := sim.NewWorld(sim.WorldOptions{
		Width:  float64(cfg.World.Width),
		Height: float64(cfg.World.Height),
		Seed:   time.Now().UnixNano(),
	})
	spawnInitial(world, ctrl, cfg.World)

	loop := sim.NewLoop(world, ctrl, intOrDefault(cfg.Scheduler.TickRate, 10), log.Default())
	loop.Start(ctx)

	a := &app{
		cfg:    cfg,
		ctrl:   ctrl,
		world:  world,
		queue:  q,
		worker: worker,
		store:  store,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/npcs", a.handleNpcs)
	mux.HandleFunc("/npcs/", a.handleNpcByID)
	mux.HandleFunc("/queue", a.handleQueue)
	mux.HandleFunc("/results", a.handleResults)
	mux.HandleFunc("/player", a.handlePlayer)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("npcmind started addr=%s db=%s model=%s", addr, dbPath, cfg.Decision.Model)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	worker.Wait()
	loop.Wait()
}

// buildService returns the live API adapter when an endpoint and API
// key are configured, the mock service otherwise.
func buildService(cfg config.Config, forceMock bool) decision.Service {
	mock := func(reason string) decision.Service {
		log.Printf("decision service: using mock task pools (%s)", reason)
		return decision.NewMockService(time.Now().UnixNano(), durationMS(cfg.Decision.MockLatencyMS, 500*time.Millisecond))
	}
	if forceMock {
		return mock("forced by flag")
	}
	if strings.TrimSpace(cfg.Decision.Endpoint) == "" {
		return mock("no endpoint configured")
	}
	keyEnv := firstNonEmpty(cfg.Decision.APIKeyEnv, "OPENAI_API_KEY")
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return mock(fmt.Sprintf("%s not set", keyEnv))
	}
	svc, err := decision.NewAPIService(decision.APIConfig{
		Endpoint:     cfg.Decision.Endpoint,
		Model:        firstNonEmpty(cfg.Decision.Model, "gpt-4o-mini"),
		AuthToken:    apiKey,
		Timeout:      durationMS(cfg.Decision.TimeoutMS, 30*time.Second),
		Retries:      cfg.Decision.Retries,
		RetryBackoff: durationMS(cfg.Decision.RetryBackoffMS, 1500*time.Millisecond),
		MaxTokens:    cfg.Decision.MaxTokens,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Printf("decision service: api config invalid: %v", err)
		return mock("invalid api config")
	}
	return svc
}

func spawnInitial(world *sim.World, ctrl *npc.Controller, wc config.WorldConfig) {
	spawn := func(npcType domain.NpcType, count int) {
		for i := 0; i < count; i++ {
			id := world.Spawn("", npcType)
			ctrl.Register(id, npcType)
		}
	}
	spawn(domain.NpcTypeVillager, intOrDefault(wc.Villagers, 3))
	spawn(domain.NpcTypeGuard, intOrDefault(wc.Guards, 1))
	spawn(domain.NpcTypeMerchant, intOrDefault(wc.Merchants, 1))
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleNpcs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.npcViews())
	case http.MethodPost:
		var req struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		npcType := domain.NpcType(strings.TrimSpace(req.Type))
		switch npcType {
		case domain.NpcTypeVillager, domain.NpcTypeGuard, domain.NpcTypeMerchant:
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown npc type: %q", req.Type))
			return
		}
		id := a.world.Spawn(strings.TrimSpace(req.ID), npcType)
		a.ctrl.Register(id, npcType)
		state, _ := a.ctrl.State(id)
		writeJSON(w, http.StatusCreated, state)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleNpcByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/npcs/")
	parts := strings.Split(trimmed, "/")
	npcID := parts[0]
	if npcID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("npc id is required"))
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			state, ok := a.ctrl.State(npcID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("unknown npc: %s", npcID))
				return
			}
			writeJSON(w, http.StatusOK, state)
		case http.MethodDelete:
			a.world.Despawn(npcID)
			a.ctrl.Unregister(npcID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "despawned", "npc_id": npcID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	switch action {
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 200)
		items, err := a.store.ListEvents(r.Context(), npcID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  a.queue.Stats(),
		"worker": a.worker.Status(),
	})
}

func (a *app) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	items, err := a.store.ListResults(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handlePlayer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.world.PlayerPosition())
	case http.MethodPost:
		var req struct {
			DX float64 `json:"dx"`
			DY float64 `json:"dy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, a.world.MovePlayer(req.DX, req.DY))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// npcViews joins scheduler state with world positions.
func (a *app) npcViews() []npcView {
	positions := make(map[string]sim.Actor)
	for _, actor := range a.world.Actors() {
		positions[actor.ID] = actor
	}
	states := a.ctrl.States()
	out := make([]npcView, 0, len(states))
	for _, st := range states {
		view := npcView{NpcState: st}
		if actor, ok := positions[st.NpcID]; ok {
			view.X = actor.X
			view.Y = actor.Y
		}
		out = append(out, view)
	}
	return out
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
