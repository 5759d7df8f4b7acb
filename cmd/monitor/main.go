package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"npcmind/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type npcView struct {
	domain.NpcState
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type queueView struct {
	Queue  domain.QueueStats `json:"queue"`
	Worker struct {
		Degraded            bool      `json:"degraded"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
		LastProbeAt         time.Time `json:"last_probe_at"`
	} `json:"worker"`
}

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "server base URL")
	interval := flag.Duration("interval", 1*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start the server in the same monitor process lifecycle")
	serverBinary := flag.String("server-bin", "", "path to npcmind binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded server")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedServer
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedServer(*addr, *serverBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded server: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "server health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	npcTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	npcTable.SetTitle("NPCs (Enter inspect, Del despawn, F5 refresh, F10 quit)").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	resultsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	resultsView.SetTitle("Decisions").SetBorder(true)

	spawnInput := tview.NewInputField().
		SetLabel("Spawn (villager|guard|merchant): ")
	spawnInput.SetBorder(true).SetTitle("Enter = spawn NPC")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | arrows move player, Ctrl+L focus spawn, Ctrl+T focus table",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(eventsView, 0, 1, false).
		AddItem(resultsView, 0, 1, false)

	mainLayout := tview.NewFlex().
		AddItem(npcTable, 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(spawnInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedNpcID string
	var lastNpcs []npcView
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshNpcs := func() {
		npcs, err := c.listNpcs()
		if err != nil {
			app.QueueUpdateDraw(func() {
				npcTable.Clear()
				npcTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastNpcs = npcs
		qv, qErr := c.queueStats()
		app.QueueUpdateDraw(func() {
			renderNpcTable(npcTable, npcs, selectedNpcID)
			if qErr == nil {
				npcTable.SetTitle(fmt.Sprintf(
					"NPCs  queue=%d inflight=%s pending=%d dropped=%d degraded=%t",
					qv.Queue.Depth,
					inflightLabel(qv.Queue),
					qv.Queue.PendingNext,
					qv.Queue.Dropped,
					qv.Worker.Degraded,
				))
			}
		})
	}

	refreshDetailsAsync := func(npcID string) {
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			var events []domain.NpcEvent
			var eventsErr error
			if selected != "" {
				events, eventsErr = c.listEvents(selected, 100)
			}
			results, resultsErr := c.listResults(50)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if eventsErr != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eventsErr))
				} else {
					eventsView.SetText(renderEvents(selected, events))
				}
				if resultsErr != nil {
					resultsView.SetText(fmt.Sprintf("error: %v", resultsErr))
				} else {
					resultsView.SetText(renderResults(results))
				}
			})
		}(npcID, version)
	}

	submitSpawn := func(npcType string) {
		npcType = strings.TrimSpace(strings.ToLower(npcType))
		if npcType == "" {
			return
		}
		setStatusUI("Spawning " + npcType + "...")
		spawnInput.SetText("")
		go func(t string) {
			id, err := c.spawnNpc(t)
			if err != nil {
				setStatusAsync("Spawn failed: " + err.Error())
				return
			}
			selectedNpcID = id
			refreshNpcs()
			refreshDetailsAsync(selectedNpcID)
			setStatusAsync("Spawned: " + id)
		}(npcType)
	}

	spawnInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitSpawn(spawnInput.GetText())
	})

	npcTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastNpcs) {
			return
		}
		selectedNpcID = lastNpcs[row-1].NpcID
		refreshDetailsAsync(selectedNpcID)
	})

	movePlayer := func(dx, dy float64) {
		go func() {
			if err := c.movePlayer(dx, dy); err != nil {
				setStatusAsync("Player move failed: " + err.Error())
			}
		}()
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == spawnInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(npcTable)
				setStatusUI("Focus -> npcs")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshNpcs()
			refreshDetailsAsync(selectedNpcID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(spawnInput)
			setStatusUI("Focus -> spawn")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(npcTable)
			setStatusUI("Focus -> npcs")
			return nil
		case tcell.KeyUp:
			if app.GetFocus() != npcTable {
				movePlayer(0, -25)
				return nil
			}
		case tcell.KeyDown:
			if app.GetFocus() != npcTable {
				movePlayer(0, 25)
				return nil
			}
		case tcell.KeyLeft:
			movePlayer(-25, 0)
			return nil
		case tcell.KeyRight:
			movePlayer(25, 0)
			return nil
		case tcell.KeyDelete:
			if selectedNpcID != "" {
				id := selectedNpcID
				go func() {
					if err := c.despawnNpc(id); err != nil {
						setStatusAsync("Despawn failed: " + err.Error())
						return
					}
					setStatusAsync("Despawned: " + id)
					refreshNpcs()
				}()
			}
			return nil
		case tcell.KeyEscape:
			app.SetFocus(npcTable)
			setStatusUI("Focus -> npcs")
			return nil
		case tcell.KeyTAB:
			app.SetFocus(spawnInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(spawnInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshNpcs()
		if len(lastNpcs) > 0 {
			selectedNpcID = lastNpcs[0].NpcID
		}
		refreshDetailsAsync(selectedNpcID)

		for range ticker.C {
			refreshNpcs()
			if selectedNpcID == "" && len(lastNpcs) > 0 {
				selectedNpcID = lastNpcs[0].NpcID
			}
			refreshDetailsAsync(selectedNpcID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(npcTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, dbPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "npcmind")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/npcmind", "--addr", addrArg, "--db", dbPath)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server process: %w", err)
	}

	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderNpcTable(table *tview.Table, npcs []npcView, selectedNpcID string) {
	table.Clear()
	headers := []string{"NPC", "Type", "Status", "Task", "Pos", "Wait"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, n := range npcs {
		row := i + 1
		waiting := ""
		if n.RequestInFlight {
			waiting = "*"
		}
		table.SetCell(row, 0, tview.NewTableCell(n.NpcID))
		table.SetCell(row, 1, tview.NewTableCell(string(n.NpcType)))
		table.SetCell(row, 2, tview.NewTableCell(string(n.Status)))
		table.SetCell(row, 3, tview.NewTableCell(trimLine(n.CurrentTask, 32)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("(%d,%d)", int(n.X), int(n.Y))))
		table.SetCell(row, 5, tview.NewTableCell(waiting))
		if n.NpcID == selectedNpcID {
			table.Select(row, 0)
		}
	}
}

func renderEvents(npcID string, items []domain.NpcEvent) string {
	if npcID == "" {
		return "No NPC selected"
	}
	if len(items) == 0 {
		return "No events for " + npcID
	}
	var b strings.Builder
	for _, e := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n",
			e.CreatedAt.Format("15:04:05"),
			e.Action,
			trimLine(e.Detail, 90),
		))
	}
	return b.String()
}

func renderResults(items []domain.DecisionResult) string {
	if len(items) == 0 {
		return "No decisions yet"
	}
	var b strings.Builder
	for _, d := range items {
		line := fmt.Sprintf(
			"[%s] %-14s %-10s %s",
			d.CompletedAt.Format("15:04:05"),
			d.NpcID,
			d.Source,
			trimLine(d.NewTask, 48),
		)
		if d.Error != "" {
			line += "  error=" + string(d.Error)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func inflightLabel(stats domain.QueueStats) string {
	if !stats.InFlight {
		return "-"
	}
	return stats.InFlightNpc
}

func (c *client) listNpcs() ([]npcView, error) {
	var out []npcView
	if err := c.getJSON("/npcs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) queueStats() (queueView, error) {
	var out queueView
	if err := c.getJSON("/queue", &out); err != nil {
		return queueView{}, err
	}
	return out, nil
}

func (c *client) listEvents(npcID string, limit int) ([]domain.NpcEvent, error) {
	var out []domain.NpcEvent
	if err := c.getJSON(fmt.Sprintf("/npcs/%s/events?limit=%d", npcID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listResults(limit int) ([]domain.DecisionResult, error) {
	var out []domain.DecisionResult
	if err := c.getJSON(fmt.Sprintf("/results?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) spawnNpc(npcType string) (string, error) {
	var state domain.NpcState
	if err := c.postJSON("/npcs", map[string]any{"type": npcType}, &state); err != nil {
		return "", err
	}
	return state.NpcID, nil
}

func (c *client) despawnNpc(npcID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/npcs/"+npcID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *client) movePlayer(dx, dy float64) error {
	return c.postJSON("/player", map[string]any{"dx": dx, "dy": dy}, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
