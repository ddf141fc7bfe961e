package main

import (
	"bufio"
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
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"starling/internal/dispatcher"
	"starling/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedDaemon struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8480", "starlingd base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start starlingd in the same monitor process lifecycle")
	daemonBinary := flag.String("daemon-bin", "", "path to starlingd binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/monitor.db", "sqlite db path for embedded daemon")
	memoryRoot := flag.String("memory", "data/memory", "memory root for embedded daemon")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	var daemon *embeddedDaemon
	var err error
	if *embedded {
		daemon, err = startEmbeddedDaemon(*addr, *daemonBinary, *dbPath, *memoryRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded daemon: %v\n", err)
			os.Exit(1)
		}
		defer daemon.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "daemon health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	executionsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	executionsTable.SetTitle("Executions (Enter inspect, F8 cancel, F5 refresh, F10 quit)").SetBorder(true)

	treeView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	treeView.SetTitle("Task Tree").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	replyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	replyView.SetTitle("Last Reply").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Message -> agent: ")
	promptInput.SetBorder(true).SetTitle("Enter = dispatch message")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, F8 cancel, Ctrl+L focus prompt, Ctrl+T focus executions",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(treeView, 0, 3, false).
		AddItem(replyView, 8, 0, false).
		AddItem(eventsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(executionsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedExecutionID string
	var lastExecutions []domain.ExecutionNode

	events := newEventLog(200)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshExecutions := func() {
		nodes, err := c.listExecutions()
		if err != nil {
			app.QueueUpdateDraw(func() {
				executionsTable.Clear()
				executionsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastExecutions = nodes
		app.QueueUpdateDraw(func() {
			renderExecutionsTable(executionsTable, nodes, selectedExecutionID)
		})
	}

	refreshTreeAsync := func(executionID string) {
		if strings.TrimSpace(executionID) == "" {
			return
		}
		go func(selected string) {
			nodes, err := c.executionTree(selected)
			app.QueueUpdateDraw(func() {
				if selected != selectedExecutionID {
					return
				}
				if err != nil {
					treeView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				treeView.SetText(renderTree(nodes))
			})
		}(executionID)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Dispatching message...")
		promptInput.SetText("")
		go func(input string) {
			reply, err := c.sendMessage(input)
			if err != nil {
				setStatusAsync("Dispatch failed: " + err.Error())
				return
			}
			selectedExecutionID = reply.ExecutionID
			refreshExecutions()
			refreshTreeAsync(selectedExecutionID)
			app.QueueUpdateDraw(func() {
				replyView.SetText(renderReply(reply))
			})
			setStatusAsync(fmt.Sprintf(
				"Reply received: execution=%s tools=%d tokens=%d duration=%dms",
				shortID(reply.ExecutionID), reply.ToolsUsed, reply.TokensUsed, reply.DurationMS,
			))
		}(prompt)
	}

	cancelSelected := func() {
		if selectedExecutionID == "" {
			setStatusUI("No execution selected")
			return
		}
		go func(id string) {
			if err := c.cancelExecution(id); err != nil {
				setStatusAsync("Cancel failed: " + err.Error())
				return
			}
			refreshExecutions()
			refreshTreeAsync(id)
			setStatusAsync("Cancelled execution " + shortID(id))
		}(selectedExecutionID)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	executionsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastExecutions) {
			return
		}
		selectedExecutionID = lastExecutions[row-1].ID
		refreshTreeAsync(selectedExecutionID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(executionsTable)
				setStatusUI("Focus -> executions")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF8:
			cancelSelected()
			return nil
		case tcell.KeyF5:
			refreshExecutions()
			refreshTreeAsync(selectedExecutionID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(executionsTable)
			setStatusUI("Focus -> executions")
			return nil
		case tcell.KeyEscape, tcell.KeyTAB:
			app.SetFocus(executionsTable)
			setStatusUI("Focus -> executions")
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go streamEvents(c, events, func() {
		app.QueueUpdateDraw(func() {
			eventsView.SetText(events.render())
		})
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshExecutions()
		for _, node := range lastExecutions {
			if node.Status == domain.NodeStatusInProgress {
				selectedExecutionID = node.ID
				break
			}
		}
		if selectedExecutionID != "" {
			refreshTreeAsync(selectedExecutionID)
		}

		for range ticker.C {
			refreshExecutions()
			if selectedExecutionID == "" && len(lastExecutions) > 0 {
				selectedExecutionID = lastExecutions[0].ID
			}
			refreshTreeAsync(selectedExecutionID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
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

func startEmbeddedDaemon(addr string, daemonBinary string, dbPath string, memoryRoot string) (*embeddedDaemon, error) {
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
	if err := os.MkdirAll(memoryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(daemonBinary) != "" {
		cmd = exec.Command(daemonBinary, "--addr", addrArg, "--db", dbPath, "--memory", memoryRoot)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "starlingd")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath, "--memory", memoryRoot)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/starlingd", "--addr", addrArg, "--db", dbPath, "--memory", memoryRoot)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon process: %w", err)
	}
	return &embeddedDaemon{cmd: cmd}, nil
}

func (e *embeddedDaemon) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderExecutionsTable(table *tview.Table, nodes []domain.ExecutionNode, selectedID string) {
	table.Clear()
	headers := []string{"Execution", "Status", "Channel", "Started", "Label"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, node := range nodes {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(node.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(node.Status)))
		table.SetCell(row, 2, tview.NewTableCell(node.ChannelType+"/"+node.ChannelID))
		table.SetCell(row, 3, tview.NewTableCell(node.StartedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(node.Label, 64)))
		if node.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func renderTree(nodes []domain.ExecutionNode) string {
	if len(nodes) == 0 {
		return "No nodes"
	}
	depth := map[string]int{}
	var b strings.Builder
	for _, node := range nodes {
		d := 0
		if node.ParentID != "" {
			d = depth[node.ParentID] + 1
		}
		depth[node.ID] = d
		ended := "-"
		if node.EndedAt != nil {
			ended = node.EndedAt.Local().Format("15:04:05")
		}
		b.WriteString(fmt.Sprintf(
			"%s%s [%s] %s  tools=%d tokens=%d ended=%s\n",
			strings.Repeat("  ", d),
			shortID(node.ID),
			node.Status,
			trimLine(node.Label, 48),
			node.ToolsCount,
			node.TokensUsed,
			ended,
		))
		if node.LastError != "" {
			b.WriteString(strings.Repeat("  ", d) + "  error: " + trimLine(node.LastError, 100) + "\n")
		}
	}
	return b.String()
}

func renderReply(reply dispatcher.Reply) string {
	var b strings.Builder
	b.WriteString(reply.Text)
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("execution=%s tools=%d tokens=%d duration=%dms", shortID(reply.ExecutionID), reply.ToolsUsed, reply.TokensUsed, reply.DurationMS))
	if reply.ForcedStop {
		b.WriteString(" forced_stop=true")
	}
	if reply.NewSession {
		b.WriteString(" new_session=true")
	}
	return b.String()
}

// eventLog keeps the most recent events in arrival order.
type eventLog struct {
	mu    sync.Mutex
	max   int
	items []domain.Event
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max}
}

func (l *eventLog) add(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, ev)
	if len(l.items) > l.max {
		l.items = l.items[len(l.items)-l.max:]
	}
}

func (l *eventLog) render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for i := len(l.items) - 1; i >= 0; i-- {
		ev := l.items[i]
		b.WriteString(fmt.Sprintf(
			"[%s] %s exec=%s node=%s\n",
			ev.At.Local().Format("15:04:05"),
			ev.Kind,
			shortID(ev.ExecutionID),
			shortID(ev.NodeID),
		))
		if len(ev.Payload) > 0 {
			b.WriteString("  " + trimLine(string(ev.Payload), 140) + "\n")
		}
	}
	return b.String()
}

// streamEvents follows the daemon SSE endpoint, reconnecting on failure.
func streamEvents(c *client, events *eventLog, onUpdate func()) {
	for {
		if err := streamEventsOnce(c, events, onUpdate); err != nil {
			time.Sleep(2 * time.Second)
		}
	}
}

func streamEventsOnce(c *client, events *eventLog, onUpdate func()) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		events.add(ev)
		onUpdate()
	}
	return scanner.Err()
}

func (c *client) sendMessage(content string) (dispatcher.Reply, error) {
	msg := domain.Message{
		ChannelType: "cli",
		ChannelID:   "monitor",
		UserID:      "operator",
		Username:    "operator",
		Content:     content,
		IsAdmin:     true,
		ReceivedAt:  time.Now().UTC(),
	}
	var reply dispatcher.Reply
	if err := c.postJSON("/api/messages?wait=1", msg, &reply); err != nil {
		return dispatcher.Reply{}, err
	}
	return reply, nil
}

func (c *client) listExecutions() ([]domain.ExecutionNode, error) {
	var out []domain.ExecutionNode
	if err := c.getJSON("/api/executions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) executionTree(executionID string) ([]domain.ExecutionNode, error) {
	var out []domain.ExecutionNode
	if err := c.getJSON("/api/executions/"+executionID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) cancelExecution(executionID string) error {
	return c.postJSON("/api/executions/"+executionID+"/cancel", nil, nil)
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
	return json.Unmarshal(body, out)
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
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
