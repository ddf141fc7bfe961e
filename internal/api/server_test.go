package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"starling/internal/dispatcher"
	"starling/internal/domain"
	"starling/internal/events"
	"starling/internal/memory"
	"starling/internal/permission"
	"starling/internal/store/sqlite"
	"starling/internal/toolloop"
	"starling/internal/tools"
	"starling/internal/tracker"
)

type echoModel struct{}

func (echoModel) Invoke(ctx context.Context, messages []domain.ModelMessage, specs []domain.ToolSpec) (domain.ModelResponse, error) {
	var prompt string
	for _, msg := range messages {
		if msg.Role == domain.MessageRoleUser {
			prompt = msg.Content
		}
	}
	return domain.ModelResponse{Text: "echo: " + prompt, TokensUsed: 1}, nil
}

func newTestServer(t *testing.T) (*Server, *tracker.Tracker, *events.Bus) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mem, err := memory.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		t.Fatalf("builtins: %v", err)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	tr := tracker.New(store, bus, nil)
	loop := toolloop.New(echoModel{}, registry, tr, toolloop.Config{RetryBackoff: time.Millisecond}, nil)
	resolver := permission.NewResolver(store, registry, false, nil, nil)
	d := dispatcher.New(store, resolver, loop, tr, mem, nil, nil, dispatcher.Options{}, nil)
	return NewServer(d, tr, store, bus, nil), tr, bus
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPostMessageSync(t *testing.T) {
	srv, tr, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/messages?wait=1", domain.Message{
		ChannelType: "slack",
		ChannelID:   "C1",
		UserID:      "U1",
		Username:    "ada",
		Content:     "hello there",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var reply dispatcher.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Text != "echo: hello there" || reply.ExecutionID == "" {
		t.Fatalf("reply %+v", reply)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/executions/"+reply.ExecutionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var tree []domain.ExecutionNode
	if err := json.Unmarshal(rec.Body.Bytes(), &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(tree) != 1 || tree[0].Status != domain.NodeStatusCompleted {
		t.Fatalf("tree %+v", tree)
	}

	if got := tr.Executions(); len(got) != 1 {
		t.Fatalf("executions %+v", got)
	}
}

func TestPostMessageInvalid(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/messages?wait=1", domain.Message{Content: "no channel"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestExecutionNotFoundAndCancelConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/executions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/executions/nope/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRoleCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/roles", domain.SpecialRole{
		Name:         "ops",
		AllowedTools: []string{"deploy"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/roles", nil)
	var roles []domain.SpecialRole
	if err := json.Unmarshal(rec.Body.Bytes(), &roles); err != nil {
		t.Fatalf("decode roles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "ops" {
		t.Fatalf("roles %+v", roles)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/roles/ops/assignments", map[string]string{
		"channel_type": "slack",
		"user_id":      "U1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/roles/ops/assignments?channel_type=slack&user_id=U1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unassign status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/roles/ops", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodDelete, "/api/roles/ops", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/roles", domain.SpecialRole{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty role name status %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	srv, tr, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	tr.StartExecution(context.Background(), "slack", "C1", "live")

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	var sawEvent bool
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: execution.started") {
			sawEvent = true
			break
		}
	}
	if !sawEvent {
		t.Fatalf("no execution.started event on the stream")
	}
}
