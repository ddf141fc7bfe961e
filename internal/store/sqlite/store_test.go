package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"starling/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func TestIdentityGetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	first, err := store.GetOrCreateIdentity(ctx, "slack", "U1", "ada")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if first.ID == "" || first.Username != "ada" {
		t.Fatalf("unexpected identity %+v", first)
	}

	second, err := store.GetOrCreateIdentity(ctx, "slack", "U1", "ada.l")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("same user must map to same identity: %s vs %s", second.ID, first.ID)
	}
	if second.Username != "ada.l" {
		t.Fatalf("username not refreshed: %q", second.Username)
	}

	other, err := store.GetOrCreateIdentity(ctx, "telegram", "U1", "ada")
	if err != nil {
		t.Fatalf("create identity other channel: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("identities must be scoped per channel type")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	sess, err := store.GetOrCreateSession(ctx, "slack", "C1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	again, err := store.GetOrCreateSession(ctx, "slack", "C1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if again.ID != sess.ID {
		t.Fatalf("expected same active session, got %d and %d", sess.ID, again.ID)
	}

	for i, content := range []string{"hi", "hello back"} {
		role := domain.EntryRoleUser
		if i == 1 {
			role = domain.EntryRoleAssistant
		}
		if _, err := store.AppendSessionEntry(ctx, domain.SessionEntry{
			SessionID: sess.ID,
			Role:      role,
			Content:   content,
		}); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}
	entries, err := store.ListSessionEntries(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Content != "hi" || entries[1].Role != domain.EntryRoleAssistant {
		t.Fatalf("unexpected entries %+v", entries)
	}

	if err := store.DeactivateSession(ctx, sess.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	fresh, err := store.GetOrCreateSession(ctx, "slack", "C1")
	if err != nil {
		t.Fatalf("recreate session: %v", err)
	}
	if fresh.ID == sess.ID {
		t.Fatalf("deactivated session must not be reused")
	}
	freshEntries, err := store.ListSessionEntries(ctx, fresh.ID, 0)
	if err != nil {
		t.Fatalf("list fresh entries: %v", err)
	}
	if len(freshEntries) != 0 {
		t.Fatalf("fresh session must start empty, got %d entries", len(freshEntries))
	}
}

func TestRolesAndAssignments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	role := domain.SpecialRole{
		Name:          "ops",
		AllowedTools:  []string{"deploy", "restart_service"},
		AllowedSkills: []string{"incident_runbook"},
		Description:   "operations on production",
	}
	if err := store.UpsertRole(ctx, role); err != nil {
		t.Fatalf("upsert role: %v", err)
	}
	role.AllowedTools = []string{"deploy"}
	if err := store.UpsertRole(ctx, role); err != nil {
		t.Fatalf("update role: %v", err)
	}
	got, err := store.GetRole(ctx, "ops")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if len(got.AllowedTools) != 1 || got.AllowedTools[0] != "deploy" {
		t.Fatalf("unexpected tools %v", got.AllowedTools)
	}

	if _, err := store.AssignRole(ctx, "slack", "U1", "ops"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if _, err := store.AssignRole(ctx, "slack", "U1", "ops"); err != nil {
		t.Fatalf("duplicate assign must be idempotent: %v", err)
	}
	if _, err := store.AssignRole(ctx, "slack", "U1", "no_such_role"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assigning unknown role: %v", err)
	}

	roles, err := store.ListRolesForUser(ctx, "slack", "U1")
	if err != nil {
		t.Fatalf("list roles for user: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "ops" {
		t.Fatalf("unexpected roles %+v", roles)
	}

	roles, err = store.ListRolesForUser(ctx, "telegram", "U1")
	if err != nil {
		t.Fatalf("list roles other channel: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("assignment must be scoped per channel type")
	}

	if err := store.UnassignRole(ctx, "slack", "U1", "ops"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if err := store.UnassignRole(ctx, "slack", "U1", "ops"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double unassign: %v", err)
	}

	if err := store.DeleteRole(ctx, "ops"); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if _, err := store.GetRole(ctx, "ops"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted role lookup: %v", err)
	}
}

func TestExecutionNodePersistence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	root := domain.ExecutionNode{
		ID:          uuid.NewString(),
		Kind:        domain.NodeKindExecution,
		Status:      domain.NodeStatusInProgress,
		Label:       "deploy request",
		ChannelType: "slack",
		ChannelID:   "C1",
		StartedAt:   time.Now().UTC(),
	}
	if err := store.SaveExecutionNode(ctx, root); err != nil {
		t.Fatalf("save root: %v", err)
	}
	child := domain.ExecutionNode{
		ID:        uuid.NewString(),
		ParentID:  root.ID,
		Kind:      domain.NodeKindSubAgent,
		Status:    domain.NodeStatusInProgress,
		Label:     "lookup",
		StartedAt: time.Now().UTC(),
	}
	if err := store.SaveExecutionNode(ctx, child); err != nil {
		t.Fatalf("save child: %v", err)
	}

	ended := time.Now().UTC()
	root.Status = domain.NodeStatusCompleted
	root.EndedAt = &ended
	root.ToolsCount = 4
	root.TokensUsed = 120
	if err := store.SaveExecutionNode(ctx, root); err != nil {
		t.Fatalf("update root: %v", err)
	}

	execs, err := store.ListRecentExecutions(ctx, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected one execution root, got %d", len(execs))
	}
	if execs[0].Status != domain.NodeStatusCompleted || execs[0].ToolsCount != 4 || execs[0].EndedAt == nil {
		t.Fatalf("unexpected root %+v", execs[0])
	}

	children, err := store.ListChildNodes(ctx, root.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 || children[0].ID != child.ID {
		t.Fatalf("unexpected children %+v", children)
	}
}
