package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"starling/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	channel_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(channel_type, user_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_type TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_type, channel_id, active);

CREATE TABLE IF NOT EXISTS session_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	tokens INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_session_entries_session ON session_entries(session_id, id);

CREATE TABLE IF NOT EXISTS special_roles (
	name TEXT PRIMARY KEY,
	allowed_tools TEXT NOT NULL,
	allowed_skills TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS role_assignments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role_name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(channel_type, user_id, role_name),
	FOREIGN KEY(role_name) REFERENCES special_roles(name) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_role_assignments_user ON role_assignments(channel_type, user_id);

CREATE TABLE IF NOT EXISTS execution_nodes (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	label TEXT NOT NULL,
	channel_type TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at INTEGER NULL,
	tools_count INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_execution_nodes_parent ON execution_nodes(parent_id, started_at);
CREATE INDEX IF NOT EXISTS idx_execution_nodes_roots ON execution_nodes(kind, started_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) GetOrCreateIdentity(ctx context.Context, channelType, userID, username string) (domain.Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("begin tx identity: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var ident domain.Identity
	var created int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, channel_type, user_id, username, created_at
		FROM identities WHERE channel_type = ? AND user_id = ?`,
		channelType, userID,
	).Scan(&ident.ID, &ident.ChannelType, &ident.UserID, &ident.Username, &created)
	switch {
	case err == nil:
		ident.CreatedAt = unixToTime(created)
		if username != "" && username != ident.Username {
			if _, err := tx.ExecContext(ctx, `UPDATE identities SET username = ? WHERE id = ?`, username, ident.ID); err != nil {
				return domain.Identity{}, fmt.Errorf("update identity username: %w", err)
			}
			ident.Username = username
		}
	case errors.Is(err, sql.ErrNoRows):
		ident = domain.Identity{
			ID:          uuid.NewString(),
			ChannelType: channelType,
			UserID:      userID,
			Username:    username,
			CreatedAt:   time.Now().UTC(),
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO identities(id, channel_type, user_id, username, created_at)
			VALUES(?, ?, ?, ?, ?)`,
			ident.ID, ident.ChannelType, ident.UserID, ident.Username, ident.CreatedAt.Unix(),
		); err != nil {
			return domain.Identity{}, fmt.Errorf("insert identity: %w", err)
		}
	default:
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Identity{}, fmt.Errorf("commit identity: %w", err)
	}
	return ident, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, channelType, channelID string) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin tx session: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var sess domain.Session
	var created int64
	var active int
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, channel_type, channel_id, active, created_at
		FROM sessions
		WHERE channel_type = ? AND channel_id = ? AND active = 1
		ORDER BY id DESC LIMIT 1`,
		channelType, channelID,
	).Scan(&sess.ID, &sess.ChannelType, &sess.ChannelID, &active, &created)
	switch {
	case err == nil:
		sess.Active = active != 0
		sess.CreatedAt = unixToTime(created)
	case errors.Is(err, sql.ErrNoRows):
		sess = domain.Session{
			ChannelType: channelType,
			ChannelID:   channelID,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		}
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO sessions(channel_type, channel_id, active, created_at) VALUES(?, ?, 1, ?)`,
			sess.ChannelType, sess.ChannelID, sess.CreatedAt.Unix(),
		)
		if err != nil {
			return domain.Session{}, fmt.Errorf("insert session: %w", err)
		}
		sess.ID, err = res.LastInsertId()
		if err != nil {
			return domain.Session{}, fmt.Errorf("session id: %w", err)
		}
	default:
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit session: %w", err)
	}
	return sess, nil
}

func (s *Store) DeactivateSession(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = 0 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

func (s *Store) AppendSessionEntry(ctx context.Context, entry domain.SessionEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO session_entries(session_id, role, content, user_id, username, tokens, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, string(entry.Role), entry.Content, entry.UserID, entry.Username,
		entry.Tokens, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("append session entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session entry id: %w", err)
	}
	return id, nil
}

func (s *Store) ListSessionEntries(ctx context.Context, sessionID int64, limit int) ([]domain.SessionEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, role, content, user_id, username, tokens, created_at
		FROM session_entries
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list session entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SessionEntry, 0, limit)
	for rows.Next() {
		var e domain.SessionEntry
		var role string
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &role, &e.Content, &e.UserID, &e.Username, &e.Tokens, &created); err != nil {
			return nil, fmt.Errorf("scan session entry: %w", err)
		}
		e.Role = domain.EntryRole(role)
		e.CreatedAt = unixToTime(created)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session entries: %w", err)
	}
	return result, nil
}

func (s *Store) UpsertRole(ctx context.Context, role domain.SpecialRole) error {
	tools, err := json.Marshal(role.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}
	skills, err := json.Marshal(role.AllowedSkills)
	if err != nil {
		return fmt.Errorf("marshal allowed skills: %w", err)
	}
	now := time.Now().UTC().Unix()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO special_roles(name, allowed_tools, allowed_skills, description, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			allowed_tools = excluded.allowed_tools,
			allowed_skills = excluded.allowed_skills,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		role.Name, string(tools), string(skills), role.Description, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, name string) (domain.SpecialRole, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT name, allowed_tools, allowed_skills, description, created_at, updated_at
		FROM special_roles WHERE name = ?`,
		name,
	)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SpecialRole{}, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return domain.SpecialRole{}, fmt.Errorf("get role: %w", err)
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]domain.SpecialRole, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, allowed_tools, allowed_skills, description, created_at, updated_at
		FROM special_roles ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SpecialRole, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return result, nil
}

func (s *Store) DeleteRole(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM special_roles WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete role affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *Store) AssignRole(ctx context.Context, channelType, userID, roleName string) (domain.SpecialRoleAssignment, error) {
	if _, err := s.GetRole(ctx, roleName); err != nil {
		return domain.SpecialRoleAssignment{}, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO role_assignments(channel_type, user_id, role_name, created_at)
		VALUES(?, ?, ?, ?)`,
		channelType, userID, roleName, now.Unix(),
	)
	if err != nil {
		return domain.SpecialRoleAssignment{}, fmt.Errorf("assign role: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.SpecialRoleAssignment{}, fmt.Errorf("assignment id: %w", err)
	}
	return domain.SpecialRoleAssignment{
		ID:          id,
		ChannelType: channelType,
		UserID:      userID,
		RoleName:    roleName,
		CreatedAt:   now,
	}, nil
}

func (s *Store) UnassignRole(ctx context.Context, channelType, userID, roleName string) error {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM role_assignments WHERE channel_type = ? AND user_id = ? AND role_name = ?`,
		channelType, userID, roleName,
	)
	if err != nil {
		return fmt.Errorf("unassign role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unassign affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("assignment: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) ListRolesForUser(ctx context.Context, channelType, userID string) ([]domain.SpecialRole, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT r.name, r.allowed_tools, r.allowed_skills, r.description, r.created_at, r.updated_at
		FROM role_assignments a
		JOIN special_roles r ON r.name = a.role_name
		WHERE a.channel_type = ? AND a.user_id = ?
		ORDER BY r.name ASC`,
		channelType, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list roles for user: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SpecialRole, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user roles: %w", err)
	}
	return result, nil
}

func (s *Store) SaveExecutionNode(ctx context.Context, node domain.ExecutionNode) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO execution_nodes(
			id, parent_id, kind, status, label, channel_type, channel_id,
			started_at, ended_at, tools_count, tokens_used, last_error
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			tools_count = excluded.tools_count,
			tokens_used = excluded.tokens_used,
			last_error = excluded.last_error`,
		node.ID, node.ParentID, string(node.Kind), string(node.Status), node.Label,
		node.ChannelType, node.ChannelID, node.StartedAt.Unix(), nullableUnix(node.EndedAt),
		node.ToolsCount, node.TokensUsed, node.LastError,
	)
	if err != nil {
		return fmt.Errorf("save execution node: %w", err)
	}
	return nil
}

func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionNode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, parent_id, kind, status, label, channel_type, channel_id,
			started_at, ended_at, tools_count, tokens_used, last_error
		FROM execution_nodes
		WHERE kind = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		string(domain.NodeKindExecution), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *Store) ListChildNodes(ctx context.Context, parentID string) ([]domain.ExecutionNode, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, parent_id, kind, status, label, channel_type, channel_id,
			started_at, ended_at, tools_count, tokens_used, last_error
		FROM execution_nodes
		WHERE parent_id = ?
		ORDER BY started_at ASC, id ASC`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list child nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (domain.SpecialRole, error) {
	var role domain.SpecialRole
	var tools, skills string
	var created, updated int64
	if err := row.Scan(&role.Name, &tools, &skills, &role.Description, &created, &updated); err != nil {
		return domain.SpecialRole{}, err
	}
	if err := json.Unmarshal([]byte(tools), &role.AllowedTools); err != nil {
		return domain.SpecialRole{}, fmt.Errorf("parse allowed tools: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &role.AllowedSkills); err != nil {
		return domain.SpecialRole{}, fmt.Errorf("parse allowed skills: %w", err)
	}
	role.CreatedAt = unixToTime(created)
	role.UpdatedAt = unixToTime(updated)
	return role, nil
}

func scanNodes(rows *sql.Rows) ([]domain.ExecutionNode, error) {
	result := make([]domain.ExecutionNode, 0)
	for rows.Next() {
		var n domain.ExecutionNode
		var kind, status string
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(
			&n.ID, &n.ParentID, &kind, &status, &n.Label, &n.ChannelType, &n.ChannelID,
			&started, &ended, &n.ToolsCount, &n.TokensUsed, &n.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan execution node: %w", err)
		}
		n.Kind = domain.NodeKind(kind)
		n.Status = domain.NodeStatus(status)
		n.StartedAt = unixToTime(started)
		n.EndedAt = int64ToTimePtr(ended)
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution nodes: %w", err)
	}
	return result, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
