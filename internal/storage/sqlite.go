package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite in WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL commits ordered; readers share the same handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath, now: time.Now}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fragments (
		id          TEXT PRIMARY KEY,
		message_id  TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
		title       TEXT NOT NULL DEFAULT '',
		sandbox_url TEXT NOT NULL DEFAULT '',
		sandbox_id  TEXT NOT NULL DEFAULT '',
		files       TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner, updated_at);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, owner, name string) (Project, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Project{}, errors.New("project owner is empty")
	}
	if strings.TrimSpace(name) == "" {
		name = NewProjectName()
	}
	now := s.now().UTC()
	p := Project{ID: newID(), Owner: owner, Name: name, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Owner, p.Name, formatTime(now), formatTime(now))
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, created_at, updated_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) ListProjects(ctx context.Context, owner string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, created_at, updated_at FROM projects
		WHERE owner = ? ORDER BY updated_at DESC, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`,
		formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Messages and fragments ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message, frag *Fragment) (Message, error) {
	if strings.TrimSpace(msg.ProjectID) == "" {
		return Message{}, errors.New("message project id is empty")
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, string(msg.Role), string(msg.Kind), msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if frag != nil {
		f := *frag
		if f.ID == "" {
			f.ID = newID()
		}
		f.MessageID = msg.ID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = msg.CreatedAt
		}
		if f.Files == nil {
			f.Files = map[string]string{}
		}
		files, err := json.Marshal(f.Files)
		if err != nil {
			return Message{}, fmt.Errorf("marshal fragment files: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fragments (id, message_id, title, sandbox_url, sandbox_id, files, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.MessageID, f.Title, f.SandboxURL, f.SandboxID, string(files), formatTime(f.CreatedAt))
		if err != nil {
			return Message{}, fmt.Errorf("insert fragment: %w", err)
		}
		msg.Fragment = &f
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, projectID string, kinds []Kind, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT id, project_id, role, kind, content, created_at FROM messages WHERE project_id = ?`
	args := []any{projectID}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",") + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, projectID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.project_id, m.role, m.kind, m.content, m.created_at,
		       f.id, f.title, f.sandbox_url, f.sandbox_id, f.files, f.created_at
		FROM messages m LEFT JOIN fragments f ON f.message_id = m.id
		WHERE m.project_id = ? ORDER BY m.seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                                  Message
			role, kind, created                string
			fID, fTitle, fURL, fSandbox, fFile sql.NullString
			fCreated                           sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &role, &kind, &m.Content, &created,
			&fID, &fTitle, &fURL, &fSandbox, &fFile, &fCreated); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role, m.Kind, m.CreatedAt = Role(role), Kind(kind), parseTime(created)
		if fID.Valid {
			f := Fragment{
				ID:         fID.String,
				MessageID:  m.ID,
				Title:      fTitle.String,
				SandboxURL: fURL.String,
				SandboxID:  fSandbox.String,
				CreatedAt:  parseTime(fCreated.String),
			}
			if err := json.Unmarshal([]byte(fFile.String), &f.Files); err != nil {
				return nil, fmt.Errorf("decode fragment files: %w", err)
			}
			m.Fragment = &f
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestFragment(ctx context.Context, projectID string) (Fragment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.message_id, f.title, f.sandbox_url, f.sandbox_id, f.files, f.created_at
		FROM fragments f JOIN messages m ON m.id = f.message_id
		WHERE m.project_id = ? ORDER BY m.seq DESC LIMIT 1`, projectID)

	var (
		f              Fragment
		files, created string
	)
	err := row.Scan(&f.ID, &f.MessageID, &f.Title, &f.SandboxURL, &f.SandboxID, &files, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Fragment{}, false, nil
	}
	if err != nil {
		return Fragment{}, false, fmt.Errorf("latest fragment: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &f.Files); err != nil {
		return Fragment{}, false, fmt.Errorf("decode fragment files: %w", err)
	}
	f.CreatedAt = parseTime(created)
	return f, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		p                Project
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.Owner, &p.Name, &created, &updated); err != nil {
		return Project{}, err
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return p, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                   Message
		role, kind, created string
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &role, &kind, &m.Content, &created); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Role, m.Kind, m.CreatedAt = Role(role), Kind(kind), parseTime(created)
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
