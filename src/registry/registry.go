// Package registry implements §4.C: a durable, ACID key-value table of
// Sessions with write-ahead logging, additive schema migrations, and
// indexes on status and mux_name.
//
// Grounded on ehrlich-b-wingthing's internal/store/store.go (sqlite opened
// with PRAGMA journal_mode=WAL, embedded migration files applied on open)
// generalized from that package's agent/task tables to the Session schema
// of spec.md §3.
package registry

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/termfabric/sessionfabric/src/wire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind and Backend mirror §3's enumerations.
type Kind string
type Backend string
type Status string

const (
	KindShell Kind = "shell"
	KindAgent Kind = "agent"

	BackendDirectPTY Backend = "direct_pty"
	BackendMuxed      Backend = "muxed"

	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Session is the primary entity of §3.
type Session struct {
	ID              string
	Name            string
	WorkspacePath   string
	Kind            Kind
	Backend         Backend
	MuxName         string
	Status          Status
	SkipPermissions bool
	AgentResumeID   string
	AgentArgs       []string
	CreatedAt       time.Time
	LastActivity    time.Time
}

// Registry is the sole owner of durable session state (§3 Ownership).
type Registry struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite-backed registry at path,
// enables WAL mode, and applies the additive migration list idempotently.
// The engine's own WAL/recovery files are never deleted on open — sqlite
// recovers them automatically (§4.C).
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return r, nil
}

// Close performs a final checkpoint and closes the database.
func (r *Registry) Close() error {
	_, _ = r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return r.db.Close()
}

func (r *Registry) migrate() error {
	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		if err := r.applyMigration(f, string(content)); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one migration file's statements inside a
// transaction. Additive "ALTER TABLE ... ADD COLUMN" statements are
// wrapped so that a "duplicate column name" failure (the column already
// exists, e.g. from a registry file created by a newer binary and then
// opened by an older one mid-rollout) is silently absorbed rather than
// failing the whole migration (§4.C).
func (r *Registry) applyMigration(name, sqlText string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", name, err)
	}

	for _, stmt := range splitStatements(sqlText) {
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			if isAddColumnStatement(stmt) && isDuplicateColumnErr(err) {
				continue
			}
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func splitStatements(sqlText string) []string {
	var out []string
	for _, raw := range strings.Split(sqlText, ";") {
		var kept []string
		for _, l := range strings.Split(raw, "\n") {
			if strings.HasPrefix(strings.TrimSpace(l), "--") {
				continue
			}
			kept = append(kept, l)
		}
		line := strings.TrimSpace(strings.Join(kept, "\n"))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isAddColumnStatement(stmt string) bool {
	upper := strings.ToUpper(stmt)
	return strings.Contains(upper, "ALTER TABLE") && strings.Contains(upper, "ADD COLUMN")
}

func isDuplicateColumnErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

const sessionColumns = `id, name, workspace_path, kind, backend, mux_name, status, skip_permissions, agent_resume_id, agent_args, created_at, last_activity`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var createdAt, lastActivity, agentArgsJSON string
	var skipPerm int
	err := row.Scan(&s.ID, &s.Name, &s.WorkspacePath, &s.Kind, &s.Backend, &s.MuxName, &s.Status, &skipPerm, &s.AgentResumeID, &agentArgsJSON, &createdAt, &lastActivity)
	if err != nil {
		return Session{}, err
	}
	s.SkipPermissions = skipPerm != 0
	if agentArgsJSON != "" {
		_ = wire.JSON.Unmarshal([]byte(agentArgsJSON), &s.AgentArgs)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.LastActivity, _ = time.Parse(time.RFC3339, lastActivity)
	return s, nil
}

// Create inserts a new Session row. The caller assigns ID, CreatedAt, and
// LastActivity before calling (the Session Manager API normalizes these).
func (r *Registry) Create(s Session) error {
	agentArgsJSON, err := wire.JSON.Marshal(s.AgentArgs)
	if err != nil {
		return fmt.Errorf("encode agent args for %s: %w", s.ID, err)
	}
	_, err = r.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.WorkspacePath, string(s.Kind), string(s.Backend), s.MuxName, string(s.Status),
		boolToInt(s.SkipPermissions), s.AgentResumeID, string(agentArgsJSON),
		s.CreatedAt.UTC().Format(time.RFC3339), s.LastActivity.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return nil
}

// Get returns a Session by id, or (Session{}, false, nil) if absent.
func (r *Registry) Get(id string) (Session, bool, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, true, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() ([]Session, error) {
	rows, err := r.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByStatus returns sessions with the given status, using the status index.
func (r *Registry) ListByStatus(status Status) ([]Session, error) {
	rows, err := r.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetByMuxName looks up a session by its multiplexer session name, using
// the mux_name index (§3 invariant: unique across muxed sessions).
func (r *Registry) GetByMuxName(muxName string) (Session, bool, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE mux_name = ?`, muxName)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session by mux_name %s: %w", muxName, err)
	}
	return s, true, nil
}

// UpdateStatus sets a session's status.
func (r *Registry) UpdateStatus(id string, status Status) error {
	res, err := r.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// UpdateActivity sets last_activity to at. Callers are expected to
// coalesce calls to at most once per second per session (§4.D).
func (r *Registry) UpdateActivity(id string, at time.Time) error {
	res, err := r.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update activity for %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Rename updates a session's display name.
func (r *Registry) Rename(id, name string) error {
	res, err := r.db.Exec(`UPDATE sessions SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename session %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Delete removes a session row. Idempotent: deleting an absent id is not an error.
func (r *Registry) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// DowngradeAllDirectPTYToStopped marks every direct_pty session currently
// running|idle as stopped. Called once by the Reconciler at boot (§3, §4.H
// step 1, §8 invariant): a fresh SM process cannot hold a PTY fd from a
// prior run.
func (r *Registry) DowngradeAllDirectPTYToStopped() (int64, error) {
	res, err := r.db.Exec(
		`UPDATE sessions SET status = ? WHERE backend = ? AND status IN (?, ?)`,
		string(StatusStopped), string(BackendDirectPTY), string(StatusRunning), string(StatusIdle),
	)
	if err != nil {
		return 0, fmt.Errorf("downgrade direct_pty sessions: %w", err)
	}
	return res.RowsAffected()
}

// StripRecoveredSuffix removes the historical " (recovered)" suffix from
// every session name that carries it (§4.H step 5).
func (r *Registry) StripRecoveredSuffix() error {
	const suffix = " (recovered)"
	rows, err := r.db.Query(`SELECT id, name FROM sessions WHERE name LIKE '%' || ?`, suffix)
	if err != nil {
		return fmt.Errorf("scan names for recovered suffix: %w", err)
	}
	type pair struct{ id, name string }
	var toFix []pair
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return fmt.Errorf("scan recovered name: %w", err)
		}
		toFix = append(toFix, pair{id, name})
	}
	rows.Close()

	for _, p := range toFix {
		trimmed := strings.TrimSuffix(p.name, suffix)
		if err := r.Rename(p.id, trimmed); err != nil {
			return err
		}
	}
	return nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
