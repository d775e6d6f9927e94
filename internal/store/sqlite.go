package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using the embedded SQLite engine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite store and runs migrations. When ci is
// set the pool is reduced to a single connection, which sidesteps the lock
// contention ephemeral in-memory databases exhibit under parallel tests.
func NewSQLite(dsn string, ci bool) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrUnavailable, err)
	}
	if inMemory || ci {
		db.SetMaxOpenConns(1)
	}

	// WAL for concurrent readers alongside the single writer; foreign keys
	// for the session cascade; busy timeout before SQLITE_BUSY surfaces.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

type migration struct {
	version int
	stmts   []string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				purpose TEXT NOT NULL,
				created_by TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				metadata TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				sender TEXT NOT NULL,
				content TEXT NOT NULL,
				visibility TEXT NOT NULL DEFAULT 'public',
				message_type TEXT NOT NULL DEFAULT 'agent_response',
				metadata TEXT NOT NULL DEFAULT '',
				timestamp TEXT NOT NULL,
				parent_message_id INTEGER REFERENCES messages(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, timestamp, id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)`,
			`CREATE TABLE IF NOT EXISTS agent_memory (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id TEXT NOT NULL,
				session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				expires_at TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_memory_scope_key
				ON agent_memory(agent_id, COALESCE(session_id, ''), key)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_memory_expires
				ON agent_memory(expires_at) WHERE expires_at IS NOT NULL`,
			`CREATE TABLE IF NOT EXISTS secure_tokens (
				token_id TEXT PRIMARY KEY,
				encrypted_jwt BLOB NOT NULL,
				agent_id TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_secure_tokens_expires ON secure_tokens(expires_at)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				event_type TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				session_id TEXT NOT NULL DEFAULT '',
				resource TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL DEFAULT '',
				result TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_type_time ON audit_log(event_type, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_agent ON audit_log(agent_id)`,
		},
	},
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`,
	); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w\n  SQL: %s", m.version, err, stmt)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// classifySQLiteErr maps driver failures onto the store sentinels. modernc
// surfaces SQLite result codes in the error text.
func classifySQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "SQLITE_LOCKED"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	meta, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, created_by, created_at, updated_at, is_active, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Purpose, sess.CreatedBy,
		FormatTime(sess.CreatedAt), FormatTime(sess.UpdatedAt), sess.IsActive, meta,
	)
	return classifySQLiteErr(err)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, purpose, created_by, created_at, updated_at, is_active, metadata
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, classifySQLiteErr(err)
}

func (s *SQLiteStore) ListSessionsForAgent(ctx context.Context, agentID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.purpose, s.created_by, s.created_at, s.updated_at, s.is_active, s.metadata
		 FROM sessions s
		 WHERE s.created_by = ?
		    OR EXISTS (SELECT 1 FROM messages m WHERE m.session_id = s.id AND m.sender = ?)
		 ORDER BY s.updated_at DESC
		 LIMIT ? OFFSET ?`,
		agentID, agentID, limit, offset,
	)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, FormatTime(at), id)
	return classifySQLiteErr(err)
}

func (s *SQLiteStore) SetSessionActive(ctx context.Context, id string, active bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, FormatTime(at), id)
	return classifySQLiteErr(err)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	// Messages and session-scoped memory go with it via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classifySQLiteErr(err)
}

func (s *SQLiteStore) ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, purpose, created_by, created_at, updated_at, is_active, metadata
		 FROM sessions WHERE is_active = 1 AND updated_at < ?
		 ORDER BY updated_at`,
		FormatTime(cutoff),
	)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySQLiteErr(err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, sender, content, visibility, message_type, metadata, timestamp, parent_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		msg.SessionID, msg.Sender, msg.Content, msg.Visibility, msg.MessageType,
		meta, FormatTime(msg.Timestamp), nullableID(msg.ParentMessageID),
	).Scan(&id)
	if err != nil {
		return 0, classifySQLiteErr(err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		FormatTime(msg.Timestamp), msg.SessionID)
	if err != nil {
		return 0, classifySQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, classifySQLiteErr(err)
	} else if n == 0 {
		return 0, fmt.Errorf("%w: session %s", ErrNotFound, msg.SessionID)
	}

	if err := tx.Commit(); err != nil {
		return 0, classifySQLiteErr(err)
	}
	msg.ID = id
	return id, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, sender, content, visibility, message_type, metadata, timestamp, parent_message_id
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, classifySQLiteErr(err)
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, q MessageQuery) ([]Message, error) {
	query := `SELECT id, session_id, sender, content, visibility, message_type, metadata, timestamp, parent_message_id
	          FROM messages WHERE session_id = ?`
	args := []any{sessionID}

	// Visibility prefilter; engine code re-checks each returned row.
	if !q.Admin {
		query += ` AND (visibility = 'public' OR (sender = ? AND visibility IN ('private', 'agent_only', 'admin_only')))`
		args = append(args, q.CallerID)
	}
	if q.Visibility != "" {
		query += ` AND visibility = ?`
		args = append(args, q.Visibility)
	}
	if q.UseCursor {
		query += ` AND (timestamp, id) > (?, ?)`
		args = append(args, FormatTime(q.AfterTime), q.AfterID)
	}

	query += ` ORDER BY timestamp, id`

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if !q.UseCursor && q.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classifySQLiteErr(err)
		}
		messages = append(messages, *m)
	}
	return messages, classifySQLiteErr(rows.Err())
}

// --- Agent memory ---

func (s *SQLiteStore) UpsertMemory(ctx context.Context, entry *MemoryEntry, overwrite bool) error {
	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteErr(err)
	}
	defer tx.Rollback()

	scopeCond, scopeArgs := memoryScopeCond(entry.SessionID)
	var (
		existingID      int64
		existingCreated string
		existingExpires sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, expires_at FROM agent_memory
		 WHERE agent_id = ? AND key = ? AND `+scopeCond,
		append([]any{entry.AgentID, entry.Key}, scopeArgs...)...,
	).Scan(&existingID, &existingCreated, &existingExpires)

	switch {
	case err == sql.ErrNoRows:
		err = tx.QueryRowContext(ctx,
			`INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 RETURNING id`,
			entry.AgentID, nullableString(entry.SessionID), entry.Key, entry.Value, meta,
			FormatTime(entry.CreatedAt), FormatTime(entry.UpdatedAt), nullableTimeArg(entry.ExpiresAt),
		).Scan(&entry.ID)
		if err != nil {
			return classifySQLiteErr(err)
		}
	case err != nil:
		return classifySQLiteErr(err)
	default:
		live := true
		if existingExpires.Valid {
			expires, perr := ParseTime(existingExpires.String)
			if perr != nil {
				return perr
			}
			live = expires.After(entry.UpdatedAt)
		}
		if live && !overwrite {
			return fmt.Errorf("%w: key %q exists", ErrConflict, entry.Key)
		}
		createdAt := FormatTime(entry.CreatedAt)
		if live {
			// Overwriting a live record keeps its original creation time.
			createdAt = existingCreated
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_memory SET value = ?, metadata = ?, created_at = ?, updated_at = ?, expires_at = ?
			 WHERE id = ?`,
			entry.Value, meta, createdAt, FormatTime(entry.UpdatedAt),
			nullableTimeArg(entry.ExpiresAt), existingID,
		); err != nil {
			return classifySQLiteErr(err)
		}
		entry.ID = existingID
		created, perr := ParseTime(createdAt)
		if perr != nil {
			return perr
		}
		entry.CreatedAt = created
	}

	return classifySQLiteErr(tx.Commit())
}

func (s *SQLiteStore) GetMemory(ctx context.Context, agentID, key string, sessionID *string) (*MemoryEntry, error) {
	scopeCond, scopeArgs := memoryScopeCond(sessionID)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at
		 FROM agent_memory WHERE agent_id = ? AND key = ? AND `+scopeCond,
		append([]any{agentID, key}, scopeArgs...)...,
	)
	entry, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, classifySQLiteErr(err)
}

func (s *SQLiteStore) ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	query := `SELECT id, agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at
	          FROM agent_memory WHERE agent_id = ?`
	args := []any{q.AgentID}

	switch q.Scope {
	case ScopeGlobal:
		query += ` AND session_id IS NULL`
	case ScopeSession:
		query += ` AND session_id = ?`
		args = append(args, nullableString(q.SessionID))
	case ScopeAll:
		// No scope restriction.
	}
	if q.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	if !q.Now.IsZero() {
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, FormatTime(q.Now))
	}

	query += ` ORDER BY key`
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, classifySQLiteErr(err)
		}
		entries = append(entries, *e)
	}
	return entries, classifySQLiteErr(rows.Err())
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, agentID, key string, sessionID *string) (bool, error) {
	scopeCond, scopeArgs := memoryScopeCond(sessionID)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE agent_id = ? AND key = ? AND `+scopeCond,
		append([]any{agentID, key}, scopeArgs...)...,
	)
	if err != nil {
		return false, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classifySQLiteErr(err)
}

func (s *SQLiteStore) SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at < ?`,
		FormatTime(now),
	)
	if err != nil {
		return 0, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return n, classifySQLiteErr(err)
}

// --- Secure tokens ---

func (s *SQLiteStore) InsertToken(ctx context.Context, tok *SecureToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secure_tokens (token_id, encrypted_jwt, agent_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tok.TokenID, tok.EncryptedJWT, tok.AgentID,
		FormatTime(tok.ExpiresAt), FormatTime(tok.CreatedAt),
	)
	return classifySQLiteErr(err)
}

func (s *SQLiteStore) GetToken(ctx context.Context, tokenID string) (*SecureToken, error) {
	var (
		tok                 SecureToken
		expiresAt, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, encrypted_jwt, agent_id, expires_at, created_at
		 FROM secure_tokens WHERE token_id = ?`, tokenID,
	).Scan(&tok.TokenID, &tok.EncryptedJWT, &tok.AgentID, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	if tok.ExpiresAt, err = ParseTime(expiresAt); err != nil {
		return nil, err
	}
	if tok.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *SQLiteStore) ReplaceToken(ctx context.Context, oldID string, fresh *SecureToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM secure_tokens WHERE token_id = ?`, oldID)
	if err != nil {
		return classifySQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classifySQLiteErr(err)
	} else if n == 0 {
		return fmt.Errorf("%w: token already replaced", ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO secure_tokens (token_id, encrypted_jwt, agent_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		fresh.TokenID, fresh.EncryptedJWT, fresh.AgentID,
		FormatTime(fresh.ExpiresAt), FormatTime(fresh.CreatedAt),
	); err != nil {
		return classifySQLiteErr(err)
	}

	return classifySQLiteErr(tx.Commit())
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secure_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return false, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classifySQLiteErr(err)
}

func (s *SQLiteStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secure_tokens WHERE expires_at < ?`, FormatTime(now))
	if err != nil {
		return 0, classifySQLiteErr(err)
	}
	n, err := res.RowsAffected()
	return n, classifySQLiteErr(err)
}

// --- Audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	meta, err := encodeMetadata(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, event_type, agent_id, session_id, resource, action, result, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		FormatTime(event.Timestamp), event.EventType, event.AgentID,
		event.SessionID, event.Resource, event.Action, event.Result, meta,
	)
	return classifySQLiteErr(err)
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, timestamp, event_type, agent_id, session_id, resource, action, result, metadata
	          FROM audit_log WHERE 1=1`
	var args []any

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, FormatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, FormatTime(filter.Until))
	}

	query += ` ORDER BY timestamp DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr(err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e    AuditEvent
			ts   string
			meta string
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.AgentID, &e.SessionID,
			&e.Resource, &e.Action, &e.Result, &meta); err != nil {
			return nil, classifySQLiteErr(err)
		}
		if e.Timestamp, err = ParseTime(ts); err != nil {
			return nil, err
		}
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, classifySQLiteErr(rows.Err())
}

// --- Row scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess                 Session
		createdAt, updatedAt string
		meta                 string
	)
	if err := sc.Scan(&sess.ID, &sess.Purpose, &sess.CreatedBy,
		&createdAt, &updatedAt, &sess.IsActive, &meta); err != nil {
		return nil, err
	}
	var err error
	if sess.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if sess.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classifySQLiteErr(err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, classifySQLiteErr(rows.Err())
}

func scanMessage(sc scanner) (*Message, error) {
	var (
		m      Message
		meta   string
		ts     string
		parent sql.NullInt64
	)
	if err := sc.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content,
		&m.Visibility, &m.MessageType, &meta, &ts, &parent); err != nil {
		return nil, err
	}
	var err error
	if m.Timestamp, err = ParseTime(ts); err != nil {
		return nil, err
	}
	if m.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if parent.Valid {
		m.ParentMessageID = &parent.Int64
	}
	return &m, nil
}

func scanMemory(sc scanner) (*MemoryEntry, error) {
	var (
		e                    MemoryEntry
		sessionID            sql.NullString
		meta                 string
		createdAt, updatedAt string
		expiresAt            sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.AgentID, &sessionID, &e.Key, &e.Value,
		&meta, &createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if sessionID.Valid {
		e.SessionID = &sessionID.String
	}
	var err error
	if e.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t, err := ParseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		e.ExpiresAt = &t
	}
	return &e, nil
}

// memoryScopeCond renders the session-scope predicate for a nullable scope.
func memoryScopeCond(sessionID *string) (string, []any) {
	if sessionID == nil {
		return `session_id IS NULL`, nil
	}
	return `session_id = ?`, []any{*sessionID}
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// escapeLike escapes LIKE wildcards in a user-supplied prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
