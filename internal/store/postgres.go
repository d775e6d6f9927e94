package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrUnavailable, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

var postgresMigrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				purpose TEXT NOT NULL,
				created_by TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				metadata TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				sender TEXT NOT NULL,
				content TEXT NOT NULL,
				visibility TEXT NOT NULL DEFAULT 'public',
				message_type TEXT NOT NULL DEFAULT 'agent_response',
				metadata TEXT NOT NULL DEFAULT '',
				timestamp TIMESTAMPTZ NOT NULL,
				parent_message_id BIGINT REFERENCES messages(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, timestamp, id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)`,
			`CREATE TABLE IF NOT EXISTS agent_memory (
				id BIGSERIAL PRIMARY KEY,
				agent_id TEXT NOT NULL,
				session_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_memory_scope_key
				ON agent_memory(agent_id, COALESCE(session_id, ''), key)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_memory_expires
				ON agent_memory(expires_at) WHERE expires_at IS NOT NULL`,
			`CREATE TABLE IF NOT EXISTS secure_tokens (
				token_id TEXT PRIMARY KEY,
				encrypted_jwt BYTEA NOT NULL,
				agent_id TEXT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_secure_tokens_expires ON secure_tokens(expires_at)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id BIGSERIAL PRIMARY KEY,
				timestamp TIMESTAMPTZ NOT NULL,
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

func (s *PostgresStore) migrate() error {
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

	for _, m := range postgresMigrations {
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
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// classifyPostgresErr maps SQLSTATE classes onto the store sentinels.
func classifyPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization failure, deadlock
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case pgErr.Code == "23505": // unique_violation
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case pgErr.Code == "23503": // foreign_key_violation
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exceptions
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	meta, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, created_by, created_at, updated_at, is_active, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.Purpose, sess.CreatedBy, sess.CreatedAt, sess.UpdatedAt, sess.IsActive, meta,
	)
	return classifyPostgresErr(err)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess Session
		meta string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, purpose, created_by, created_at, updated_at, is_active, metadata
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Purpose, &sess.CreatedBy, &sess.CreatedAt, &sess.UpdatedAt, &sess.IsActive, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	if sess.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessionsForAgent(ctx context.Context, agentID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.purpose, s.created_by, s.created_at, s.updated_at, s.is_active, s.metadata
		 FROM sessions s
		 WHERE s.created_by = $1
		    OR EXISTS (SELECT 1 FROM messages m WHERE m.session_id = s.id AND m.sender = $1)
		 ORDER BY s.updated_at DESC
		 LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	defer func() { _ = rows.Close() }()
	return s.collectSessions(rows)
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2`, at, id)
	return classifyPostgresErr(err)
}

func (s *PostgresStore) SetSessionActive(ctx context.Context, id string, active bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = $1, updated_at = $2 WHERE id = $3`, active, at, id)
	return classifyPostgresErr(err)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, classifyPostgresErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classifyPostgresErr(err)
}

func (s *PostgresStore) ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, purpose, created_by, created_at, updated_at, is_active, metadata
		 FROM sessions WHERE is_active = TRUE AND updated_at < $1
		 ORDER BY updated_at`,
		cutoff,
	)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	defer func() { _ = rows.Close() }()
	return s.collectSessions(rows)
}

func (s *PostgresStore) collectSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		var (
			sess Session
			meta string
		)
		if err := rows.Scan(&sess.ID, &sess.Purpose, &sess.CreatedBy,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.IsActive, &meta); err != nil {
			return nil, classifyPostgresErr(err)
		}
		sess.CreatedAt = sess.CreatedAt.UTC()
		sess.UpdatedAt = sess.UpdatedAt.UTC()
		var err error
		if sess.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, classifyPostgresErr(rows.Err())
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyPostgresErr(err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, sender, content, visibility, message_type, metadata, timestamp, parent_message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		msg.SessionID, msg.Sender, msg.Content, msg.Visibility, msg.MessageType,
		meta, msg.Timestamp, msg.ParentMessageID,
	).Scan(&id)
	if err != nil {
		return 0, classifyPostgresErr(err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2`, msg.Timestamp, msg.SessionID)
	if err != nil {
		return 0, classifyPostgresErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, classifyPostgresErr(err)
	} else if n == 0 {
		return 0, fmt.Errorf("%w: session %s", ErrNotFound, msg.SessionID)
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyPostgresErr(err)
	}
	msg.ID = id
	return id, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var (
		m      Message
		meta   string
		parent sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, sender, content, visibility, message_type, metadata, timestamp, parent_message_id
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.Visibility, &m.MessageType, &meta, &m.Timestamp, &parent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	m.Timestamp = m.Timestamp.UTC()
	if m.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if parent.Valid {
		m.ParentMessageID = &parent.Int64
	}
	return &m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, q MessageQuery) ([]Message, error) {
	query := `SELECT id, session_id, sender, content, visibility, message_type, metadata, timestamp, parent_message_id
	          FROM messages WHERE session_id = $1`
	args := []any{sessionID}
	argN := 2

	if !q.Admin {
		query += fmt.Sprintf(" AND (visibility = 'public' OR (sender = $%d AND visibility IN ('private', 'agent_only', 'admin_only')))", argN)
		args = append(args, q.CallerID)
		argN++
	}
	if q.Visibility != "" {
		query += fmt.Sprintf(" AND visibility = $%d", argN)
		args = append(args, q.Visibility)
		argN++
	}
	if q.UseCursor {
		query += fmt.Sprintf(" AND (timestamp, id) > ($%d, $%d)", argN, argN+1)
		args = append(args, q.AfterTime, q.AfterID)
		argN += 2
	}

	query += " ORDER BY timestamp, id"

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++
	if !q.UseCursor && q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var (
			m      Message
			meta   string
			parent sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content,
			&m.Visibility, &m.MessageType, &meta, &m.Timestamp, &parent); err != nil {
			return nil, classifyPostgresErr(err)
		}
		m.Timestamp = m.Timestamp.UTC()
		if m.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if parent.Valid {
			m.ParentMessageID = &parent.Int64
		}
		messages = append(messages, m)
	}
	return messages, classifyPostgresErr(rows.Err())
}

// --- Agent memory ---

func (s *PostgresStore) UpsertMemory(ctx context.Context, entry *MemoryEntry, overwrite bool) error {
	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresErr(err)
	}
	defer tx.Rollback()

	scopeCond := "session_id IS NULL"
	scopeArgs := []any{entry.AgentID, entry.Key}
	if entry.SessionID != nil {
		scopeCond = "session_id = $3"
		scopeArgs = append(scopeArgs, *entry.SessionID)
	}

	var (
		existingID      int64
		existingCreated time.Time
		existingExpires sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, expires_at FROM agent_memory
		 WHERE agent_id = $1 AND key = $2 AND `+scopeCond,
		scopeArgs...,
	).Scan(&existingID, &existingCreated, &existingExpires)

	switch {
	case err == sql.ErrNoRows:
		err = tx.QueryRowContext(ctx,
			`INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			entry.AgentID, entry.SessionID, entry.Key, entry.Value, meta,
			entry.CreatedAt, entry.UpdatedAt, entry.ExpiresAt,
		).Scan(&entry.ID)
		if err != nil {
			return classifyPostgresErr(err)
		}
	case err != nil:
		return classifyPostgresErr(err)
	default:
		live := !existingExpires.Valid || existingExpires.Time.After(entry.UpdatedAt)
		if live && !overwrite {
			return fmt.Errorf("%w: key %q exists", ErrConflict, entry.Key)
		}
		createdAt := entry.CreatedAt
		if live {
			// Overwriting a live record keeps its original creation time.
			createdAt = existingCreated.UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_memory SET value = $1, metadata = $2, created_at = $3, updated_at = $4, expires_at = $5
			 WHERE id = $6`,
			entry.Value, meta, createdAt, entry.UpdatedAt, entry.ExpiresAt, existingID,
		); err != nil {
			return classifyPostgresErr(err)
		}
		entry.ID = existingID
		entry.CreatedAt = createdAt
	}

	return classifyPostgresErr(tx.Commit())
}

func (s *PostgresStore) GetMemory(ctx context.Context, agentID, key string, sessionID *string) (*MemoryEntry, error) {
	scopeCond := "session_id IS NULL"
	args := []any{agentID, key}
	if sessionID != nil {
		scopeCond = "session_id = $3"
		args = append(args, *sessionID)
	}

	var (
		e         MemoryEntry
		sid       sql.NullString
		meta      string
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at
		 FROM agent_memory WHERE agent_id = $1 AND key = $2 AND `+scopeCond,
		args...,
	).Scan(&e.ID, &e.AgentID, &sid, &e.Key, &e.Value, &meta, &e.CreatedAt, &e.UpdatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	if sid.Valid {
		e.SessionID = &sid.String
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (s *PostgresStore) ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error) {
	query := `SELECT id, agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at
	          FROM agent_memory WHERE agent_id = $1`
	args := []any{q.AgentID}
	argN := 2

	switch q.Scope {
	case ScopeGlobal:
		query += " AND session_id IS NULL"
	case ScopeSession:
		query += fmt.Sprintf(" AND session_id = $%d", argN)
		args = append(args, q.SessionID)
		argN++
	case ScopeAll:
		// No scope restriction.
	}
	if q.Prefix != "" {
		query += fmt.Sprintf(` AND key LIKE $%d ESCAPE '\'`, argN)
		args = append(args, escapeLike(q.Prefix)+"%")
		argN++
	}
	if !q.Now.IsZero() {
		query += fmt.Sprintf(" AND (expires_at IS NULL OR expires_at > $%d)", argN)
		args = append(args, q.Now)
		argN++
	}

	query += " ORDER BY key"
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []MemoryEntry
	for rows.Next() {
		var (
			e         MemoryEntry
			sid       sql.NullString
			meta      string
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &sid, &e.Key, &e.Value,
			&meta, &e.CreatedAt, &e.UpdatedAt, &expiresAt); err != nil {
			return nil, classifyPostgresErr(err)
		}
		if sid.Valid {
			e.SessionID = &sid.String
		}
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	return entries, classifyPostgresErr(rows.Err())
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, agentID, key string, sessionID *string) (bool, error) {
	scopeCond := "session_id IS NULL"
	args := []any{agentID, key}
	if sessionID != nil {
		scopeCond = "session_id = $3"
		args = append(args, *sessionID)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE agent_id = $1 AND key = $2 AND `+scopeCond, args...)
	if err != nil {
		return false, classifyPostgresErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classifyPostgresErr(err)
}

func (s *PostgresStore) SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, classifyPostgresErr(err)
	}
	n, err := res.RowsAffected()
	return n, classifyPostgresErr(err)
}

// --- Secure tokens ---

func (s *PostgresStore) InsertToken(ctx context.Context, tok *SecureToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secure_tokens (token_id, encrypted_jwt, agent_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tok.TokenID, tok.EncryptedJWT, tok.AgentID, tok.ExpiresAt, tok.CreatedAt,
	)
	return classifyPostgresErr(err)
}

func (s *PostgresStore) GetToken(ctx context.Context, tokenID string) (*SecureToken, error) {
	var tok SecureToken
	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, encrypted_jwt, agent_id, expires_at, created_at
		 FROM secure_tokens WHERE token_id = $1`, tokenID,
	).Scan(&tok.TokenID, &tok.EncryptedJWT, &tok.AgentID, &tok.ExpiresAt, &tok.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	tok.ExpiresAt = tok.ExpiresAt.UTC()
	tok.CreatedAt = tok.CreatedAt.UTC()
	return &tok, nil
}

func (s *PostgresStore) ReplaceToken(ctx context.Context, oldID string, fresh *SecureToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM secure_tokens WHERE token_id = $1`, oldID)
	if err != nil {
		return classifyPostgresErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classifyPostgresErr(err)
	} else if n == 0 {
		return fmt.Errorf("%w: token already replaced", ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO secure_tokens (token_id, encrypted_jwt, agent_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		fresh.TokenID, fresh.EncryptedJWT, fresh.AgentID, fresh.ExpiresAt, fresh.CreatedAt,
	); err != nil {
		return classifyPostgresErr(err)
	}

	return classifyPostgresErr(tx.Commit())
}

func (s *PostgresStore) DeleteToken(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secure_tokens WHERE token_id = $1`, tokenID)
	if err != nil {
		return false, classifyPostgresErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classifyPostgresErr(err)
}

func (s *PostgresStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secure_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, classifyPostgresErr(err)
	}
	n, err := res.RowsAffected()
	return n, classifyPostgresErr(err)
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	meta, err := encodeMetadata(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, event_type, agent_id, session_id, resource, action, result, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.Timestamp, event.EventType, event.AgentID, event.SessionID,
		event.Resource, event.Action, event.Result, meta,
	)
	return classifyPostgresErr(err)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, timestamp, event_type, agent_id, session_id, resource, action, result, metadata
	          FROM audit_log WHERE 1=1`
	var args []any
	argN := 1

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argN)
		args = append(args, filter.EventType)
		argN++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argN)
		args = append(args, filter.AgentID)
		argN++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argN)
		args = append(args, filter.SessionID)
		argN++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argN)
		args = append(args, filter.Since)
		argN++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND timestamp < $%d", argN)
		args = append(args, filter.Until)
		argN++
	}

	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresErr(err)
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var (
			e    AuditEvent
			meta string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.AgentID, &e.SessionID,
			&e.Resource, &e.Action, &e.Result, &meta); err != nil {
			return nil, classifyPostgresErr(err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, classifyPostgresErr(rows.Err())
}
