package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jasonberkes/ses-local/internal/model"
)

// SQLiteStore is the Store implementation backed by modernc.org/sqlite, a
// pure-Go driver (no CGO). The database is opened with WAL journaling and
// foreign keys enabled.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes writes; SQLite allows one writer at a time and WAL mode
	// only helps concurrent readers, not concurrent writers.
	mu sync.Mutex
}

// OpenRaw opens the database file with the store's standard pragmas but
// without wrapping it in a Store, for use by the `migrate` CLI commands
// which apply schema changes directly via a MigrationRunner.
func OpenRaw(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := OpenRaw(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *model.Session) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.ContentHash = model.ContentHash(sess.ExternalID, sess.UpdatedAt, sess.MessageCount)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (source, external_id, title, created_at, updated_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, external_id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			content_hash = excluded.content_hash
	`, string(sess.Source), sess.ExternalID, sess.Title, fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt), sess.ContentHash)
	if err != nil {
		return 0, fmt.Errorf("upsert session: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE source = ? AND external_id = ?`,
		string(sess.Source), sess.ExternalID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("load session id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpsertMessages(ctx context.Context, sessionID int64, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at, token_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, role, created_at) DO UPDATE SET
			content = excluded.content,
			token_count = excluded.token_count
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, sessionID, m.Role, m.Content, fmtTime(m.CreatedAt), m.TokenCount); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpsertObservations(ctx context.Context, sessionID int64, obs []*model.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (session_id, observation_type, tool_name, file_path, content, token_count, sequence_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sequence_number) DO UPDATE SET
			observation_type = excluded.observation_type,
			tool_name = excluded.tool_name,
			file_path = excluded.file_path,
			content = excluded.content,
			token_count = excluded.token_count
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, sessionID, string(o.ObservationType), o.ToolName, o.FilePath,
			o.Content, o.TokenCount, o.SequenceNumber, fmtTime(o.CreatedAt)); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpdateObservationParents(ctx context.Context, links map[int64]int64) error {
	if len(links) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE observations SET parent_observation_id = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for childID, parentID := range links {
		if _, err := stmt.ExecContext(ctx, parentID, childID); err != nil {
			return fmt.Errorf("link observation parent: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetPendingSync(ctx context.Context, limit int) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, external_id, title, created_at, updated_at, synced_at, content_hash
		FROM sessions
		WHERE synced_at IS NULL OR updated_at > synced_at
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending sync: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET synced_at = ? WHERE source = ? AND external_id = ?
	`, fmtTime(entry.LastSyncedAt), string(entry.Source), entry.ExternalID); err != nil {
		return fmt.Errorf("mark session synced: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_ledger (source, external_id, last_synced_at, doc_service_id, memory_synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source, external_id) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			doc_service_id = excluded.doc_service_id,
			memory_synced = excluded.memory_synced
	`, string(entry.Source), entry.ExternalID, fmtTime(entry.LastSyncedAt), entry.DocServiceID, boolToInt(entry.MemorySynced)); err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID int64) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at, token_count
		FROM messages WHERE session_id = ? ORDER BY julianday(created_at) ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt, &m.TokenCount); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetObservations(ctx context.Context, sessionID int64) ([]*model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, observation_type, tool_name, file_path, content, token_count,
		       sequence_number, parent_observation_id, created_at
		FROM observations WHERE session_id = ? ORDER BY sequence_number ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.role, m.content, m.created_at, m.token_count
		FROM messages_fts f JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt, &m.TokenCount); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchObservations(ctx context.Context, query string, limit int) ([]*model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.session_id, o.observation_type, o.tool_name, o.file_path, o.content, o.token_count,
		       o.sequence_number, o.parent_observation_id, o.created_at
		FROM observations_fts f JOIN observations o ON o.id = f.rowid
		WHERE observations_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	defer rows.Close()

	var out []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSessionByExternalID(ctx context.Context, source model.Source, externalID string) (*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, external_id, title, created_at, updated_at, synced_at, content_hash
		FROM sessions WHERE source = ? AND external_id = ?
	`, string(source), externalID)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanSession(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&stats.SessionCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.MessageCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&stats.ObservationCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE synced_at IS NULL OR updated_at > synced_at
	`).Scan(&stats.PendingSyncCount); err != nil {
		return nil, err
	}

	status, err := CheckSchema(ctx, s.db)
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = status.CurrentVersion
	stats.SchemaDirty = status.Dirty

	return &stats, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var source, createdAt, updatedAt string
	var syncedAt sql.NullString
	if err := row.Scan(&sess.ID, &source, &sess.ExternalID, &sess.Title, &createdAt, &updatedAt, &syncedAt, &sess.ContentHash); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Source = model.Source(source)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		sess.SyncedAt = &t
	}
	return &sess, nil
}

func scanObservation(row scannable) (*model.Observation, error) {
	var o model.Observation
	var obsType, createdAt string
	var toolName, filePath sql.NullString
	var tokenCount, parentID sql.NullInt64
	if err := row.Scan(&o.ID, &o.SessionID, &obsType, &toolName, &filePath, &o.Content, &tokenCount,
		&o.SequenceNumber, &parentID, &createdAt); err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	o.ObservationType = model.ObservationType(obsType)
	o.CreatedAt = parseTime(createdAt)
	if toolName.Valid {
		o.ToolName = &toolName.String
	}
	if filePath.Valid {
		o.FilePath = &filePath.String
	}
	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		o.TokenCount = &n
	}
	if parentID.Valid {
		o.ParentObservationID = &parentID.Int64
	}
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
