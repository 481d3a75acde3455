// Package store is the embedded local database for ingested conversations:
// sessions, messages, structured observations extracted from tool activity,
// and a sync ledger tracking cloud delivery.
package store

import (
	"context"
	"time"

	"github.com/jasonberkes/ses-local/internal/model"
)

// Store is the contract every ingestion source and sync component uses to
// read and write the local database. A single process owns the *sql.DB this
// is backed by; callers must not open a second writer against the same file.
type Store interface {
	// UpsertSession creates or updates a session row keyed by (source,
	// external_id). It recomputes content_hash from the supplied message
	// count and the session's updated_at, and returns the row's id.
	UpsertSession(ctx context.Context, s *model.Session) (int64, error)

	// UpsertMessages inserts or updates messages for the session, keyed by
	// (session_id, role, created_at). A repeat pass over the same JSONL file
	// that re-sends a line with the same key but changed content (a
	// corrected or extended line) updates the existing row's content and
	// token_count rather than inserting a duplicate.
	UpsertMessages(ctx context.Context, sessionID int64, msgs []*model.Message) error

	// UpsertObservations inserts observations for a session keyed by
	// (session_id, sequence_number); a repeat pass over an already-ingested
	// row updates its type, tool name, file path, content and token count.
	UpsertObservations(ctx context.Context, sessionID int64, obs []*model.Observation) error

	// UpdateObservationParents sets parent_observation_id for the given
	// observation ids, resolved by the caller within one ingest batch.
	UpdateObservationParents(ctx context.Context, links map[int64]int64) error

	// GetPendingSync returns sessions where synced_at is null or is older
	// than updated_at, most-recently-updated first, bounded by limit.
	GetPendingSync(ctx context.Context, limit int) ([]*model.Session, error)

	// MarkSynced stamps a session's synced_at and records the ledger entry.
	MarkSynced(ctx context.Context, entry *model.LedgerEntry) error

	// GetMessages returns every message for a session in chronological order.
	GetMessages(ctx context.Context, sessionID int64) ([]*model.Message, error)

	// GetObservations returns every observation for a session in sequence
	// order.
	GetObservations(ctx context.Context, sessionID int64) ([]*model.Observation, error)

	// Search runs a full-text search across message content.
	Search(ctx context.Context, query string, limit int) ([]*model.Message, error)

	// SearchObservations runs a full-text search across observation content.
	SearchObservations(ctx context.Context, query string, limit int) ([]*model.Observation, error)

	// GetSessionByExternalID looks up a session by its natural key.
	GetSessionByExternalID(ctx context.Context, source model.Source, externalID string) (*model.Session, error)

	// Stats reports row counts used by the `doctor` command.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Stats summarizes the database's contents for diagnostics.
type Stats struct {
	SessionCount     int
	MessageCount     int
	ObservationCount int
	PendingSyncCount int
	SchemaVersion    int
	SchemaDirty      bool
}

// now is overridable in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }
