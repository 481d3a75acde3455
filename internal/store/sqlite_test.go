package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "local.db")

	migDir, err := filepath.Abs("migrations")
	require.NoError(t, err)

	db, err := store.OpenRaw(dbPath)
	require.NoError(t, err)

	runner, err := store.NewMigrationRunner(db, migDir)
	require.NoError(t, err)
	require.NoError(t, runner.Up(context.Background()))
	require.NoError(t, runner.Close())
	require.NoError(t, db.Close())

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(n int) *int {
	return &n
}

func TestUpsertSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		Source:       model.SourceClaudeCode,
		ExternalID:   "abc-123",
		Title:        "first title",
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		MessageCount: 1,
	}
	id1, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	sess.Title = "updated title"
	sess.UpdatedAt = sess.UpdatedAt.Add(time.Minute)
	sess.MessageCount = 2
	id2, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	require.Equal(t, id1, id2)

	got, err := s.GetSessionByExternalID(ctx, model.SourceClaudeCode, "abc-123")
	require.NoError(t, err)
	require.Equal(t, "updated title", got.Title)
}

func TestUpsertMessagesDeduplicatesAcrossPasses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		Source:     model.SourceClaudeCode,
		ExternalID: "sess-1",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	sessionID, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	msgs := []*model.Message{
		{Role: "user", Content: "hello", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Role: "assistant", Content: "hi there", CreatedAt: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)},
	}
	require.NoError(t, s.UpsertMessages(ctx, sessionID, msgs))
	require.NoError(t, s.UpsertMessages(ctx, sessionID, msgs)) // repeated watcher pass

	all, err := s.GetMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestUpsertMessagesUpdatesContentOnReplayWithSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		Source:     model.SourceClaudeCode,
		ExternalID: "sess-2",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	sessionID, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	original := []*model.Message{
		{Role: "assistant", Content: "partial resp", CreatedAt: createdAt, TokenCount: intPtr(3)},
	}
	require.NoError(t, s.UpsertMessages(ctx, sessionID, original))

	// A later watcher pass re-sends the same (session_id, role, created_at)
	// key with extended content, as happens when a streamed line is
	// corrected or extended on a subsequent pass.
	extended := []*model.Message{
		{Role: "assistant", Content: "partial response, now complete", CreatedAt: createdAt, TokenCount: intPtr(6)},
	}
	require.NoError(t, s.UpsertMessages(ctx, sessionID, extended))

	all, err := s.GetMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, all, 1, "replay with changed content must update the existing row, not insert a second one")
	require.Equal(t, "partial response, now complete", all[0].Content)
	require.Equal(t, 6, *all[0].TokenCount)
}

func TestGetPendingSyncOrdersByUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := &model.Session{Source: model.SourceClaudeCode, ExternalID: "old", CreatedAt: time.Now(), UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := &model.Session{Source: model.SourceClaudeCode, ExternalID: "new", CreatedAt: time.Now(), UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	_, err := s.UpsertSession(ctx, older)
	require.NoError(t, err)
	_, err = s.UpsertSession(ctx, newer)
	require.NoError(t, err)

	pending, err := s.GetPendingSync(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "new", pending[0].ExternalID)
	require.Equal(t, "old", pending[1].ExternalID)
}

func TestMarkSyncedRemovesFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Source: model.SourceClaudeCode, ExternalID: "sync-me", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, &model.LedgerEntry{
		Source:       model.SourceClaudeCode,
		ExternalID:   "sync-me",
		LastSyncedAt: time.Now().Add(time.Hour),
		MemorySynced: true,
	}))

	pending, err := s.GetPendingSync(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSearchMessagesFullText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Source: model.SourceClaudeCode, ExternalID: "search-sess", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	sessionID, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessages(ctx, sessionID, []*model.Message{
		{Role: "user", Content: "please refactor the migration runner", CreatedAt: time.Now()},
		{Role: "assistant", Content: "sure, updating the go.mod now", CreatedAt: time.Now().Add(time.Second)},
	}))

	found, err := s.Search(ctx, "migration", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Contains(t, found[0].Content, "migration runner")
}

func TestObservationParentLinking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Source: model.SourceClaudeCode, ExternalID: "obs-sess", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	sessionID, err := s.UpsertSession(ctx, sess)
	require.NoError(t, err)

	toolName := "Bash"
	require.NoError(t, s.UpsertObservations(ctx, sessionID, []*model.Observation{
		{ObservationType: model.ObservationToolUse, ToolName: &toolName, Content: "git commit -m x", SequenceNumber: 1, CreatedAt: time.Now()},
		{ObservationType: model.ObservationToolResult, Content: "ok", SequenceNumber: 2, CreatedAt: time.Now()},
	}))

	all, err := s.GetObservations(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.UpdateObservationParents(ctx, map[int64]int64{all[1].ID: all[0].ID}))

	reloaded, err := s.GetObservations(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, reloaded[1].ParentObservationID)
	require.Equal(t, all[0].ID, *reloaded[1].ParentObservationID)
}
