package syncworker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/authstub"
	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
	"github.com/jasonberkes/ses-local/internal/syncworker"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "local.db")
	migDir, err := filepath.Abs(filepath.Join("..", "store", "migrations"))
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

// TestSyncPassMarksSyncedEvenWhenMemoryEndpointReturns401 covers: a document
// POST succeeds with an id, the memory POST returns 401, and the session is
// still marked synced and not retried.
func TestSyncPassMarksSyncedEvenWhenMemoryEndpointReturns401(t *testing.T) {
	var documentCalls, memoryCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/documents", func(w http.ResponseWriter, r *http.Request) {
		documentCalls++
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "doc-123"})
	})
	mux.HandleFunc("/memory", func(w http.ResponseWriter, r *http.Request) {
		memoryCalls++
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		Source:     model.SourceClaudeCode,
		ExternalID: "pending-1",
		Title:      "demo",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	sessionID, err := st.UpsertSession(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, st.UpsertMessages(ctx, sessionID, []*model.Message{
		{Role: "user", Content: "hello", CreatedAt: time.Now()},
		{Role: "assistant", Content: "hi there", CreatedAt: time.Now().Add(time.Second)},
	}))

	auth := authstub.NewStaticAuthService("access-token", "pat", nil)
	w := syncworker.New(st, auth, srv.URL+"/documents", srv.URL+"/memory", "tenant-1")

	synced, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, synced)
	require.Equal(t, 1, documentCalls)
	require.Equal(t, 1, memoryCalls)

	pending, err := st.GetPendingSync(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "session must not be re-synced after a successful pass")

	reloaded, err := st.GetSessionByExternalID(ctx, model.SourceClaudeCode, "pending-1")
	require.NoError(t, err)
	require.NotNil(t, reloaded.SyncedAt)
}

func TestSyncPassAbortsWithoutBearerCredential(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Source: model.SourceClaudeCode, ExternalID: "no-auth", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	_, err := st.UpsertSession(ctx, sess)
	require.NoError(t, err)

	auth := authstub.NewStaticAuthService("", "", nil)
	w := syncworker.New(st, auth, "http://unused", "http://unused", "tenant-1")

	synced, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, synced)

	pending, err := st.GetPendingSync(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "session remains pending when no credential is available")
}
