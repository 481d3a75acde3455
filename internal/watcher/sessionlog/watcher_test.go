package sessionlog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/model"
	"github.com/jasonberkes/ses-local/internal/store"
	"github.com/jasonberkes/ses-local/internal/watcher/sessionlog"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "local.db")
	migDir, err := filepath.Abs(filepath.Join("..", "..", "store", "migrations"))
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

func writeSessionFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestTwoLinesProduceSessionMessagesAndTextObservation covers a two-line
// session producing one session row, two messages, and one observation.
func TestTwoLinesProduceSessionMessagesAndTextObservation(t *testing.T) {
	dir := t.TempDir()
	writeSessionFile(t, dir, "sess-xyz.jsonl",
		`{"type":"user","message":{"role":"user","content":"Hello"},"timestamp":"2026-01-01T00:00:00Z","cwd":"/home/me/proj"}`+"\n"+
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hi!"}],"usage":{"input_tokens":3,"output_tokens":4}},"timestamp":"2026-01-01T00:00:01Z"}`+"\n")

	st := newTestStore(t)
	w := sessionlog.New(dir, filepath.Join(dir, "positions.json"), time.Hour, st)

	ctx := context.Background()
	go func() {
		_ = w.Run(ctx)
	}()

	var sess *model.Session
	require.Eventually(t, func() bool {
		s, err := st.GetSessionByExternalID(ctx, model.SourceClaudeCode, "sess-xyz")
		if err != nil || s == nil {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, "proj/sess-xyz", sess.Title)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC), sess.UpdatedAt.UTC())

	msgs, err := st.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello", msgs[0].Content)
	require.NotNil(t, msgs[1].TokenCount)
	require.Equal(t, 7, *msgs[1].TokenCount)

	obs, err := st.GetObservations(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.Equal(t, model.ObservationText, obs[0].ObservationType)
	require.Equal(t, "Hi!", obs[0].Content)
	require.Equal(t, 0, obs[0].SequenceNumber)
}

// TestToolUseToolResultParentLink covers a tool_use followed in the same
// pass by its matching tool_result.
func TestToolUseToolResultParentLink(t *testing.T) {
	dir := t.TempDir()
	writeSessionFile(t, dir, "sess-tool.jsonl",
		`{"type":"user","message":{"role":"user","content":"read a file"},"timestamp":"2026-01-01T00:00:00Z","cwd":"/home/me/proj"}`+"\n"+
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_42","name":"Read","input":{"path":"/src/x.cs"}},{"type":"tool_result","tool_use_id":"toolu_42","content":"ok"}]},"timestamp":"2026-01-01T00:00:01Z"}`+"\n")

	st := newTestStore(t)
	w := sessionlog.New(dir, filepath.Join(dir, "positions.json"), time.Hour, st)

	ctx := context.Background()
	go func() {
		_ = w.Run(ctx)
	}()

	var sess *model.Session
	require.Eventually(t, func() bool {
		s, err := st.GetSessionByExternalID(ctx, model.SourceClaudeCode, "sess-tool")
		if err != nil || s == nil {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 20*time.Millisecond)

	obs, err := st.GetObservations(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	toolUse, toolResult := obs[0], obs[1]
	require.Less(t, toolUse.SequenceNumber, toolResult.SequenceNumber)
	require.Equal(t, model.ObservationToolUse, toolUse.ObservationType)
	require.NotNil(t, toolUse.FilePath)
	require.Equal(t, "/src/x.cs", *toolUse.FilePath)

	require.NotNil(t, toolResult.ParentObservationID)
	require.Equal(t, toolUse.ID, *toolResult.ParentObservationID)
}

// TestToolResultErrorClassification covers a tool_result whose text contains
// an error marker and whose referenced tool_use was never seen.
func TestToolResultErrorClassification(t *testing.T) {
	dir := t.TempDir()
	writeSessionFile(t, dir, "sess-err.jsonl",
		`{"type":"user","message":{"role":"user","content":"run it"},"timestamp":"2026-01-01T00:00:00Z","cwd":"/home/me/proj"}`+"\n"+
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_result","tool_use_id":"missing","content":"NullReferenceException at line 42"}]},"timestamp":"2026-01-01T00:00:01Z"}`+"\n")

	st := newTestStore(t)
	w := sessionlog.New(dir, filepath.Join(dir, "positions.json"), time.Hour, st)

	ctx := context.Background()
	go func() {
		_ = w.Run(ctx)
	}()

	var sess *model.Session
	require.Eventually(t, func() bool {
		s, err := st.GetSessionByExternalID(ctx, model.SourceClaudeCode, "sess-err")
		if err != nil || s == nil {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 20*time.Millisecond)

	obs, err := st.GetObservations(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.Equal(t, model.ObservationError, obs[0].ObservationType)
	// tool_use_id references a block never seen in this pass; link stays nil.
	require.Nil(t, obs[0].ParentObservationID)
}

func TestRestartSafetyNeverReprocessesConsumedBytes(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionFile(t, dir, "sess-restart.jsonl",
		`{"type":"user","message":{"role":"user","content":"one"},"timestamp":"2026-01-01T00:00:00Z","cwd":"/home/me/proj"}`+"\n")

	st := newTestStore(t)
	positionsPath := filepath.Join(dir, "positions.json")

	w1 := sessionlog.New(dir, positionsPath, time.Hour, st)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w1.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, err := st.GetSessionByExternalID(context.Background(), model.SourceClaudeCode, "sess-restart")
		return err == nil && s != nil
	}, 2*time.Second, 20*time.Millisecond)
	cancel()

	// Append a second line and start a fresh watcher instance simulating a
	// restart; only the new line should be ingested.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","message":{"role":"assistant","content":"two"},"timestamp":"2026-01-01T00:00:01Z"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := sessionlog.New(dir, positionsPath, time.Hour, st)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = w2.Run(ctx2) }()

	var sess *model.Session
	require.Eventually(t, func() bool {
		s, err := st.GetSessionByExternalID(context.Background(), model.SourceClaudeCode, "sess-restart")
		if err != nil || s == nil {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 20*time.Millisecond)

	msgs, err := st.GetMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "restart must not duplicate the already-consumed first line")
}
