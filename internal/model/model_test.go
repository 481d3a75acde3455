package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/model"
)

func TestContentHashIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h1 := model.ContentHash("sess-1", ts, 3)
	h2 := model.ContentHash("sess-1", ts, 3)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 16)
	require.Equal(t, h1, toUpperHex(h1))
}

func toUpperHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func TestContentHashChangesWithExternalIDUpdatedAtOrMessageCount(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := model.ContentHash("sess-1", ts, 3)

	require.NotEqual(t, base, model.ContentHash("sess-2", ts, 3))
	require.NotEqual(t, base, model.ContentHash("sess-1", ts.Add(time.Second), 3))
	require.NotEqual(t, base, model.ContentHash("sess-1", ts, 4))
}

func TestIsPendingSyncWithNilSyncedAt(t *testing.T) {
	s := &model.Session{UpdatedAt: time.Now()}
	require.True(t, s.IsPendingSync())
}

func TestIsPendingSyncWhenUpdatedAfterSynced(t *testing.T) {
	synced := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &model.Session{UpdatedAt: synced.Add(time.Minute), SyncedAt: &synced}
	require.True(t, s.IsPendingSync())
}

func TestIsPendingSyncFalseWhenSyncedAfterUpdate(t *testing.T) {
	synced := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	updated := synced.Add(-time.Minute)
	s := &model.Session{UpdatedAt: updated, SyncedAt: &synced}
	require.False(t, s.IsPendingSync())
}

func TestClassifyToolUseGitCommit(t *testing.T) {
	got := model.ClassifyToolUse("Bash", "git commit -m 'fix'")
	require.Equal(t, model.ObservationGitCommit, got)
}

func TestClassifyToolUseTestRunners(t *testing.T) {
	for _, cmd := range []string{"dotnet test", "npm test -- --watch=false", "pytest -q", "yarn test"} {
		require.Equal(t, model.ObservationTestResult, model.ClassifyToolUse("Bash", cmd), cmd)
	}
}

func TestClassifyToolUseDefaultsToToolUse(t *testing.T) {
	require.Equal(t, model.ObservationToolUse, model.ClassifyToolUse("Read", "/src/x.cs"))
	require.Equal(t, model.ObservationToolUse, model.ClassifyToolUse("Bash", "ls -la"))
}

func TestClassifyToolResultErrorMarkers(t *testing.T) {
	for _, content := range []string{
		"NullReferenceException at line 42",
		"Error: file not found",
		"command failed with exit code 1",
	} {
		require.Equal(t, model.ObservationError, model.ClassifyToolResult(content), content)
	}
}

func TestClassifyToolResultDefaultsToToolResult(t *testing.T) {
	require.Equal(t, model.ObservationToolResult, model.ClassifyToolResult("ok, wrote 12 lines"))
}
