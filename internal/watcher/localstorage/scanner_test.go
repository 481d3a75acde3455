package localstorage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/activity"
	"github.com/jasonberkes/ses-local/internal/watcher/localstorage"
)

// TestScanOnceDedupesCaseFoldedUUIDs covers two files with case-variant
// matches of overlapping UUIDs, plus a decoy non-.ldb file.
func TestScanOnceDedupesCaseFoldedUUIDs(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ldb"),
		[]byte("junk\x00\x01LSS-002bb01a-b420-4b1e-862a-ec01b9897bd1:attachmentXLSS-002BB01A-B420-4B1E-862A-EC01B9897BD1:textInput\x00more"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ldb"),
		[]byte("\x00\x00LSS-0450fa6e-6900-43c7-9327-158813b8b531:files\x00"), 0o644))
	// Non-.ldb files must be ignored even if they contain matching bytes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"),
		[]byte("LSS-ffffffff-ffff-ffff-ffff-ffffffffffff:ignored"), 0o644))

	ids, err := localstorage.ScanOnce(dir)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.ElementsMatch(t, ids, []string{
		"002bb01a-b420-4b1e-862a-ec01b9897bd1",
		"0450fa6e-6900-43c7-9327-158813b8b531",
	})
	for _, id := range ids {
		require.Equal(t, id, strings.ToLower(id))
	}
}

func TestScanOnceEmptyDirectoryReturnsNoIDs(t *testing.T) {
	dir := t.TempDir()
	ids, err := localstorage.ScanOnce(dir)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestScanOnceMissingRootReturnsNoIDsNoError(t *testing.T) {
	ids, err := localstorage.ScanOnce(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, ids)
}

// TestDebouncedScanCoalescesBurstOfEvents covers five file-change events
// within a 2-second window collapsing into exactly one scan, with the next
// scan only after the debounce window elapses.
func TestDebouncedScanCoalescesBurstOfEvents(t *testing.T) {
	dir := t.TempDir()

	notifier := activity.NewNotifier()
	sub, unsub := notifier.Subscribe()
	defer unsub()

	// Long poll interval so the only scans observed come from the fsnotify
	// debounce path, isolating the property under test.
	scanner := localstorage.New(dir, time.Hour, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scanner.Run(ctx) }()

	// Initial Run() call performs one synchronous scan of the (empty) root,
	// which publishes nothing; wait out a short settle period (draining any
	// stray event) before driving the burst.
	select {
	case <-sub:
	case <-time.After(1 * time.Second):
	}

	writeLDBWithID(t, dir, "burst.ldb", "002bb01a-b420-4b1e-862a-ec01b9897bd1")
	for i := 0; i < 4; i++ {
		time.Sleep(500 * time.Millisecond)
		writeLDBWithID(t, dir, "burst.ldb", "002bb01a-b420-4b1e-862a-ec01b9897bd1")
	}

	// Within the 3s debounce window from the last event, no scan should have
	// completed yet.
	select {
	case evt := <-sub:
		t.Fatalf("unexpected scan before debounce window elapsed: %+v", evt)
	case <-time.After(2 * time.Second):
	}

	select {
	case evt := <-sub:
		require.Contains(t, evt.UUIDs, "002bb01a-b420-4b1e-862a-ec01b9897bd1")
	case <-time.After(3 * time.Second):
		t.Fatal("expected debounced scan to fire after burst settled")
	}
}

func writeLDBWithID(t *testing.T, dir, name, id string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("LSS-"+id+":attachment"), 0o644))
}
