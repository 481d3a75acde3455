package cookie_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/jasonberkes/ses-local/internal/cookie"
)

func newFakeCookieDB(t *testing.T, rows map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Cookies")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE cookies (host_key TEXT, name TEXT, encrypted_value BLOB)`)
	require.NoError(t, err)

	for name, value := range rows {
		_, err := db.Exec(`INSERT INTO cookies (host_key, name, encrypted_value) VALUES (?, ?, ?)`,
			".claude.ai", name, []byte(value))
		require.NoError(t, err)
	}
	return path
}

func TestCookieReturnsPlaintextValueWhenNotEncrypted(t *testing.T) {
	dbPath := newFakeCookieDB(t, map[string]string{
		"sessionKey": "sk-ant-REDACTED",
	})

	e := cookie.New(dbPath)
	got := e.Cookie(context.Background())
	require.Equal(t, "sk-ant-REDACTED", got)
}

func TestCookieReturnsEmptyWhenNoMatchingRow(t *testing.T) {
	dbPath := newFakeCookieDB(t, map[string]string{
		"unrelated-name": "sk-ant-REDACTED",
	})

	e := cookie.New(dbPath)
	got := e.Cookie(context.Background())
	require.Equal(t, "", got)
}

func TestCookieReturnsEmptyWhenDBMissing(t *testing.T) {
	e := cookie.New(filepath.Join(t.TempDir(), "does-not-exist"))
	got := e.Cookie(context.Background())
	require.Equal(t, "", got)
}

func TestCookieReturnsEmptyForUnsupportedChromiumEncodingOnThisPlatform(t *testing.T) {
	dbPath := newFakeCookieDB(t, map[string]string{
		// v10 prefix implies Chromium OS-keychain decryption, which this
		// suite does not exercise end-to-end; the fail-path returns empty.
		"sessionKey": "v10" + string([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}),
	})

	os.Setenv("CI", "true")
	defer os.Unsetenv("CI")

	e := cookie.New(dbPath)
	got := e.Cookie(context.Background())
	require.Equal(t, "", got)
}
