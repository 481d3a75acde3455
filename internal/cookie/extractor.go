// Package cookie recovers the conversation provider's session cookie from a
// third-party desktop client's local cookie database. Every failure path
// returns an empty cookie rather than an error: this is a best-effort
// source feeding remoteapi.CookieSource, not a hard dependency.
package cookie

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	_ "modernc.org/sqlite"
)

// candidateNames is the ordered list of cookie names tried against the
// provider's host; the first match wins.
var candidateNames = []string{
	"sessionKey",
	"__Secure-next-auth.session-token",
	"__Host-next-auth.csrf-token",
}

const (
	keychainTimeout = 5 * time.Second
	pbkdf2Salt      = "saltysalt"
	pbkdf2Iters     = 1003
	pbkdf2KeyLen    = 16
)

// Extractor locates and decrypts a provider session cookie from a desktop
// client's cookie store at DBPath.
type Extractor struct {
	DBPath string
}

func New(dbPath string) *Extractor {
	return &Extractor{DBPath: dbPath}
}

// Cookie implements remoteapi.CookieSource. It always returns "" rather than
// an error; callers treat an empty cookie as "unauthenticated, retry later".
func (e *Extractor) Cookie(ctx context.Context) string {
	plain, err := e.extract(ctx)
	if err != nil {
		slog.Debug("cookie extractor: no cookie available", "error", err)
		return ""
	}
	return plain
}

func (e *Extractor) extract(ctx context.Context) (string, error) {
	tmp, err := copyToTemp(e.DBPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	encrypted, err := queryEncryptedValue(ctx, tmp)
	if err != nil {
		return "", err
	}

	plain, err := decrypt(ctx, encrypted)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", errors.New("cookie: decrypted value is not valid utf-8")
	}
	return string(plain), nil
}

func copyToTemp(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "cookie-db-*.tmp")
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func queryEncryptedValue(ctx context.Context, dbPath string) ([]byte, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro&_pragma=query_only(1)")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	for _, name := range candidateNames {
		row := db.QueryRowContext(ctx,
			`SELECT encrypted_value FROM cookies WHERE host_key LIKE '%claude.ai' AND name = ? LIMIT 1`, name)
		var blob []byte
		if err := row.Scan(&blob); err != nil {
			continue
		}
		if len(blob) > 0 {
			return blob, nil
		}
	}
	return nil, errors.New("cookie: no candidate cookie found for claude.ai")
}

func decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	if len(blob) >= 3 && (string(blob[:3]) == "v10" || string(blob[:3]) == "v11") {
		return decryptChromium(ctx, blob[3:])
	}
	if isPrintablePlaintext(blob) {
		return blob, nil
	}
	return nil, errors.New("cookie: unrecognized encrypted_value encoding")
}

func isPrintablePlaintext(b []byte) bool {
	if len(b) <= 10 || bytes.IndexByte(b, 0) != -1 {
		return false
	}
	return utf8.Valid(b)
}

func decryptChromium(ctx context.Context, ciphertext []byte) ([]byte, error) {
	switch runtime.GOOS {
	case "darwin":
		return decryptMacOS(ctx, ciphertext)
	case "windows":
		return decryptWindowsDPAPI(ciphertext)
	default:
		return nil, errors.New("cookie: chromium cookie decryption unsupported on this platform")
	}
}

func decryptMacOS(ctx context.Context, ciphertext []byte) ([]byte, error) {
	passphrase, err := macOSKeychainPassphrase(ctx)
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(pbkdf2Salt), pbkdf2Iters, pbkdf2KeyLen, sha1.New)
	return aesCBCDecryptZeroIV(key, ciphertext)
}

func macOSKeychainPassphrase(ctx context.Context) (string, error) {
	if os.Getenv("CI") == "true" {
		return "", errors.New("cookie: CI environment, skipping keychain retrieval")
	}

	cctx, cancel := context.WithTimeout(ctx, keychainTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "security", "find-generic-password",
		"-w", "-s", "Claude Safe Storage")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func decryptWindowsDPAPI(ciphertext []byte) ([]byte, error) {
	return dpapiUnprotect(ciphertext)
}

func aesCBCDecryptZeroIV(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, errors.New("cookie: ciphertext is not a multiple of the AES block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("cookie: invalid pkcs7 data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("cookie: invalid pkcs7 padding")
	}
	if !bytes.Equal(bytes.Repeat([]byte{byte(padLen)}, padLen), data[len(data)-padLen:]) {
		return nil, errors.New("cookie: invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}
