//go:build !windows

package cookie

import "errors"

func dpapiUnprotect(ciphertext []byte) ([]byte, error) {
	return nil, errors.New("cookie: dpapi unavailable on this platform")
}
