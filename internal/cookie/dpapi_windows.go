//go:build windows

package cookie

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

// dpapiUnprotect calls CryptUnprotectData, the Windows user-scoped data
// protection API Chromium-derived cookie stores use on this platform.
func dpapiUnprotect(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("cookie: empty dpapi ciphertext")
	}

	in := windows.DataBlob{
		Size: uint32(len(ciphertext)),
		Data: &ciphertext[0],
	}
	var out windows.DataBlob

	r, _, err := procCryptUnprotectData.Call(
		uintptr(unsafe.Pointer(&in)),
		0, 0, 0, 0, 0,
		uintptr(unsafe.Pointer(&out)),
	)
	if r == 0 {
		return nil, err
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))

	return unsafe.Slice(out.Data, out.Size), nil
}

var (
	modcrypt32             = windows.NewLazySystemDLL("crypt32.dll")
	procCryptUnprotectData = modcrypt32.NewProc("CryptUnprotectData")
)
