package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// DeriveKey expands secret into a 32-byte key bound to info. Distinct info
// strings yield independent keys from the same secret.
func DeriveKey(secret []byte, salt []byte, info string) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, []byte(info))
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
