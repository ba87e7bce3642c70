package util

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds compatibility characters (full-width letters, ligatures)
// so that visually identical identifiers compare equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// Base64Encode uses the unpadded standard alphabet, as Matrix does.
func Base64Encode(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// Base64Decode accepts padded or unpadded input in either the standard or
// URL-safe alphabet.
func Base64Decode(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	return b, nil
}
