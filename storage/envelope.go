package storage

import (
	"fmt"

	"github.com/jmcleod/uiagate/internal/util"
)

const envelopeScheme = "aes256gcm"

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope bound to aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.Seal(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	// util.Seal returns nonce || ciphertext.
	const nonceSize = 12
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:nonceSize],
		Ciphertext: sealed[nonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope with the key and aad it was sealed with.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.Open(full, key, aad)
}
