// Package bsspeke implements the server side of BS-SPEKE over Curve25519
// with BLAKE2b as the hash function.
//
// Enrollment: the client sends a blinded password point; the server answers
// with the point multiplied by a per-user random salt. The client unblinds,
// stretches the result with the password hashing function to obtain scalars
// p and v, and uploads P = p*G and V = v*P.
//
// Login: the server again answers the OPRF with the stored salt and sends an
// ephemeral B = b*P. The client replies with A = a*P and a verifier derived
// from the shared key K = H(user, server, A, B, b*A, b*V).
package bsspeke

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"

	"github.com/jmcleod/uiagate/internal/util"
)

const (
	Curve        = "curve25519"
	HashFunction = "blake2b"
	// PointSize is the length of a Curve25519 point or scalar.
	PointSize = curve25519.PointSize
)

// ErrInvalidPoint is returned for points of the wrong size or of low order.
var ErrInvalidPoint = errors.New("bsspeke: invalid curve point")

// PHFParams are the password hashing parameters the client must use.
type PHFParams struct {
	Name       string `json:"name" yaml:"name"`
	Iterations uint32 `json:"iterations" yaml:"iterations"`
	Blocks     uint32 `json:"blocks" yaml:"blocks"`
}

// DefaultPHFParams are advertised when none are configured.
var DefaultPHFParams = PHFParams{Name: "argon2i", Iterations: 3, Blocks: 100000}

// NewSalt returns a fresh per-user OPRF salt.
func NewSalt() ([]byte, error) {
	return util.RandomBytes(PointSize)
}

// BlindSalt applies the user's salt to the client's blinded point.
func BlindSalt(salt, blind []byte) ([]byte, error) {
	return mul(salt, blind)
}

// Ephemeral generates the server's ephemeral scalar b and the public value
// B = b*P for a user whose base point is P.
func Ephemeral(P []byte) (b, B []byte, err error) {
	b, err = util.RandomBytes(PointSize)
	if err != nil {
		return nil, nil, err
	}
	B, err = mul(b, P)
	if err != nil {
		return nil, nil, err
	}
	return b, B, nil
}

// ServerKey derives the session key on the server side.
func ServerKey(userID, serverID string, A, B, b, V []byte) ([]byte, error) {
	bA, err := mul(b, A)
	if err != nil {
		return nil, err
	}
	bV, err := mul(b, V)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(bA)
	defer memguard.WipeBytes(bV)
	return SessionKey(userID, serverID, A, B, bA, bV), nil
}

// SessionKey hashes the transcript and the two Diffie-Hellman results. Each
// field is prefixed with its big-endian 32-bit length.
func SessionKey(userID, serverID string, A, B, dh1, dh2 []byte) []byte {
	h, _ := blake2b.New512(nil)
	for _, field := range [][]byte{[]byte(userID), []byte(serverID), A, B, dh1, dh2} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return h.Sum(nil)
}

// ClientVerifier is the value the client proves knowledge of K with.
func ClientVerifier(K []byte) []byte {
	return verifier(K, "client")
}

// ServerVerifier lets the client authenticate the server.
func ServerVerifier(K []byte) []byte {
	return verifier(K, "server")
}

func verifier(K []byte, role string) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(K)
	h.Write([]byte(role))
	return h.Sum(nil)
}

// VerifyClient compares a client-supplied verifier with the expected one in
// constant time.
func VerifyClient(K, got []byte) bool {
	return subtle.ConstantTimeCompare(ClientVerifier(K), got) == 1
}

// ParsePoint decodes a base64 point and checks its length.
func ParsePoint(s string) ([]byte, error) {
	p, err := util.Base64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if len(p) != PointSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPoint, len(p))
	}
	return p, nil
}

// mul computes scalar*point, rejecting low-order points.
func mul(scalar, point []byte) ([]byte, error) {
	if len(scalar) != PointSize || len(point) != PointSize {
		return nil, ErrInvalidPoint
	}
	out, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return out, nil
}
