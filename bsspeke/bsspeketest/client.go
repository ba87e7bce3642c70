// Package bsspeketest provides a BS-SPEKE client for exercising servers in
// tests. It skips the random blinding factor, so it must not be used
// against a real deployment.
package bsspeketest

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"

	"github.com/jmcleod/uiagate/bsspeke"
)

// Client holds one user's password and the values derived from it.
type Client struct {
	UserID   string
	ServerID string
	Password string
	PHF      bsspeke.PHFParams

	p, v []byte
	a, A []byte
}

// Blind returns the password point sent in the OPRF round.
func (c *Client) Blind() []byte {
	h := blake2b.Sum256([]byte(c.Password))
	blind, err := curve25519.X25519(h[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	return blind
}

// Enroll derives P and V from the server's blind salt.
func (c *Client) Enroll(blindSalt []byte) (P, V []byte) {
	c.derive(blindSalt)
	P = c.base()
	V, err := curve25519.X25519(c.v, P)
	if err != nil {
		panic(err)
	}
	return P, V
}

// Login derives the key from the server's blind salt and ephemeral B and
// returns A and the client verifier.
func (c *Client) Login(blindSalt, B []byte) (A, verifier []byte) {
	c.derive(blindSalt)
	P := c.base()

	c.a = make([]byte, bsspeke.PointSize)
	if _, err := rand.Read(c.a); err != nil {
		panic(err)
	}
	var err error
	c.A, err = curve25519.X25519(c.a, P)
	if err != nil {
		panic(err)
	}
	aB, err := curve25519.X25519(c.a, B)
	if err != nil {
		panic(err)
	}
	vB, err := curve25519.X25519(c.v, B)
	if err != nil {
		panic(err)
	}
	K := bsspeke.SessionKey(c.UserID, c.ServerID, c.A, B, aB, vB)
	return c.A, bsspeke.ClientVerifier(K)
}

func (c *Client) derive(blindSalt []byte) {
	phf := c.PHF
	if phf.Iterations == 0 {
		phf = bsspeke.PHFParams{Name: "argon2i", Iterations: 1, Blocks: 64}
	}
	salt := []byte(c.UserID + "|" + c.ServerID)
	seed := argon2.Key(blindSalt, salt, phf.Iterations, phf.Blocks, 1, 2*bsspeke.PointSize)
	c.p, c.v = seed[:bsspeke.PointSize], seed[bsspeke.PointSize:]
}

func (c *Client) base() []byte {
	P, err := curve25519.X25519(c.p, curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	return P
}
