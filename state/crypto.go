package state

import (
	"crypto/rand"

	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/curve25519"
)

type WeftPrivateKey [32]byte
type WeftPublicKey [32]byte

func GenerateKey() WeftPrivateKey {
	_, key, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return WeftPrivateKey(key)
}

func (k WeftPrivateKey) Pubkey() WeftPublicKey {
	val, err := x25519.PrivateKey(k[:]).PublicKey()
	if err != nil {
		panic(err)
	}
	return WeftPublicKey(val)
}

// Shared computes the x25519 shared secret with the peer's public key.
func (k WeftPrivateKey) Shared(peer WeftPublicKey) ([]byte, error) {
	return curve25519.X25519(k[:], peer[:])
}
