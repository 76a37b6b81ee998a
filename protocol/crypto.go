package protocol

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// LinkAuthKey derives the key used to authenticate link Hellos. Every node in
// the mesh can compute it from the shared mesh secret.
func LinkAuthKey(meshName, secret string) []byte {
	return deriveKey(meshName, []byte(secret), "weft/v1/link-auth")
}

// PairKey derives the symmetric end-to-end key for the (a, b) node pair,
// mixing the mesh secret with the pair's x25519 agreement. The pair is
// unordered: both sides derive the same key.
func PairKey(meshName, secret string, dh []byte, a, b string) (cipher.AEAD, error) {
	if b < a {
		a, b = b, a
	}
	ikm := append([]byte(secret), dh...)
	key := deriveKey(meshName, ikm, "weft/v1/pair:"+a+"\x00"+b)
	return chacha20poly1305.New(key)
}

func deriveKey(meshName string, secret []byte, info string) []byte {
	r := hkdf.New(sha256.New, secret, []byte("weft/"+meshName), []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}

// HelloAuth computes the membership proof carried in a Hello.
func HelloAuth(key []byte, version uint8, from string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte{version})
	mac.Write([]byte(from))
	mac.Write(nonce)
	return mac.Sum(nil)
}

func VerifyHello(key []byte, h *Hello) bool {
	if len(h.Nonce) < 16 {
		return false
	}
	return hmac.Equal(h.Auth, HelloAuth(key, h.Version, h.From, h.Nonce))
}

// NewHello builds an authenticated Hello for this node.
func NewHello(key []byte, from string, version uint8) (*Hello, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Hello{
		Version: version,
		From:    from,
		Nonce:   nonce,
		Auth:    HelloAuth(key, version, from, nonce),
	}, nil
}

// Seal encrypts one virtual network packet end-to-end. The frame addressing
// is bound as additional data so it cannot be swapped in flight.
func Seal(aead cipher.AEAD, f *TunnelFrame, packet []byte) error {
	if _, err := rand.Read(f.Nonce[:]); err != nil {
		return err
	}
	f.Payload = aead.Seal(nil, f.Nonce[:], packet, frameAAD(f))
	return nil
}

// Open authenticates and decrypts a fully reassembled frame payload.
func Open(aead cipher.AEAD, f *TunnelFrame, ciphertext []byte) ([]byte, error) {
	pt, err := aead.Open(nil, f.Nonce[:], ciphertext, frameAAD(f))
	if err != nil {
		return nil, fmt.Errorf("open frame from %s: %w", f.Src, err)
	}
	return pt, nil
}

// frameAAD covers the immutable frame fields. Hop limit and fragmentation
// fields are rewritten in flight and stay outside the tag.
func frameAAD(f *TunnelFrame) []byte {
	aad := make([]byte, 0, 1+8+2+len(f.Src)+len(f.Dst))
	aad = append(aad, f.Version)
	aad = append(aad,
		byte(f.FrameId>>56), byte(f.FrameId>>48), byte(f.FrameId>>40), byte(f.FrameId>>32),
		byte(f.FrameId>>24), byte(f.FrameId>>16), byte(f.FrameId>>8), byte(f.FrameId))
	aad = append(aad, uint8(len(f.Src)))
	aad = append(aad, f.Src...)
	aad = append(aad, f.Dst...)
	return aad
}
