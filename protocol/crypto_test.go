package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelloAuth(t *testing.T) {
	key := LinkAuthKey("testnet", "s3cret")
	hello, err := NewHello(key, "alpha", 1)
	assert.NoError(t, err)
	assert.True(t, VerifyHello(key, hello))

	// different mesh, different key
	other := LinkAuthKey("othernet", "s3cret")
	assert.False(t, VerifyHello(other, hello))

	// tampered identity
	forged := *hello
	forged.From = "mallory"
	assert.False(t, VerifyHello(key, &forged))

	// short nonce is rejected outright
	forged = *hello
	forged.Nonce = forged.Nonce[:8]
	assert.False(t, VerifyHello(key, &forged))
}

func TestPairKeySymmetric(t *testing.T) {
	dh := []byte("shared-agreement")
	ab, err := PairKey("testnet", "s3cret", dh, "alpha", "beta")
	assert.NoError(t, err)
	ba, err := PairKey("testnet", "s3cret", dh, "beta", "alpha")
	assert.NoError(t, err)

	// both orderings must produce the same key
	f := &TunnelFrame{Version: 1, Src: "alpha", Dst: "beta", FrameId: 9}
	assert.NoError(t, Seal(ab, f, []byte("payload")))
	pt, err := Open(ba, f, f.Payload)
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}

func TestPairKeyDistinctPairs(t *testing.T) {
	dh := []byte("shared-agreement")
	ab, _ := PairKey("testnet", "s3cret", dh, "alpha", "beta")
	ac, _ := PairKey("testnet", "s3cret", dh, "alpha", "gamma")

	f := &TunnelFrame{Version: 1, Src: "alpha", Dst: "beta", FrameId: 1}
	assert.NoError(t, Seal(ab, f, []byte("payload")))
	_, err := Open(ac, f, f.Payload)
	assert.Error(t, err)
}

func TestSealOpenTamper(t *testing.T) {
	dh := []byte("dh")
	key, _ := PairKey("testnet", "s3cret", dh, "alpha", "beta")

	f := &TunnelFrame{Version: 1, Src: "alpha", Dst: "beta", FrameId: 5}
	assert.NoError(t, Seal(key, f, []byte("payload")))

	// flipped ciphertext bit
	ct := append([]byte(nil), f.Payload...)
	ct[0] ^= 1
	_, err := Open(key, f, ct)
	assert.Error(t, err)

	// swapped destination breaks the additional data binding
	redirected := *f
	redirected.Dst = "gamma"
	_, err = Open(key, &redirected, f.Payload)
	assert.Error(t, err)

	// hop limit is outside the tag and may change in flight
	forwarded := *f
	forwarded.Hop = 3
	pt, err := Open(key, &forwarded, f.Payload)
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}

func TestSealFreshNonce(t *testing.T) {
	dh := []byte("dh")
	key, _ := PairKey("testnet", "s3cret", dh, "alpha", "beta")

	a := &TunnelFrame{Version: 1, Src: "alpha", Dst: "beta", FrameId: 1}
	b := &TunnelFrame{Version: 1, Src: "alpha", Dst: "beta", FrameId: 1}
	assert.NoError(t, Seal(key, a, []byte("x")))
	assert.NoError(t, Seal(key, b, []byte("x")))
	assert.NotEqual(t, a.Nonce, b.Nonce)
}
