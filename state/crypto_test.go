package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	key := GenerateKey()
	pub := key.Pubkey()
	_, err := pub.MarshalText()
	assert.NoError(t, err)
}

func TestSharedSecretAgrees(t *testing.T) {
	a := GenerateKey()
	b := GenerateKey()

	ab, err := a.Shared(b.Pubkey())
	assert.NoError(t, err)
	ba, err := b.Shared(a.Pubkey())
	assert.NoError(t, err)
	assert.Equal(t, ab, ba)

	c := GenerateKey()
	ac, err := a.Shared(c.Pubkey())
	assert.NoError(t, err)
	assert.NotEqual(t, ab, ac)
}
