package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Cmd string `json:"cmd"`
	TS  int64  `json:"ts"`
}

func TestCrypticleRoundTrip(t *testing.T) {
	secret, err := GenerateKeyString()
	require.NoError(t, err)

	c, err := NewCrypticle(secret)
	require.NoError(t, err)

	in := samplePayload{Cmd: "test.ping", TS: 1234}
	blob, err := c.Dumps(in, "nonce-1")
	require.NoError(t, err)

	var out samplePayload
	nonce, err := c.Loads(blob, &out)
	require.NoError(t, err)
	require.Equal(t, "nonce-1", nonce)
	require.Equal(t, in, out)
}

func TestCrypticleTamperDetected(t *testing.T) {
	secret, err := GenerateKeyString()
	require.NoError(t, err)
	c, err := NewCrypticle(secret)
	require.NoError(t, err)

	blob, err := c.Dumps(samplePayload{Cmd: "test.ping"}, "")
	require.NoError(t, err)

	for i := range blob {
		tampered := append([]byte{}, blob...)
		tampered[i] ^= 0xFF
		var out samplePayload
		_, err := c.Loads(tampered, &out)
		require.ErrorIs(t, err, ErrAuthentication, "single-bit tamper at byte %d should fail verification", i)
	}
}

func TestCrypticleWrongKeyFails(t *testing.T) {
	secretA, err := GenerateKeyString()
	require.NoError(t, err)
	secretB, err := GenerateKeyString()
	require.NoError(t, err)

	a, err := NewCrypticle(secretA)
	require.NoError(t, err)
	b, err := NewCrypticle(secretB)
	require.NoError(t, err)

	blob, err := a.Dumps(samplePayload{Cmd: "test.ping"}, "")
	require.NoError(t, err)

	var out samplePayload
	_, err = b.Loads(blob, &out)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestNewCrypticleRejectsShortSecret(t *testing.T) {
	_, err := NewCrypticle([]byte("too short"))
	require.Error(t, err)
}
