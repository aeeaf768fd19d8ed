package vault

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProducesSerialOne(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	snap := v.Current()
	require.Equal(t, uint64(1), snap.Serial)
	require.Len(t, snap.Secret, SecretSize)
}

func TestRotateBumpsSerialAndChangesSecret(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	before := v.Current()

	after, err := v.Rotate()
	require.NoError(t, err)

	require.Equal(t, before.Serial+1, after.Serial)
	require.NotEqual(t, before.Secret, after.Secret)
	require.Equal(t, after, v.Current())
}

func TestSwapIsDeterministic(t *testing.T) {
	v := NewWithSecret([]byte("fixed-secret"))
	snap := v.Swap([]byte("next-secret"))

	require.Equal(t, uint64(2), snap.Serial)
	require.Equal(t, []byte("next-secret"), snap.Secret)
}

func TestCurrentUnaffectedByMutatingCallerCopy(t *testing.T) {
	secret := []byte("abc")
	v := NewWithSecret(secret)
	secret[0] = 'z'

	require.Equal(t, []byte("abc"), v.Current().Secret, "NewWithSecret must copy the input")
}

func TestConcurrentReadsDuringRotation(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := v.Current()
			require.Len(t, snap.Secret, SecretSize)
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Rotate()
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, v.Current().Serial, uint64(6))
}
