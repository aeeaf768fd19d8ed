// Package vault holds the master's process-wide cluster secret (§4.3, C3):
// an atomically-swapped {secret, serial} pair so request handlers can take
// lock-free snapshot reads while a rotation is in progress elsewhere.
package vault

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
)

// SecretSize is the byte length of a freshly generated cluster secret
// (AES key half + HMAC key half, matching cryptoprim.KeySize*2).
const SecretSize = 64

// Snapshot is an immutable view of the vault at a point in time. Serial
// increases by exactly one on every rotation, so callers can detect a
// rotation that happened between two reads.
type Snapshot struct {
	Secret []byte
	Serial uint64
}

// Vault stores the current Snapshot behind an atomic.Pointer so Current()
// never blocks on a writer mid-rotation.
type Vault struct {
	current atomic.Pointer[Snapshot]
}

// New creates a Vault seeded with a freshly generated random secret at
// serial 1.
func New() (*Vault, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("vault: generate secret: %w", err)
	}
	v := &Vault{}
	v.current.Store(&Snapshot{Secret: secret, Serial: 1})
	return v, nil
}

// NewWithSecret seeds a Vault with an explicit secret at serial 1, for
// tests and for masters restoring a persisted secret across restarts.
func NewWithSecret(secret []byte) *Vault {
	v := &Vault{}
	cp := append([]byte(nil), secret...)
	v.current.Store(&Snapshot{Secret: cp, Serial: 1})
	return v
}

// Current returns a lock-free snapshot of the live secret and its serial.
func (v *Vault) Current() Snapshot {
	return *v.current.Load()
}

// Rotate installs a freshly generated secret and bumps the serial, then
// returns the new snapshot. Writers only hold the atomic swap, never a
// mutex, so readers are never blocked by a rotation.
func (v *Vault) Rotate() (Snapshot, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return Snapshot{}, fmt.Errorf("vault: generate secret: %w", err)
	}
	return v.Swap(secret), nil
}

// Swap installs an explicit secret and bumps the serial. Used by Rotate
// and by tests that need a deterministic secret.
func (v *Vault) Swap(secret []byte) Snapshot {
	prev := v.current.Load()
	next := &Snapshot{
		Secret: append([]byte(nil), secret...),
		Serial: prev.Serial + 1,
	}
	v.current.Store(next)
	return *next
}
