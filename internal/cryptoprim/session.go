package cryptoprim

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSessionKey derives a per-minion session key from the current
// cluster secret and the minion's ID, per §3 SessionKey: both master and
// minion compute this independently from values they already hold, so it
// never needs to cross the wire. Used for v3+ per-minion request/reply
// encryption.
func DeriveSessionKey(clusterSecret []byte, minionID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, clusterSecret, []byte(minionID), []byte("salt-master-core session key"))
	out := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("cryptoprim: derive session key: %w", err)
	}
	return out, nil
}

// SessionCrypticle derives the session key for minionID and wraps it in a
// Crypticle ready for v3+ per-minion encryption.
func SessionCrypticle(clusterSecret []byte, minionID string) (*Crypticle, error) {
	key, err := DeriveSessionKey(clusterSecret, minionID)
	if err != nil {
		return nil, err
	}
	return NewCrypticle(key)
}
