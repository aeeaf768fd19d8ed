// Package salterrors defines the sentinel error taxonomy shared by every
// master-core component. Components recover internally and translate these
// into the opaque wire replies described in spec §7; only ErrConfig is
// allowed to propagate out of the process.
package salterrors

import "errors"

var (
	// ErrBadLoad covers malformed envelopes, bad ids, version downgrades,
	// expired timestamps and anything else whose wire response is the
	// literal string "bad load".
	ErrBadLoad = errors.New("bad load")

	// ErrAuthentication marks an HMAC mismatch, bad signature, or unknown
	// decrypt key. Callers should refresh the cluster secret once and retry
	// before surfacing this.
	ErrAuthentication = errors.New("authentication error")

	// ErrReplay marks a request whose ts is outside the freshness window,
	// or whose protocol version is below the configured minimum.
	ErrReplay = errors.New("replay error")

	// ErrIdentityMismatch marks an envelope whose outer id does not match
	// the decrypted inner id, or whose token does not verify.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrKeyNotFound marks a missing or corrupt key file.
	ErrKeyNotFound = errors.New("key not found")

	// ErrConfig marks an invalid configuration. This is the only error kind
	// allowed to halt the master at startup.
	ErrConfig = errors.New("configuration error")

	// ErrCapacity marks a new minion rejected because max_minions was
	// exceeded.
	ErrCapacity = errors.New("minion capacity exceeded")
)
