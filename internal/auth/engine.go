// Package auth implements the master's handshake state machine (§4.4, C4):
// the "_auth" request/reply exchange that moves a minion through
// absent/pending/accepted/rejected and hands back a wrapped copy of the
// cluster secret on success.
package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/saltcore/master/internal/cryptoprim"
	"github.com/saltcore/master/internal/eventbus"
	"github.com/saltcore/master/internal/keystore"
	"github.com/saltcore/master/internal/salterrors"
	"github.com/saltcore/master/internal/vault"
)

// tokenConcatSep joins a re-wrapped token to the cluster secret for
// auth_mode >= 2, matching the wire-compatible separator the original
// implementation uses.
const tokenConcatSep = "_|-"

// Engine executes the handshake state machine described in §4.4. One
// Engine instance serves every minion; the key-state machine takes no
// per-minion lock because key-store operations are individually atomic.
type Engine struct {
	store           *keystore.Store
	vault           *vault.Vault
	bus             *eventbus.Bus
	policy          Policy
	presence        ConnectionTracker
	opts            Options
	masterPriv      *rsa.PrivateKey
	masterPub       *rsa.PublicKey
	masterSignPriv  *rsa.PrivateKey // optional offline signing key (master_sign.pem)
	pubkeySignature []byte          // precomputed signature over masterPub, if configured
}

// Config bundles the dependencies a new Engine needs.
type Config struct {
	Store           *keystore.Store
	Vault           *vault.Vault
	Bus             *eventbus.Bus
	Policy          Policy
	Presence        ConnectionTracker
	Options         Options
	MasterPriv      *rsa.PrivateKey
	MasterSignPriv  *rsa.PrivateKey
	PubkeySignature []byte
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Vault == nil || cfg.MasterPriv == nil {
		return nil, fmt.Errorf("auth: store, vault and master private key are required")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewStaticPolicy(cfg.Options.AutoAccept, nil, nil)
	}
	return &Engine{
		store:           cfg.Store,
		vault:           cfg.Vault,
		bus:             cfg.Bus,
		policy:          policy,
		presence:        cfg.Presence,
		opts:            cfg.Options,
		masterPriv:      cfg.MasterPriv,
		masterPub:       &cfg.MasterPriv.PublicKey,
		masterSignPriv:  cfg.MasterSignPriv,
		pubkeySignature: cfg.PubkeySignature,
	}, nil
}

// Authenticate runs the full handshake described in §4.4 and returns the
// reply Envelope to send back to the minion. An error return means the
// caller must reply with the bare "bad load" wire literal instead of an
// Envelope. A version below minimum_auth_version returns an error wrapping
// salterrors.ErrReplay before the rest of the state machine runs; other
// errors come from storing the accepted key or building the success reply.
func (e *Engine) Authenticate(load Load, now time.Time) (*Envelope, error) {
	if load.Version < e.opts.MinimumAuthVersion {
		return nil, fmt.Errorf("auth: version %d below minimum_auth_version %d: %w",
			load.Version, e.opts.MinimumAuthVersion, salterrors.ErrReplay)
	}
	signMessages := load.Version > 1

	if !keystore.ValidID(load.ID) {
		return e.clearReply(false, load.Nonce, signMessages), nil
	}

	if e.opts.MaxMinions > 0 && !e.alreadyConnected(load.ID) {
		if e.presenceCount() >= e.opts.MaxMinions {
			e.emitAuthAct("full", load.ID, load.Pub, false, now)
			return e.clearReply("full", load.Nonce, signMessages), nil
		}
	}

	autoReject, autoSign := e.policy.Evaluate(load.ID, load.AutosignGrains)

	if err := e.runStateMachine(load, autoReject, autoSign, signMessages, now); err != nil {
		return e.envelopeFromDecision(err, signMessages), nil
	}

	return e.buildSuccessReply(load, signMessages, now)
}

// decision carries a terminal failure reply already resolved by the state
// machine (as a Go error, so it can be returned and type-asserted back).
type decision struct {
	ret interface{} // false, true (still-pending) or "full"
	env *Envelope
}

func (d *decision) Error() string { return fmt.Sprintf("auth: denied (ret=%v)", d.ret) }

func (e *Engine) envelopeFromDecision(err error, signMessages bool) *Envelope {
	d, ok := err.(*decision)
	if !ok {
		return e.clearReply(false, "", signMessages)
	}
	return d.env
}

func deny(ret interface{}, env *Envelope) *decision {
	return &decision{ret: ret, env: env}
}

// runStateMachine implements the §4.4 key-state table. A nil return means
// "proceed to build the success reply"; the returned *decision (as error)
// carries the already-built failure Envelope for a terminal outcome.
func (e *Engine) runStateMachine(load Load, autoReject, autoSign, signMessages bool, now time.Time) error {
	id := load.ID

	if e.opts.OpenMode {
		if load.Pub == "" {
			e.emitAuthAct("", id, load.Pub, false, now)
			return deny(false, e.clearReply(false, load.Nonce, signMessages))
		}
		return nil
	}

	rejected, err := e.store.Exists(id, keystore.Rejected)
	if err != nil {
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}
	if rejected {
		e.emitAuthAct("", id, load.Pub, false, now)
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}

	accepted, err := e.store.Exists(id, keystore.Accepted)
	if err != nil {
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}
	if accepted {
		current, err := e.store.LoadPub(id, keystore.Accepted)
		if err != nil {
			return deny(false, e.clearReply(false, load.Nonce, signMessages))
		}
		if strings.TrimSpace(string(current)) == strings.TrimSpace(load.Pub) {
			return nil
		}
		_ = e.store.ArchiveDenied(id, []byte(load.Pub))
		e.emitAuthAct("denied", id, load.Pub, false, now)
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}

	pending, err := e.store.Exists(id, keystore.Pending)
	if err != nil {
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}

	if !pending {
		if autoReject {
			if err := e.store.StorePub(id, keystore.Rejected, []byte(load.Pub)); err != nil {
				return deny(false, e.clearReply(false, load.Nonce, signMessages))
			}
			e.emitAuthAct("reject", id, load.Pub, false, now)
			return deny(false, e.clearReply(false, load.Nonce, signMessages))
		}
		if !autoSign {
			if err := e.store.StorePub(id, keystore.Pending, []byte(load.Pub)); err != nil {
				return deny(false, e.clearReply(false, load.Nonce, signMessages))
			}
			e.emitAuthAct("pend", id, load.Pub, true, now)
			return deny(true, e.clearReply(true, load.Nonce, signMessages))
		}
		// autoSign and absent: fall through to accept.
		return nil
	}

	// pending == true
	current, err := e.store.LoadPub(id, keystore.Pending)
	if err != nil {
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}
	match := strings.TrimSpace(string(current)) == strings.TrimSpace(load.Pub)

	if autoReject {
		if err := e.store.Move(id, keystore.Pending, keystore.Rejected); err != nil {
			return deny(false, e.clearReply(false, load.Nonce, signMessages))
		}
		e.emitAuthAct("reject", id, load.Pub, false, now)
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}

	if !autoSign {
		if !match {
			_ = e.store.ArchiveDenied(id, []byte(load.Pub))
			e.emitAuthAct("denied", id, load.Pub, false, now)
			return deny(false, e.clearReply(false, load.Nonce, signMessages))
		}
		e.emitAuthAct("pend", id, load.Pub, true, now)
		return deny(true, e.clearReply(true, load.Nonce, signMessages))
	}

	// pending, auto_sign: accept on match, deny+archive on mismatch.
	if !match {
		_ = e.store.ArchiveDenied(id, []byte(load.Pub))
		e.emitAuthAct("denied", id, load.Pub, false, now)
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}
	if err := e.store.Remove(id, keystore.Pending); err != nil {
		return deny(false, e.clearReply(false, load.Nonce, signMessages))
	}
	return nil
}

func (e *Engine) buildSuccessReply(load Load, signMessages bool, now time.Time) (*Envelope, error) {
	id := load.ID

	if e.opts.OpenMode {
		disk, _ := e.store.LoadPub(id, keystore.Accepted)
		if strings.TrimSpace(string(disk)) != strings.TrimSpace(load.Pub) {
			if err := e.store.StorePub(id, keystore.Accepted, []byte(load.Pub)); err != nil {
				return nil, fmt.Errorf("auth: store accepted key for %s: %w", id, err)
			}
		}
	} else {
		if exists, _ := e.store.Exists(id, keystore.Accepted); !exists {
			if err := e.store.StorePub(id, keystore.Accepted, []byte(load.Pub)); err != nil {
				return nil, fmt.Errorf("auth: store accepted key for %s: %w", id, err)
			}
		}
	}

	pubBytes, err := e.store.LoadPub(id, keystore.Accepted)
	if err != nil {
		return e.clearReply(false, load.Nonce, signMessages), nil
	}
	minionPub, err := cryptoprim.ParsePublicKeyPEM(pubBytes)
	if err != nil {
		return e.clearReply(false, load.Nonce, signMessages), nil
	}

	masterPubPEM, err := cryptoprim.EncodePublicKeyPEM(e.masterPub)
	if err != nil {
		return nil, fmt.Errorf("auth: encode master public key: %w", err)
	}

	env := &Envelope{
		Enc:         "pub",
		PubKey:      string(masterPubPEM),
		PublishPort: e.opts.PublishPort,
	}

	if e.opts.MasterSignPubkey {
		if len(e.pubkeySignature) > 0 {
			env.PubSig = e.pubkeySignature
		} else if e.masterSignPriv != nil {
			sig, err := cryptoprim.SignMessage(e.masterSignPriv, masterPubPEM)
			if err == nil {
				env.PubSig = sig
			}
		}
	}

	snap := e.vault.Current()
	secret := snap.Secret

	if e.opts.AuthMode >= 2 {
		aesPlain := secret
		if len(load.Token) > 0 {
			if mtoken, err := cryptoprim.OAEPUnwrap(e.masterPriv, load.Token); err == nil {
				aesPlain = append(append([]byte{}, secret...), append([]byte(tokenConcatSep), mtoken...)...)
			}
		}
		wrapped, err := cryptoprim.OAEPWrap(minionPub, aesPlain)
		if err != nil {
			return nil, fmt.Errorf("auth: wrap secret for %s: %w", id, err)
		}
		env.AES = wrapped
	} else {
		if len(load.Token) > 0 {
			if mtoken, err := cryptoprim.OAEPUnwrap(e.masterPriv, load.Token); err == nil {
				if rewrapped, err := cryptoprim.OAEPWrap(minionPub, mtoken); err == nil {
					env.Token = rewrapped
				}
			}
		}
		wrapped, err := cryptoprim.OAEPWrap(minionPub, secret)
		if err != nil {
			return nil, fmt.Errorf("auth: wrap secret for %s: %w", id, err)
		}
		env.AES = wrapped
	}

	digest := sha256.Sum256(env.AES)
	sig, err := cryptoprim.PrivateEncrypt(e.masterPriv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("auth: sign wrapped secret: %w", err)
	}
	env.Sig = sig

	e.emitAuthAct("accept", id, load.Pub, true, now)

	if signMessages {
		env.Nonce = load.Nonce
	}
	return env, nil
}

// clearReply builds the unsigned-or-signed clear reply for ret (false,
// true for a key left pending, or "full"), per §4.4's "signed failure replies" requirement for version >= 2.
func (e *Engine) clearReply(ret interface{}, nonce string, signMessages bool) *Envelope {
	cl := ClearLoad{Ret: ret, Nonce: nonce}
	if !signMessages {
		return &Envelope{Enc: "clear", Load: ClearLoad{Ret: ret}}
	}
	return e.signEnvelope(&Envelope{Enc: "clear", Load: cl})
}

// signEnvelope wraps env.Load in the original's "_clear_signed" shape: the
// serialized load bytes plus a PKCS#1v15 signature over them, so a minion
// can tell a genuine master reply from a spoofed one.
func (e *Engine) signEnvelope(env *Envelope) *Envelope {
	raw, err := json.Marshal(env.Load)
	if err != nil {
		raw = nil
	}
	sig, err := cryptoprim.SignMessage(e.masterPriv, raw)
	if err != nil {
		sig = nil
	}
	return &Envelope{
		Enc:         "clear",
		Load:        raw,
		Sig:         sig,
		PubKey:      env.PubKey,
		PubSig:      env.PubSig,
		AES:         env.AES,
		Token:       env.Token,
		PublishPort: env.PublishPort,
		Nonce:       env.Nonce,
	}
}

func (e *Engine) alreadyConnected(id string) bool {
	if e.presence == nil {
		return false
	}
	return e.presence.Connected(id)
}

func (e *Engine) presenceCount() int {
	if e.presence == nil {
		return 0
	}
	return e.presence.Count()
}

func (e *Engine) emitAuthAct(act, id, pub string, result bool, now time.Time) {
	if !e.opts.AuthEvents || e.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"result": result,
		"id":     id,
		"pub":    pub,
	}
	if act != "" {
		payload["act"] = act
	}
	e.bus.Publish(eventbus.TagAuth, payload, now)
}
