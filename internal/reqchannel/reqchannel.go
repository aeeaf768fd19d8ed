// Package reqchannel implements the master's request-server channel
// (§4.5, C5): the terminus for every minion connection. It decodes,
// version-checks and decrypts inbound envelopes, hands "_auth" traffic to
// the auth engine, dispatches everything else to the worker-pool
// dispatcher, and packages the handler's result for the wire per the
// selected reply mode.
package reqchannel

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saltcore/master/internal/auth"
	"github.com/saltcore/master/internal/cryptoprim"
	"github.com/saltcore/master/internal/keystore"
	"github.com/saltcore/master/internal/retry"
	"github.com/saltcore/master/internal/salterrors"
	"github.com/saltcore/master/internal/vault"
	"github.com/saltcore/master/internal/wire"
)

// BadLoad is the opaque wire literal every recoverable decode/crypto/policy
// failure resolves to (§7 "Policy: ... reply 'bad load' string literal").
const BadLoad = "bad load"

// internalFailure is the literal the spec reserves for an unexpected
// handler panic/exception (§7 Internal).
const internalFailure = "Server-side exception handling payload"

// TokenSentinel is the well-known plaintext a minion's "tok" field proves
// possession of a private key over, grounded on the original
// __verify_minion's "the string needs to verify as 'salt'".
const TokenSentinel = cryptoprim.TokenSentinel

// Dispatch is the function the channel hands every non-"_auth" request to
// once decoded (the dispatcher.Dispatcher.Dispatch method satisfies this).
type Dispatch func(ctx context.Context, req wire.Request) (wire.HandlerResult, error)

// Options are the request-path configuration knobs §6 recognizes.
type Options struct {
	MinimumAuthVersion int
	RequestServerTTL   time.Duration // default 300s
	SignPrivateReplies bool          // sign_messages for send_private, v>=2
}

// Logger is the minimal structured-logging surface the channel needs; the
// master's real logger (or a no-op in tests) satisfies it.
type Logger interface {
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Channel is the master's request-server channel.
type Channel struct {
	vault      *vault.Vault
	store      *keystore.Store
	authEngine *auth.Engine
	dispatch   Dispatch
	masterPriv *rsa.PrivateKey
	opts       Options
	log        Logger
	now        func() time.Time
}

// Config bundles a Channel's dependencies.
type Config struct {
	Vault      *vault.Vault
	Store      *keystore.Store
	AuthEngine *auth.Engine
	Dispatch   Dispatch
	MasterPriv *rsa.PrivateKey
	Options    Options
	Log        Logger
	Now        func() time.Time
}

// New builds a Channel from cfg.
func New(cfg Config) (*Channel, error) {
	if cfg.Vault == nil || cfg.Store == nil || cfg.AuthEngine == nil || cfg.Dispatch == nil {
		return nil, fmt.Errorf("reqchannel: vault, store, auth engine and dispatch are required")
	}
	if cfg.Options.RequestServerTTL <= 0 {
		cfg.Options.RequestServerTTL = 300 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		vault:      cfg.Vault,
		store:      cfg.Store,
		authEngine: cfg.AuthEngine,
		dispatch:   cfg.Dispatch,
		masterPriv: cfg.MasterPriv,
		opts:       cfg.Options,
		log:        log,
		now:        now,
	}, nil
}

// HandleMessage implements the full §4.5 contract. The returned value is
// always ready to serialize onto the wire: BadLoad, an *auth.Envelope, or
// whatever the dispatched handler packaged. A non-nil error means the
// caller's context was canceled — the caller owns closing the connection.
func (c *Channel) HandleMessage(ctx context.Context, outer wire.OuterEnvelope) (interface{}, error) {
	load, err := c.decode(outer)
	if err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil, err
		}
		return BadLoad, nil
	}

	if load == nil || outer.ID == "" && outer.Version >= 3 {
		// structural check continues below; nil load is itself bad load.
	}
	if load == nil {
		c.log.Error("payload and load must be a dict")
		return BadLoad, nil
	}

	idVal, hasID := load["id"]
	var loadID string
	if hasID {
		s, ok := idVal.(string)
		if !ok {
			c.log.Error("payload contains non-string id")
			return BadLoad, nil
		}
		if containsNullByte(s) {
			c.log.Error("payload contains an id with a null byte")
			return BadLoad, nil
		}
		loadID = s
	}

	if outer.Version >= 3 && hasID && outer.ID != loadID {
		c.log.Error("outer id does not match inner id", "outer", outer.ID, "inner", loadID)
		return BadLoad, nil
	}

	if outer.Version < c.opts.MinimumAuthVersion {
		return BadLoad, nil
	}

	if outer.Enc == "clear" {
		if cmd, _ := load["cmd"].(string); cmd == "_auth" {
			return c.handleAuth(load, outer.Version)
		}
		c.log.Error("request on clear channel rejected", "id", loadID)
		return BadLoad, nil
	}

	if outer.Version >= 3 {
		if ts, ok := numericField(load["ts"]); ok {
			age := c.now().Unix() - ts
			if time.Duration(age)*time.Second > c.opts.RequestServerTTL {
				c.log.Warn("expired ttl", "id", loadID)
				return BadLoad, nil
			}
		}

		if tokRaw, ok := load["tok"]; ok {
			tok, ok := toBytes(tokRaw)
			if s, isStr := tokRaw.(string); isStr {
				// A binary token crosses the crypticle's JSON encoding as a
				// base64 string.
				if b, err := base64.StdEncoding.DecodeString(s); err == nil {
					tok = b
				}
			}
			if !ok || !c.verifyToken(loadID, tok) {
				c.log.Error("identity mismatch: token did not verify", "id", loadID)
				return BadLoad, nil
			}
		}
	}

	var nonce string
	if outer.Version > 1 {
		if n, ok := load["nonce"].(string); ok {
			nonce = n
			delete(load, "nonce")
		}
	}

	req := wire.Request{Outer: outer, Load: load, Nonce: nonce}
	result, err := c.dispatch(ctx, req)
	if err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil, err
		}
		c.log.Error("exception handling payload from minion", "err", err)
		return internalFailure, nil
	}

	return c.packageReply(result, outer, nonce)
}

func (c *Channel) handleAuth(load map[string]interface{}, version int) (interface{}, error) {
	al := mapToAuthLoad(load, version)
	env, err := c.authEngine.Authenticate(al, c.now())
	if err != nil {
		return BadLoad, nil
	}
	return env, nil
}

func mapToAuthLoad(load map[string]interface{}, version int) auth.Load {
	al := auth.Load{Version: version}
	if s, ok := load["id"].(string); ok {
		al.ID = s
	}
	if s, ok := load["pub"].(string); ok {
		al.Pub = s
	}
	if s, ok := load["nonce"].(string); ok {
		al.Nonce = s
	}
	if s, ok := load["enc_algo"].(string); ok {
		al.EncAlgo = s
	}
	if s, ok := load["sig_algo"].(string); ok {
		al.SigAlgo = s
	}
	if b, ok := toBytes(load["token"]); ok {
		al.Token = b
	}
	if g, ok := load["autosign_grains"].(map[string]interface{}); ok {
		al.AutosignGrains = g
	}
	return al
}

// decode implements §4.5 step 1: decrypt enc=="aes" envelopes using the
// cluster secret (v<=2) or the per-minion session key (v3+), refreshing
// the vault once and retrying on HMAC failure before giving up.
func (c *Channel) decode(outer wire.OuterEnvelope) (map[string]interface{}, error) {
	if outer.Enc == "clear" {
		m, ok := outer.Load.(map[string]interface{})
		if !ok {
			return nil, salterrors.ErrBadLoad
		}
		return m, nil
	}
	if outer.Enc != "aes" {
		return nil, salterrors.ErrBadLoad
	}
	ciphertext, ok := toBytes(outer.Load)
	if !ok {
		return nil, salterrors.ErrBadLoad
	}

	decryptWith := func(secret []byte) (map[string]interface{}, error) {
		var crypt *cryptoprim.Crypticle
		var err error
		if outer.Version >= 3 && outer.ID != "" {
			crypt, err = cryptoprim.SessionCrypticle(secret, outer.ID)
		} else {
			crypt, err = cryptoprim.NewCrypticle(secret)
		}
		if err != nil {
			return nil, err
		}
		var out map[string]interface{}
		if _, err := crypt.Loads(ciphertext, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	// Refresh-and-retry-once (§4.3, §7 AuthenticationError policy): a
	// rotation can land between reading the vault and decrypting, so a
	// single retry re-reads the vault rather than reusing a stale secret.
	var load map[string]interface{}
	retrier := retry.New(retry.Config{MaxRetries: 1})
	err := retrier.Do(func() error {
		snap := c.vault.Current()
		l, derr := decryptWith(snap.Secret)
		if derr != nil {
			return derr
		}
		load = l
		return nil
	})
	if err != nil {
		return nil, salterrors.ErrAuthentication
	}
	return load, nil
}

// verifyToken checks that tok is a valid PKCS#1v15 signature over
// TokenSentinel by the private key matching id's stored accepted public
// key (§4.5 step 5, grounded on master.py's __verify_minion).
func (c *Channel) verifyToken(id string, tok []byte) bool {
	pubBytes, err := c.store.LoadPub(id, keystore.Accepted)
	if err != nil {
		return false
	}
	pub, err := cryptoprim.ParsePublicKeyPEM(pubBytes)
	if err != nil {
		return false
	}
	return cryptoprim.VerifyToken(pub, tok)
}

// packageReply implements §4.5 step 9: dispatch the handler's result per
// its selected ReplyMode.
func (c *Channel) packageReply(result wire.HandlerResult, outer wire.OuterEnvelope, nonce string) (interface{}, error) {
	switch result.Options.Fun {
	case wire.ReplySendClear, "":
		return result.Ret, nil
	case wire.ReplySend:
		snap := c.vault.Current()
		var crypt *cryptoprim.Crypticle
		var err error
		if outer.Version >= 3 && outer.ID != "" {
			crypt, err = cryptoprim.SessionCrypticle(snap.Secret, outer.ID)
		} else {
			crypt, err = cryptoprim.NewCrypticle(snap.Secret)
		}
		if err != nil {
			return internalFailure, nil
		}
		blob, err := crypt.Dumps(result.Ret, nonce)
		if err != nil {
			return internalFailure, nil
		}
		return blob, nil
	case wire.ReplySendPrivate:
		return c.encryptPrivate(result, nonce)
	default:
		c.log.Error("unknown req_fun", "fun", result.Options.Fun)
		return internalFailure, nil
	}
}

// encryptPrivate implements §4.5's "send_private" path: a fresh symmetric
// key wrapped to the target minion's accepted public key, with an
// "absent key -> empty payload" non-disclosure rule so a requester cannot
// probe which minion IDs exist.
func (c *Channel) encryptPrivate(result wire.HandlerResult, nonce string) (interface{}, error) {
	key, err := cryptoprim.GenerateKeyString()
	if err != nil {
		return internalFailure, nil
	}
	pcrypt, err := cryptoprim.NewCrypticle(key)
	if err != nil {
		return internalFailure, nil
	}

	pubBytes, err := c.store.LoadPub(result.Options.Target, keystore.Accepted)
	if err != nil {
		empty, _ := pcrypt.Dumps(map[string]interface{}{}, "")
		return map[string]interface{}{result.Options.Key: empty}, nil
	}
	pub, err := cryptoprim.ParsePublicKeyPEM(pubBytes)
	if err != nil {
		empty, _ := pcrypt.Dumps(map[string]interface{}{}, "")
		return map[string]interface{}{result.Options.Key: empty}, nil
	}

	wrappedKey, err := cryptoprim.OAEPWrap(pub, key)
	if err != nil {
		return internalFailure, nil
	}

	ret := result.Ret
	if ret == nil || ret == false {
		ret = map[string]interface{}{}
	}

	out := map[string]interface{}{"key": wrappedKey}
	if c.opts.SignPrivateReplies {
		if nonce == "" {
			return map[string]interface{}{"error": "Nonce not included in request"}, nil
		}
		tosign, err := json.Marshal(map[string]interface{}{"key": wrappedKey, "pillar": ret, "nonce": nonce})
		if err != nil {
			return internalFailure, nil
		}
		sig, err := cryptoprim.SignMessage(c.masterPriv, tosign)
		if err != nil {
			return internalFailure, nil
		}
		signed := map[string]interface{}{"data": tosign, "sig": sig}
		blob, err := pcrypt.Dumps(signed, "")
		if err != nil {
			return internalFailure, nil
		}
		out[result.Options.Key] = blob
	} else {
		blob, err := pcrypt.Dumps(ret, "")
		if err != nil {
			return internalFailure, nil
		}
		out[result.Options.Key] = blob
	}
	return out, nil
}

func containsNullByte(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return true
		}
	}
	return false
}

func numericField(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}
