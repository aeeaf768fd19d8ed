// Package pubchannel implements the master's publish channel (§4.6, C9):
// wrapping a job/event load for delivery to subscribed minions, injecting
// a serial from the Publisher's own per-message counter (the vault's
// serial is not used), encrypting under the cluster secret, and
// optionally signing the encrypted payload with the master's key.
// Grounded on salt/channel/server.py.PubServerChannel (wrap_payload,
// publish, publish_payload).
package pubchannel

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sync/atomic"

	"github.com/saltcore/master/internal/cryptoprim"
	"github.com/saltcore/master/internal/vault"
)

// Options are the publish-path configuration knobs §6 recognizes.
type Options struct {
	SignPubMessages bool
}

// Transport is whatever actually fans a wrapped payload out to minion
// connections; production wiring supplies a real network transport, tests
// supply a recording stub.
type Transport interface {
	PublishPayload(frame TransportFrame) error
}

// innerEnvelope is {enc, load, sig?} before the outer transport-framing
// wrap (§4.6 step 3).
type innerEnvelope struct {
	Enc  string `json:"enc"`
	Load []byte `json:"load"`
	Sig  []byte `json:"sig,omitempty"`
}

// TransportFrame is the final shape handed to the transport: the serialized
// inner envelope under "payload", plus an optional topic list for
// topic-capable transports (§4.6 step 4-5).
type TransportFrame struct {
	Payload  []byte   `json:"payload"`
	TopicLst []string `json:"topic_lst,omitempty"`
}

// Publisher wraps and dispatches job loads to minions.
type Publisher struct {
	vault      *vault.Vault
	masterPriv *rsa.PrivateKey
	transport  Transport
	opts       Options
	serial     atomic.Uint64
}

// New builds a Publisher. masterPriv may be nil when SignPubMessages is
// false.
func New(v *vault.Vault, masterPriv *rsa.PrivateKey, transport Transport, opts Options) (*Publisher, error) {
	if v == nil || transport == nil {
		return nil, fmt.Errorf("pubchannel: vault and transport are required")
	}
	if opts.SignPubMessages && masterPriv == nil {
		return nil, fmt.Errorf("pubchannel: sign_pub_messages requires a master private key")
	}
	return &Publisher{vault: v, masterPriv: masterPriv, transport: transport, opts: opts}, nil
}

// Publish implements the full §4.6 publish(load) contract: inject serial,
// encrypt, optionally sign, frame for transport, resolve tgt_type into a
// topic list when applicable, and forward to the transport. knownIDs is the
// candidate minion-ID set the glob/pcre matcher runs against — callers
// supply the key store's accepted IDs or the presence tracker's live set.
func (p *Publisher) Publish(load map[string]interface{}, knownIDs []string) error {
	frame, err := p.wrapPayload(load)
	if err != nil {
		return err
	}

	if topics, ok, err := resolveTopics(load, knownIDs); err != nil {
		return fmt.Errorf("pubchannel: target match: %w", err)
	} else if ok {
		frame.TopicLst = topics
	}

	return p.transport.PublishPayload(frame)
}

// wrapPayload implements wrap_payload (§4.6 steps 1-4). The injected serial
// comes from the Publisher's own monotonic counter, starting at 1 and
// incremented once per published message; the vault's Serial, which
// counts secret rotations, is not read. Serials are therefore monotonic
// per Publisher instance, not shared across Publishers.
func (p *Publisher) wrapPayload(load map[string]interface{}) (TransportFrame, error) {
	snap := p.vault.Current()
	crypt, err := cryptoprim.NewCrypticle(snap.Secret)
	if err != nil {
		return TransportFrame{}, err
	}

	withSerial := make(map[string]interface{}, len(load)+1)
	for k, v := range load {
		withSerial[k] = v
	}
	withSerial["serial"] = p.serial.Add(1)

	enc, err := crypt.Dumps(withSerial, "")
	if err != nil {
		return TransportFrame{}, fmt.Errorf("pubchannel: encrypt payload: %w", err)
	}

	outer := innerEnvelope{Enc: "aes", Load: enc}
	if p.opts.SignPubMessages {
		sig, err := cryptoprim.SignMessage(p.masterPriv, enc)
		if err != nil {
			return TransportFrame{}, fmt.Errorf("pubchannel: sign payload: %w", err)
		}
		outer.Sig = sig
	}

	payload, err := json.Marshal(outer)
	if err != nil {
		return TransportFrame{}, fmt.Errorf("pubchannel: marshal outer envelope: %w", err)
	}
	return TransportFrame{Payload: payload}, nil
}

// resolveTopics implements §4.6 step 5: for tgt_type "list" the literal
// target list is forwarded; for "glob"/"pcre" with a string target, the
// matching minion IDs among knownIDs are computed and returned as the topic
// list. ok is false when tgt_type isn't one of the three topic-capable
// kinds, in which case the caller sends no topic list at all (full
// broadcast).
//
// Go's standard library carries no PCRE engine and the example corpus pulls
// in no glob/regex matching library either, so glob uses path.Match (shell
// glob semantics, the same family fnmatch-based matching belongs to) and
// "pcre" targets fall back to the standard regexp package (RE2, not true
// PCRE) — the closest match available without vendoring a third-party
// engine never exercised elsewhere in the stack.
func resolveTopics(load map[string]interface{}, knownIDs []string) ([]string, bool, error) {
	tgtType, _ := load["tgt_type"].(string)
	switch tgtType {
	case "list":
		switch tgt := load["tgt"].(type) {
		case []string:
			return tgt, true, nil
		case []interface{}:
			out := make([]string, 0, len(tgt))
			for _, v := range tgt {
				if s, ok := v.(string); ok {
					out = append(out, s)
				}
			}
			return out, true, nil
		}
		return nil, true, nil
	case "glob":
		tgt, _ := load["tgt"].(string)
		var matched []string
		for _, id := range knownIDs {
			if ok, err := path.Match(tgt, id); err != nil {
				return nil, false, err
			} else if ok {
				matched = append(matched, id)
			}
		}
		return matched, true, nil
	case "pcre":
		tgt, _ := load["tgt"].(string)
		re, err := regexp.Compile(tgt)
		if err != nil {
			return nil, false, err
		}
		var matched []string
		for _, id := range knownIDs {
			if re.MatchString(id) {
				matched = append(matched, id)
			}
		}
		return matched, true, nil
	default:
		return nil, false, nil
	}
}
