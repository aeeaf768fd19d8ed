package pubchannel_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saltcore/master/internal/cryptoprim"
	"github.com/saltcore/master/internal/pubchannel"
	"github.com/saltcore/master/internal/vault"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []pubchannel.TransportFrame
}

func (r *recordingTransport) PublishPayload(f pubchannel.TransportFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingTransport) last() pubchannel.TransportFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

type outerEnvelope struct {
	Enc  string `json:"enc"`
	Load []byte `json:"load"`
	Sig  []byte `json:"sig,omitempty"`
}

func TestPublishEncryptsAndInjectsSerial(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, nil, transport, pubchannel.Options{})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(map[string]interface{}{"jid": "20260101000000000001", "fun": "test.ping"}, nil))

	var outer outerEnvelope
	require.NoError(t, json.Unmarshal(transport.last().Payload, &outer))
	require.Equal(t, "aes", outer.Enc)
	require.Empty(t, outer.Sig)

	snap := v.Current()
	crypt, err := cryptoprim.NewCrypticle(snap.Secret)
	require.NoError(t, err)
	var decoded map[string]interface{}
	_, err = crypt.Loads(outer.Load, &decoded)
	require.NoError(t, err)
	require.Equal(t, "test.ping", decoded["fun"])
	require.EqualValues(t, 1, decoded["serial"])
}

func TestPublishSerialIncrementsAcrossCalls(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, nil, transport, pubchannel.Options{})
	require.NoError(t, err)

	decodeSerial := func(f pubchannel.TransportFrame) uint64 {
		var outer outerEnvelope
		require.NoError(t, json.Unmarshal(f.Payload, &outer))
		snap := v.Current()
		crypt, err := cryptoprim.NewCrypticle(snap.Secret)
		require.NoError(t, err)
		var decoded map[string]interface{}
		_, err = crypt.Loads(outer.Load, &decoded)
		require.NoError(t, err)
		serial, ok := decoded["serial"].(float64)
		require.True(t, ok)
		return uint64(serial)
	}

	require.NoError(t, pub.Publish(map[string]interface{}{"fun": "test.ping"}, nil))
	first := decodeSerial(transport.last())

	require.NoError(t, pub.Publish(map[string]interface{}{"fun": "test.ping"}, nil))
	second := decodeSerial(transport.last())

	require.NoError(t, pub.Publish(map[string]interface{}{"fun": "test.ping"}, nil))
	third := decodeSerial(transport.last())

	require.Less(t, first, second)
	require.Less(t, second, third)
}

func TestPublishSignsWhenConfigured(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	priv, err := cryptoprim.GenerateKeyPair(1024)
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, priv, transport, pubchannel.Options{SignPubMessages: true})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(map[string]interface{}{"fun": "test.ping"}, nil))

	var outer outerEnvelope
	require.NoError(t, json.Unmarshal(transport.last().Payload, &outer))
	require.NotEmpty(t, outer.Sig)
	require.NoError(t, cryptoprim.VerifyMessage(&priv.PublicKey, outer.Load, outer.Sig))
}

func TestNewRejectsSignWithoutKey(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	_, err = pubchannel.New(v, nil, &recordingTransport{}, pubchannel.Options{SignPubMessages: true})
	require.Error(t, err)
}

func TestPublishListTargetForwardsLiteralTargets(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, nil, transport, pubchannel.Options{})
	require.NoError(t, err)

	load := map[string]interface{}{"tgt_type": "list", "tgt": []string{"m1", "m2"}}
	require.NoError(t, pub.Publish(load, nil))
	require.Equal(t, []string{"m1", "m2"}, transport.last().TopicLst)
}

func TestPublishGlobTargetMatchesKnownIDs(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, nil, transport, pubchannel.Options{})
	require.NoError(t, err)

	load := map[string]interface{}{"tgt_type": "glob", "tgt": "web*"}
	known := []string{"web1", "web2", "db1"}
	require.NoError(t, pub.Publish(load, known))
	require.ElementsMatch(t, []string{"web1", "web2"}, transport.last().TopicLst)
}

func TestPublishPCRETargetMatchesKnownIDs(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, nil, transport, pubchannel.Options{})
	require.NoError(t, err)

	load := map[string]interface{}{"tgt_type": "pcre", "tgt": "^db[0-9]+$"}
	known := []string{"web1", "db1", "db2"}
	require.NoError(t, pub.Publish(load, known))
	require.ElementsMatch(t, []string{"db1", "db2"}, transport.last().TopicLst)
}

func TestPublishNonTopicTargetLeavesTopicListEmpty(t *testing.T) {
	v, err := vault.New()
	require.NoError(t, err)
	transport := &recordingTransport{}
	pub, err := pubchannel.New(v, nil, transport, pubchannel.Options{})
	require.NoError(t, err)

	load := map[string]interface{}{"tgt_type": "compound", "tgt": "G@os:linux"}
	require.NoError(t, pub.Publish(load, []string{"m1"}))
	require.Empty(t, transport.last().TopicLst)
}
