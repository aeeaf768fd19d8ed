// Package presence implements the master's minion presence tracker (§4.9,
// C10): which minions currently hold an open publish subscription, firing
// "salt/presence/change" and "salt/presence/present" on every
// first-subscriber/last-unsubscriber transition. It also satisfies
// auth.ConnectionTracker so the handshake engine's max_minions check can
// let already-connected minions back in even over the cap.
package presence

import (
	"sync"
	"time"

	"github.com/saltcore/master/internal/cryptoprim"
	"github.com/saltcore/master/internal/eventbus"
	"github.com/saltcore/master/internal/keystore"
)

// Tracker maps minion ID to the set of live subscriber connections for it,
// grounded on PubServerChannel.present (a dict of id -> set of clients).
type Tracker struct {
	mu      sync.Mutex
	present map[string]map[string]struct{}
	bus     *eventbus.Bus
	emit    bool
}

// New builds a Tracker. emitEvents mirrors opts["presence_events"]; when
// false the map is still maintained (for max_minions bookkeeping) but no
// events are fired.
func New(bus *eventbus.Bus, emitEvents bool) *Tracker {
	return &Tracker{present: make(map[string]map[string]struct{}), bus: bus, emit: emitEvents}
}

// Add registers connID as a live subscriber for id, grounded on
// _add_client_present. now is used to timestamp any fired events.
func (t *Tracker) Add(id, connID string, now time.Time) {
	t.mu.Lock()
	clients, existed := t.present[id]
	if !existed {
		clients = make(map[string]struct{})
		t.present[id] = clients
	}
	clients[connID] = struct{}{}
	var ids []string
	firstForID := !existed
	if firstForID {
		ids = t.idsLocked()
	}
	t.mu.Unlock()

	if firstForID && t.emit {
		t.fireChange([]string{id}, nil, now)
		t.firePresent(ids, now)
	}
}

// Remove unregisters connID from id's subscriber set, grounded on
// _remove_client_present. A missing id or connID is a harmless no-op, since
// the Python original notes the callback can legitimately fire twice.
func (t *Tracker) Remove(id, connID string, now time.Time) {
	t.mu.Lock()
	clients, ok := t.present[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, ok := clients[connID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(clients, connID)
	lastForID := len(clients) == 0
	var ids []string
	if lastForID {
		delete(t.present, id)
		ids = t.idsLocked()
	}
	t.mu.Unlock()

	if lastForID && t.emit {
		t.fireChange(nil, []string{id}, now)
		t.firePresent(ids, now)
	}
}

func (t *Tracker) idsLocked() []string {
	ids := make([]string, 0, len(t.present))
	for id := range t.present {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) fireChange(new, lost []string, now time.Time) {
	if new == nil {
		new = []string{}
	}
	if lost == nil {
		lost = []string{}
	}
	t.bus.Publish(eventbus.TagPresenceChange, map[string]interface{}{"new": new, "lost": lost}, now)
}

func (t *Tracker) firePresent(ids []string, now time.Time) {
	if ids == nil {
		ids = []string{}
	}
	t.bus.Publish(eventbus.TagPresencePresent, map[string]interface{}{"present": ids}, now)
}

// Connected reports whether id currently has at least one live subscriber.
// Satisfies auth.ConnectionTracker.
func (t *Tracker) Connected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	clients, ok := t.present[id]
	return ok && len(clients) > 0
}

// Count returns the number of distinct minion IDs currently present.
// Satisfies auth.ConnectionTracker.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.present)
}

// IDs returns the minion IDs currently present, sorted by no particular
// order (callers needing deterministic output should sort).
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idsLocked()
}

// Callback verifies a subscriber's claimed identity and registers it as
// present, grounded on presence_callback: the message must be "aes"
// encoded, decrypt under the cluster secret, and carry a "tok" that
// verifies against the claimed id's stored accepted public key. Returns the
// verified minion ID, or ok==false if the message should be ignored.
type Callback struct {
	store   *keystore.Store
	tracker *Tracker
}

// NewCallback builds a Callback bound to store (for token verification) and
// tracker (for bookkeeping).
func NewCallback(store *keystore.Store, tracker *Tracker) *Callback {
	return &Callback{store: store, tracker: tracker}
}

// Accept verifies load's id/tok pair and, if valid, marks connID present
// for that id. It mirrors presence_callback's shape once the channel layer
// has already decrypted the "aes" envelope into load.
func (c *Callback) Accept(connID string, load map[string]interface{}, now time.Time) (id string, ok bool) {
	idVal, _ := load["id"].(string)
	if idVal == "" {
		return "", false
	}
	var tok []byte
	switch v := load["tok"].(type) {
	case []byte:
		tok = v
	case string:
		tok = []byte(v)
	default:
		return "", false
	}

	pubBytes, err := c.store.LoadPub(idVal, keystore.Accepted)
	if err != nil {
		return "", false
	}
	pub, err := cryptoprim.ParsePublicKeyPEM(pubBytes)
	if err != nil {
		return "", false
	}
	if !cryptoprim.VerifyToken(pub, tok) {
		return "", false
	}

	c.tracker.Add(idVal, connID, now)
	return idVal, true
}
