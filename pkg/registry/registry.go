// Package registry holds the public keys of known network subscribers.
//
// The registry is an explicit object, constructed once per process and passed
// to the components that need it. State is derived from key lifecycle events
// (added, revoked, rotated), with a materialized view for lookups.
package registry

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/signing"
)

// EventType is a key lifecycle event kind.
type EventType string

const (
	EventKeyAdded   EventType = "KEY_ADDED"
	EventKeyRevoked EventType = "KEY_REVOKED"
	EventKeyRotated EventType = "KEY_ROTATED"
)

var (
	ErrKeyNotFound = errors.New("registry: key not found")
	ErrKeyExists   = errors.New("registry: key id already registered")
)

// KeyEvent is one change to the registry.
type KeyEvent struct {
	Type      EventType         `json:"event_type"`
	KeyID     string            `json:"key_id"`
	PublicKey ed25519.PublicKey `json:"public_key,omitempty"`
	At        time.Time         `json:"at"`
}

// Entry is a registered key as exposed to listings.
type Entry struct {
	KeyID        string    `json:"key_id"`
	SubscriberID string    `json:"subscriber_id"`
	PublicKey    string    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

type keyRecord struct {
	subscriberID string
	pub          ed25519.PublicKey
	registeredAt time.Time
}

// KeyRegistry maps key identifiers to public keys.
type KeyRegistry struct {
	mu     sync.RWMutex
	events []KeyEvent
	keys   map[string]keyRecord
	// subscriber -> most recently registered key id
	latest map[string]string
}

// New creates an empty registry.
func New() *KeyRegistry {
	return &KeyRegistry{
		keys:   make(map[string]keyRecord),
		latest: make(map[string]string),
	}
}

// RegisterPublicKey registers a base64 encoded Ed25519 public key under keyID.
func (r *KeyRegistry) RegisterPublicKey(keyID, publicKeyB64 string) error {
	pub, err := signing.DecodePublicKey(publicKeyB64)
	if err != nil {
		return err
	}
	return r.Register(keyID, pub)
}

// Register adds the key for keyID. A different key under an existing keyID
// is refused with ErrKeyExists; replacing it is a Rotate. Registering the
// same key again is a no-op.
func (r *KeyRegistry) Register(keyID string, pub ed25519.PublicKey) error {
	r.mu.RLock()
	rec, ok := r.keys[keyID]
	r.mu.RUnlock()
	if ok {
		if rec.pub.Equal(pub) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrKeyExists, keyID)
	}
	return r.Apply(KeyEvent{Type: EventKeyAdded, KeyID: keyID, PublicKey: pub, At: time.Now().UTC()})
}

// RotatePublicKey is Rotate with a base64 encoded key.
func (r *KeyRegistry) RotatePublicKey(keyID, publicKeyB64 string) error {
	pub, err := signing.DecodePublicKey(publicKeyB64)
	if err != nil {
		return err
	}
	return r.Rotate(keyID, pub)
}

// Rotate replaces the key of an existing keyID. Callers must have
// authenticated the rotation; the registry only checks that keyID exists.
func (r *KeyRegistry) Rotate(keyID string, pub ed25519.PublicKey) error {
	r.mu.RLock()
	_, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return r.Apply(KeyEvent{Type: EventKeyRotated, KeyID: keyID, PublicKey: pub, At: time.Now().UTC()})
}

// RegisterKeyPair registers the public half of a local key pair.
func (r *KeyRegistry) RegisterKeyPair(kp *signing.KeyPair) error {
	if kp == nil {
		return signing.ErrNoKeyPair
	}
	return r.Register(kp.KeyID, kp.PublicKey)
}

// Revoke removes keyID. Revoking an unknown key is not an error.
func (r *KeyRegistry) Revoke(keyID string) error {
	return r.Apply(KeyEvent{Type: EventKeyRevoked, KeyID: keyID, At: time.Now().UTC()})
}

// Apply processes a key event, updating the materialized view.
func (r *KeyRegistry) Apply(event KeyEvent) error {
	id, err := signing.ParseKeyID(event.KeyID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case EventKeyAdded, EventKeyRotated:
		if len(event.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%s event must include a valid public key: %w", event.Type, signing.ErrInvalidPublicKey)
		}
		at := event.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		r.keys[event.KeyID] = keyRecord{subscriberID: id.SubscriberID, pub: event.PublicKey, registeredAt: at}
		r.latest[id.SubscriberID] = event.KeyID

	case EventKeyRevoked:
		delete(r.keys, event.KeyID)
		if r.latest[id.SubscriberID] == event.KeyID {
			delete(r.latest, id.SubscriberID)
			r.repointLocked(id.SubscriberID)
		}

	default:
		return fmt.Errorf("unknown key event type: %s", event.Type)
	}

	r.events = append(r.events, event)
	return nil
}

// repointLocked selects the newest remaining key of a subscriber as fallback.
func (r *KeyRegistry) repointLocked(subscriberID string) {
	var best string
	var bestAt time.Time
	for keyID, rec := range r.keys {
		if rec.subscriberID != subscriberID {
			continue
		}
		if best == "" || rec.registeredAt.After(bestAt) {
			best, bestAt = keyID, rec.registeredAt
		}
	}
	if best != "" {
		r.latest[subscriberID] = best
	}
}

// GetPublicKey looks up keyID exactly.
func (r *KeyRegistry) GetPublicKey(keyID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keys[keyID]
	return rec.pub, ok
}

// Resolve looks up keyID exactly, falling back to the subscriber's most
// recently registered key.
func (r *KeyRegistry) Resolve(keyID string) (ed25519.PublicKey, bool) {
	if pub, ok := r.GetPublicKey(keyID); ok {
		return pub, true
	}
	id, err := signing.ParseKeyID(keyID)
	if err != nil {
		return nil, false
	}
	return r.BySubscriber(id.SubscriberID)
}

// BySubscriber returns the most recently registered key of a subscriber.
func (r *KeyRegistry) BySubscriber(subscriberID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keyID, ok := r.latest[subscriberID]
	if !ok {
		return nil, false
	}
	rec, ok := r.keys[keyID]
	return rec.pub, ok
}

// List returns all registered keys sorted by key id.
func (r *KeyRegistry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.keys))
	for keyID, rec := range r.keys {
		out = append(out, Entry{
			KeyID:        keyID,
			SubscriberID: rec.subscriberID,
			PublicKey:    encodeKey(rec.pub),
			RegisteredAt: rec.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// Len returns the number of registered keys.
func (r *KeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// EventCount returns the number of events processed.
func (r *KeyRegistry) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
