// Package registry tracks desired subscription state independently of any
// live router session. Items survive connection loss so a later session can
// reissue every subscription; live handles are per-session bookkeeping only.
package registry

import (
	"sync"

	"coatywamp/pkg/event"
)

// Key identifies a subscription item. Pattern holds the encoded topic
// pattern for structured kinds, or the verbatim topic for raw items.
type Key struct {
	Kind    event.Kind
	Pattern string
	Match   event.Match
}

// Live is the handle of a confirmed router subscription, valid only for the
// session epoch it was issued under.
type Live struct {
	Handle  uint64
	Session uint64
}

// Item is one desired subscription. Keyed records the payload framing of
// matching inbound events.
type Item struct {
	ID    uint64
	Key   Key
	Keyed bool
	Live  *Live
}

type Registry struct {
	mu     sync.Mutex
	items  []*Item
	byKey  map[Key]*Item
	nextID uint64
}

func New() *Registry {
	return &Registry{byKey: make(map[Key]*Item)}
}

// Upsert installs a desired subscription and returns the stored item. For
// most kinds a duplicate key replaces the existing item in place and the
// replaced item's live handle is returned for release. Raw and IoValue items
// coexist under equal keys with distinct identities, one per caller, so
// stale is always nil for them.
func (r *Registry) Upsert(key Key, keyed bool) (Item, *Live) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	item := &Item{ID: r.nextID, Key: key, Keyed: keyed}

	if coexists(key.Kind) {
		r.items = append(r.items, item)
		return *item, nil
	}
	if old, ok := r.byKey[key]; ok {
		stale := old.Live
		for i, it := range r.items {
			if it == old {
				r.items[i] = item
				break
			}
		}
		r.byKey[key] = item
		return *item, stale
	}
	r.items = append(r.items, item)
	r.byKey[key] = item
	return *item, nil
}

// Remove deletes one item with the given key and returns it, or nil if no
// such item exists. For coexisting raw and IoValue items the oldest one is
// removed.
func (r *Registry) Remove(key Key) *Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	if coexists(key.Kind) {
		for i, it := range r.items {
			if it.Key == key {
				r.items = append(r.items[:i], r.items[i+1:]...)
				removed := *it
				return &removed
			}
		}
		return nil
	}
	old, ok := r.byKey[key]
	if !ok {
		return nil
	}
	delete(r.byKey, key)
	for i, it := range r.items {
		if it == old {
			r.items = append(r.items[:i], r.items[i+1:]...)
			break
		}
	}
	removed := *old
	return &removed
}

// SetLive records the confirmed router handle for an item. It reports false
// when the item was removed or replaced while the subscribe was in flight,
// in which case the caller still owns the handle.
func (r *Registry) SetLive(id uint64, live *Live) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ID == id {
			it.Live = live
			return true
		}
	}
	return false
}

// All returns the desired subscriptions in insertion order.
func (r *Registry) All() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, len(r.items))
	for i, it := range r.items {
		out[i] = *it
	}
	return out
}

// InvalidateLive drops every live handle without touching desired state.
// Used after an unexpected disconnect, where the remote session is gone and
// handles must not be released over the wire.
func (r *Registry) InvalidateLive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		it.Live = nil
	}
}

// Clear drops all desired state. Used after an intentional close.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.byKey = make(map[Key]*Item)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func coexists(k event.Kind) bool {
	return k == event.KindRaw || k == event.KindIoValue
}
