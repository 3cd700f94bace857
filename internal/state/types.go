package state

import (
	"strings"
	"time"

	"chirpwatch/internal/source"
)

// Slot is one of the four dedup categories tracked per account.
type Slot string

const (
	SlotOriginal Slot = "original"
	SlotReply    Slot = "reply"
	SlotRepost   Slot = "repost"
	SlotPinned   Slot = "pinned"
)

// SlotFor maps a content category to its dedup slot.
func SlotFor(k source.Kind) Slot {
	switch k {
	case source.KindReply:
		return SlotReply
	case source.KindRepost:
		return SlotRepost
	default:
		return SlotOriginal
	}
}

func validSlot(s Slot) bool {
	switch s {
	case SlotOriginal, SlotReply, SlotRepost, SlotPinned:
		return true
	}
	return false
}

// Key identifies one tracked state entry. Using a struct instead of string
// concatenation rules out accidental collisions between account names and
// slot suffixes.
type Key struct {
	Account string
	Slot    Slot
}

// String renders the persisted form, "<account>_<slot>".
func (k Key) String() string { return k.Account + "_" + string(k.Slot) }

// parseKey inverts String(). The slot is the suffix after the last
// underscore, so account handles containing underscores round-trip.
func parseKey(s string) (Key, bool) {
	i := strings.LastIndexByte(s, '_')
	if i <= 0 || i == len(s)-1 {
		return Key{}, false
	}
	k := Key{Account: s[:i], Slot: Slot(s[i+1:])}
	if !validSlot(k.Slot) {
		return Key{}, false
	}
	return k, true
}

// Update is one requested mutation. An empty ID is a valid value (a cleared
// pinned slot), not a delete.
type Update struct {
	Key Key
	ID  string
}

// Config configures the state store.
//
// Driver values:
//   - "file" (default if empty): JSON snapshot with atomic replace
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
