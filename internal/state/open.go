// Package state persists the last-seen item id per (account, slot) so the
// monitor never re-notifies across process restarts.
package state

import (
	"errors"
	"strings"

	logx "chirpwatch/pkg/logx"
)

// Store is the dedup state owned by the monitor.
//
// Implementations serialize all mutations: a persisted snapshot never
// reflects a partial batch interleaved with another writer.
type Store interface {
	// Get returns the last-seen id for k. ok is false if the slot has never
	// been observed (which triggers priming, not a notification).
	Get(k Key) (id string, ok bool)
	// ApplyBatch applies all updates and persists once. The in-memory view
	// is updated even when the durable write fails.
	ApplyBatch(us []Update) error
	// DeleteAccount removes every slot entry for the account.
	DeleteAccount(account string) error
	// Count reports the number of tracked entries.
	Count() int
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + cfg.Driver)
	}
}
