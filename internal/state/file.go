package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	logx "chirpwatch/pkg/logx"
)

// fileStore keeps the full mapping in memory and writes a JSON snapshot via
// write-then-rename, so a crash mid-persist never truncates a valid prior
// snapshot.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	entries map[Key]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, entries: map[Key]string{}}
	s.load()
	return s, nil
}

// load populates entries from the snapshot. A missing file starts empty; a
// corrupt one is logged and also starts empty rather than failing startup.
func (s *fileStore) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("state snapshot unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.Warn("state snapshot corrupt; starting empty", logx.String("path", s.path), logx.Err(err))
		return
	}
	for ks, id := range m {
		k, ok := parseKey(ks)
		if !ok {
			s.log.Warn("state snapshot has unrecognized key; dropping", logx.String("key", ks))
			continue
		}
		s.entries[k] = id
	}
	s.log.Info("state restored", logx.Int("entries", len(s.entries)), logx.String("path", s.path))
}

func (s *fileStore) Get(k Key) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[k]
	return id, ok
}

func (s *fileStore) ApplyBatch(us []Update) error {
	if len(us) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range us {
		s.entries[u.Key] = u.ID
	}
	return s.persistLocked()
}

func (s *fileStore) DeleteAccount(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.entries {
		if k.Account == account {
			delete(s.entries, k)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return s.persistLocked()
}

func (s *fileStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) persistLocked() error {
	m := make(map[string]string, len(s.entries))
	for k, id := range s.entries {
		m[k.String()] = id
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
