package harvester

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cursor is the harvester's resumption state (§3.1). It advances
// monotonically within a boot epoch; a boot_signature change routes the
// harvester through the cold-source recovery path.
type Cursor struct {
	LastTimerStart int64     `json:"last_timer_start"`
	BootSignature  string    `json:"boot_signature"`
	LastEventTS    time.Time `json:"last_event_ts"`
}

// Store persists a Cursor durably (component A, "Cursor Store"). The
// specification asks only for a small key/value durable store; a
// JSON file under UBA_LOGS_DIR satisfies that without pulling in a
// dependency whose only job would be holding one struct per source.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store persisting to "<dir>/cursor_<source>.json".
func NewStore(dir, source string) *Store {
	return &Store{path: filepath.Join(dir, fmt.Sprintf("cursor_%s.json", source))}
}

// Load reads the persisted cursor. A missing file is not an error: it
// means the harvester has never run against this source before, and the
// zero Cursor correctly forces a first pass through recovery mode (an
// empty boot_signature never matches a live DB's).
func (s *Store) Load() (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	return c, nil
}

// Save persists the cursor, writing to a temp file and renaming so a crash
// mid-write never leaves a corrupt cursor behind.
func (s *Store) Save(c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cursor temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit cursor file: %w", err)
	}
	return nil
}
