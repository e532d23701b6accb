package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/quantfunk/perptrader/internal/snapshot"
)

// ErrSnapshotExists is returned when saving an id that is already stored.
var ErrSnapshotExists = errors.New("store: snapshot already exists")

// SnapshotStore is the write-once snapshot repository. Snapshot ids are
// deterministic, so a duplicate id means the same market state was built
// twice; the first write wins.
type SnapshotStore struct {
	log *JSONL

	mu   sync.Mutex
	seen map[string]bool
}

// OpenSnapshotStore opens the store and replays the existing file to
// rebuild the id index.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	s := &SnapshotStore{
		log:  NewJSONL(path),
		seen: make(map[string]bool),
	}
	records, err := s.log.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if id, ok := record["snapshot_id"].(string); ok && id != "" {
			s.seen[id] = true
		}
	}
	return s, nil
}

// Save appends the snapshot, failing with ErrSnapshotExists on a
// duplicate id.
func (s *SnapshotStore) Save(snap *snapshot.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("store: invalid snapshot: %w", err)
	}
	s.mu.Lock()
	if s.seen[snap.SnapshotID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSnapshotExists, snap.SnapshotID)
	}
	s.seen[snap.SnapshotID] = true
	s.mu.Unlock()

	if err := s.log.AppendStruct(snap); err != nil {
		return err
	}
	return nil
}

// SaveOrGet saves the snapshot, or reports saved=false when the id was
// already stored. Duplicate builds are a normal outcome of fast cycles.
func (s *SnapshotStore) SaveOrGet(snap *snapshot.Snapshot) (saved bool, err error) {
	err = s.Save(snap)
	if errors.Is(err, ErrSnapshotExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Has reports whether a snapshot id is stored.
func (s *SnapshotStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[id]
}

// Get returns the stored snapshot by id, or nil when absent. Reads scan
// the file; the store is optimized for appends.
func (s *SnapshotStore) Get(id string) (*snapshot.Snapshot, error) {
	if !s.Has(id) {
		return nil, nil
	}
	records, err := s.log.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record["snapshot_id"] != id {
			continue
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("store: remarshal snapshot: %w", err)
		}
		var snap snapshot.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("store: decode snapshot %s: %w", id, err)
		}
		return &snap, nil
	}
	return nil, nil
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
