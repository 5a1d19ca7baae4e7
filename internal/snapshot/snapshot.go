// Package snapshot persists device state across restarts in an embedded
// BadgerDB key-value store.
//
// A snapshot bundles the reconciler state, the pending outbox and the
// codec memo under one key per device, written in a single transaction,
// so a restored device never sees a field state and queue from
// different moments.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/outbox"
	"github.com/roach88/fieldsync/internal/vclock"
)

// ErrNotFound is returned by Load when no snapshot exists for the device.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is everything a device needs to resume offline operation.
type Snapshot struct {
	DeviceID  string                  `json:"deviceId"`
	Field     field.State             `json:"field"`
	Pending   []outbox.Item           `json:"pending"`
	CodecMemo map[field.Coord]float64 `json:"codecMemo"`
	SavedAt   int64                   `json:"savedAt"`
}

// Store reads and writes device snapshots.
//
// Thread-safety: Store is safe for concurrent use.
type Store struct {
	db   *badger.DB
	gc   *gcRunner
	once sync.Once
}

// Open opens the snapshot store. A GC runner is started for persistent
// stores with a positive GCInterval.
func Open(cfg Config) (*Store, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
// Safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		err = s.db.Close()
	})
	return err
}

func snapshotKey(deviceID string) []byte {
	return []byte("device/" + vclock.NormalizeID(deviceID) + "/snapshot")
}

// Save writes the snapshot for snap.DeviceID, replacing any previous one.
func (s *Store) Save(snap Snapshot) error {
	if vclock.NormalizeID(snap.DeviceID) == "" {
		return errors.New("save snapshot: device id is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.DeviceID), data)
	}); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.DeviceID, err)
	}
	return nil
}

// Load reads the snapshot for deviceID. Returns ErrNotFound if none exists.
func (s *Store) Load(deviceID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(deviceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", deviceID, err)
	}
	return snap, nil
}

// Delete removes the snapshot for deviceID. Deleting a missing snapshot
// is not an error.
func (s *Store) Delete(deviceID string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(deviceID))
	}); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", deviceID, err)
	}
	return nil
}

// Devices lists the device ids with a stored snapshot, in key order.
func (s *Store) Devices() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("device/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			id := key[len("device/") : len(key)-len("/snapshot")]
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return ids, nil
}
