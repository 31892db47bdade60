// Package badger implements a persistent cache tier on BadgerDB.
//
// Frames are stored as msgpack documents under "frame:<identifier>".
// Derived frames are never persisted: their identifiers are only meaningful
// within the session that synthesized them.
package badger

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/justapithecus/framefetch/cache"
	"github.com/justapithecus/framefetch/codec"
	"github.com/justapithecus/framefetch/types"
)

const keyPrefix = "frame:"

// Config configures the tier.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the database entirely in memory.
	InMemory bool
}

// Tier is a BadgerDB-backed cache.Tier.
type Tier struct {
	db *badger.DB
}

// Open opens (or creates) the tier database.
func Open(cfg Config) (*Tier, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("badger tier requires a path or in-memory mode")
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger tier: %w", err)
	}
	return &Tier{db: db}, nil
}

func frameKey(id types.Identifier) []byte {
	return []byte(keyPrefix + string(id))
}

// Load returns the stored frame for id.
func (t *Tier) Load(id types.Identifier) (*types.Frame, bool, error) {
	var frame *types.Frame
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(frameKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			frame, decErr = codec.Decode(val)
			return decErr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger tier load %s: %w", id, err)
	}
	return frame, true, nil
}

// Save persists frame. Derived frames are skipped.
func (t *Tier) Save(frame *types.Frame) error {
	if frame.Derived || frame.ID.IsDerived() {
		return nil
	}
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(frameKey(frame.ID), data)
	})
	if err != nil {
		return fmt.Errorf("badger tier save %s: %w", frame.ID, err)
	}
	return nil
}

// Remove deletes the stored frame for id. Missing keys are not an error.
func (t *Tier) Remove(id types.Identifier) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(frameKey(id))
	})
	if err != nil {
		return fmt.Errorf("badger tier remove %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored frames.
func (t *Tier) Count() (int, error) {
	n := 0
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database.
func (t *Tier) Close() error {
	return t.db.Close()
}

// Verify Tier implements cache.Tier.
var _ cache.Tier = (*Tier)(nil)
