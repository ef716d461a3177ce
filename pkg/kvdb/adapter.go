// Copyright 2025 Certen Protocol
//
// KV adapter over a CometBFT dbm.DB, used by the memory session store as
// an embedded-disk crash-recovery tier: sessions survive a coordinator
// process restart without requiring the replicated backend.

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is a minimal durable key-value interface the session store snapshots
// session records through.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Adapter wraps a CometBFT dbm.DB and exposes the KV interface.
type Adapter struct {
	db dbm.DB
}

// Open opens (creating if absent) a GoLevelDB-backed store named name
// under dir.
func Open(name, dir string) (*Adapter, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, err
	}
	return &Adapter{db: db}, nil
}

// NewAdapter wraps an already-open dbm.DB.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

func (a *Adapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}

// Iterate walks every key with the given prefix, invoking fn with each
// key/value pair until fn returns an error or the iterator is exhausted.
func (a *Adapter) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if a.db == nil {
		return nil
	}
	it, err := a.db.Iterator(prefix, endBound(prefix))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// endBound returns the exclusive upper bound for a prefix scan.
func endBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // prefix was all 0xff; unbounded scan
}
