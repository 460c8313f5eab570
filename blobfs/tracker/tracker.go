// Package tracker keeps a durable register of persistent blob files so
// the node can tell its own files from leftovers after a restart.
package tracker

import (
	"errors"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rarydzu/monoblob/utils"
	"github.com/syndtr/goleveldb/leveldb"
	lfilter "github.com/syndtr/goleveldb/leveldb/filter"
	lopt "github.com/syndtr/goleveldb/leveldb/opt"
)

// Tracker records registered paths with their registration time.
type Tracker struct {
	db    *leveldb.DB
	clock timeutil.Clock
}

// New opens the tracker db at path.
func New(path string, clock timeutil.Clock) (*Tracker, error) {
	opts := &lopt.Options{
		Filter: lfilter.NewBloomFilter(1000),
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, err
	}
	return &Tracker{db: db, clock: clock}, nil
}

// Register records path as belonging to this store.
func (t *Tracker) Register(path string) error {
	now := t.clock.Now().UnixNano()
	return t.db.Put([]byte(path), utils.Int64ToBytes(now), nil)
}

// Contains reports whether path was ever registered.
func (t *Tracker) Contains(path string) (bool, error) {
	_, err := t.db.Get([]byte(path), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RegisteredAt returns when path was registered.
func (t *Tracker) RegisteredAt(path string) (time.Time, error) {
	val, err := t.db.Get([]byte(path), nil)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, utils.BytesToInt64(val)), nil
}

// Forget removes path from the register.
func (t *Tracker) Forget(path string) error {
	return t.db.Delete([]byte(path), nil)
}

// Count returns the number of registered paths.
func (t *Tracker) Count() (int, error) {
	c := 0
	iter := t.db.NewIterator(nil, nil)
	for iter.Next() {
		c++
	}
	iter.Release()
	return c, iter.Error()
}

// Close closes the tracker db.
func (t *Tracker) Close() error {
	return t.db.Close()
}
