package pebble

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/rangekv/pkg/db"
)

// Snapshot is a read transaction over a point-in-time view of the store.
// Like Batch it fails with db.ErrClosed once the store is closed.
type Snapshot struct {
	snap  *pebble.Snapshot
	store *KVStore
	done  atomic.Bool
}

var _ db.Tx = (*Snapshot)(nil)

func (s *Snapshot) Get(key []byte) (value []byte, closer io.Closer, err error) {
	if s.done.Load() {
		return nil, nil, db.ErrTxDone
	}
	err = s.store.guard(func() error {
		value, closer, err = s.snap.Get(key)
		return err
	})
	if err == pebble.ErrNotFound {
		return nil, nil, db.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return value, closer, nil
}

func (s *Snapshot) Put(key, value []byte) error {
	return db.ErrReadOnly
}

func (s *Snapshot) Delete(key []byte) error {
	return db.ErrReadOnly
}

func (s *Snapshot) NewCursor(lower, upper []byte) (db.Cursor, error) {
	if s.done.Load() {
		return nil, db.ErrTxDone
	}
	var iter *pebble.Iterator
	err := s.store.guard(func() error {
		var err error
		iter, err = s.snap.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: upper,
		})
		return err
	})
	if err == db.ErrClosed {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf(ErrInIteratorCreation, err)
	}
	return &Iterator{iter: iter, store: s.store}, nil
}

// Commit releases the snapshot; there is nothing to write.
func (s *Snapshot) Commit() error {
	if !s.done.CompareAndSwap(false, true) {
		return db.ErrTxDone
	}
	return s.release()
}

func (s *Snapshot) Abort() error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.release(); err != db.ErrClosed {
		return err
	}
	return nil
}

func (s *Snapshot) release() error {
	s.store.readers.Add(-1)
	return s.store.guard(s.snap.Close)
}
