package pebble

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/rangekv/pkg/db"
)

// Batch is a write transaction: an indexed batch whose reads and cursors see
// its own pending writes layered over the committed store. Every call fails
// with db.ErrClosed once the store is closed.
type Batch struct {
	batch *pebble.Batch
	store *KVStore
	done  atomic.Bool
}

var _ db.Tx = (*Batch)(nil)

func (p *KVStore) NewBatch() *Batch {
	return &Batch{
		batch: p.db.NewIndexedBatch(),
		store: p,
	}
}

func (b *Batch) Get(key []byte) (value []byte, closer io.Closer, err error) {
	if b.done.Load() {
		return nil, nil, db.ErrTxDone
	}
	err = b.store.guard(func() error {
		value, closer, err = b.batch.Get(key)
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

func (b *Batch) Put(key, value []byte) error {
	if b.done.Load() {
		return db.ErrTxDone
	}
	return b.store.guard(func() error {
		return b.batch.Set(key, value, nil)
	})
}

func (b *Batch) Delete(key []byte) error {
	if b.done.Load() {
		return db.ErrTxDone
	}
	return b.store.guard(func() error {
		return b.batch.Delete(key, nil)
	})
}

func (b *Batch) NewCursor(lower, upper []byte) (db.Cursor, error) {
	if b.done.Load() {
		return nil, db.ErrTxDone
	}
	var iter *pebble.Iterator
	err := b.store.guard(func() error {
		var err error
		iter, err = b.batch.NewIter(&pebble.IterOptions{
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
	return &Iterator{iter: iter, store: b.store}, nil
}

func (b *Batch) Commit() error {
	if !b.done.CompareAndSwap(false, true) {
		return db.ErrTxDone
	}
	return b.store.guard(func() error {
		defer b.batch.Close()

		if err := b.store.checkMapSize(b.batch.Len()); err != nil {
			return err
		}
		if err := b.batch.Commit(b.store.writeOpts); err != nil {
			return fmt.Errorf(ErrCommit, err)
		}
		return nil
	})
}

// Abort discards the batch. Aborting after the store closed is a no-op.
func (b *Batch) Abort() error {
	if !b.done.CompareAndSwap(false, true) {
		return nil
	}
	err := b.store.guard(b.batch.Close)
	if err == db.ErrClosed {
		return nil
	}
	return err
}
