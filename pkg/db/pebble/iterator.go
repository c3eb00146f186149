package pebble

import (
	"github.com/cockroachdb/pebble"

	"github.com/eigerco/rangekv/pkg/db"
)

// Iterator adapts a pebble iterator to db.Cursor. Keys and values are not
// copied; they alias pebble buffers until the next positioning call.
// After the store closes it is exhausted and Error reports db.ErrClosed.
type Iterator struct {
	iter  *pebble.Iterator
	store *KVStore
	err   error
}

var _ db.Cursor = (*Iterator)(nil)

func (it *Iterator) move(fn func() bool) bool {
	var ok bool
	if err := it.store.guard(func() error {
		ok = fn()
		return nil
	}); err != nil {
		it.err = err
		return false
	}
	return ok
}

func (it *Iterator) First() bool { return it.move(it.iter.First) }

func (it *Iterator) Last() bool { return it.move(it.iter.Last) }

func (it *Iterator) Seek(key []byte) bool {
	return it.move(func() bool { return it.iter.SeekGE(key) })
}

func (it *Iterator) Next() bool { return it.move(it.iter.Next) }

func (it *Iterator) Prev() bool { return it.move(it.iter.Prev) }

func (it *Iterator) Key() []byte {
	var key []byte
	_ = it.store.guard(func() error {
		key = it.iter.Key()
		return nil
	})
	return key
}

func (it *Iterator) Value() []byte {
	var val []byte
	err := it.store.guard(func() error {
		var err error
		val, err = it.iter.ValueAndErr()
		return err
	})
	if err != nil {
		it.err = err
		return nil
	}
	return val
}

func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

// Close releases the iterator. After the store closed there is nothing left
// to release.
func (it *Iterator) Close() error {
	err := it.store.guard(it.iter.Close)
	if err == db.ErrClosed {
		return nil
	}
	return err
}
