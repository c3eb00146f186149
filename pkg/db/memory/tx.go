package memory

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/eigerco/rangekv/pkg/db"
)

type op struct {
	key    []byte
	value  []byte
	delete bool
}

// tx owns a private clone of the tree. Writes land on the clone right away,
// so the transaction reads its own writes, and are recorded for Commit.
type tx struct {
	store    *Store
	tree     *btree.BTreeG[item]
	ops      []op
	readOnly bool
	done     atomic.Bool
}

var _ db.Tx = (*tx)(nil)

var nopCloser = io.NopCloser(nil)

func (t *tx) Get(key []byte) ([]byte, io.Closer, error) {
	if t.done.Load() {
		return nil, nil, db.ErrTxDone
	}
	it, ok := t.tree.Get(item{key: key})
	if !ok {
		return nil, nil, db.ErrNotFound
	}
	return it.value, nopCloser, nil
}

func (t *tx) Put(key, value []byte) error {
	if t.readOnly {
		return db.ErrReadOnly
	}
	if t.done.Load() {
		return db.ErrTxDone
	}
	k, v := bytes.Clone(key), bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	t.tree.ReplaceOrInsert(item{key: k, value: v})
	t.ops = append(t.ops, op{key: k, value: v})
	return nil
}

func (t *tx) Delete(key []byte) error {
	if t.readOnly {
		return db.ErrReadOnly
	}
	if t.done.Load() {
		return db.ErrTxDone
	}
	k := bytes.Clone(key)
	t.tree.Delete(item{key: k})
	t.ops = append(t.ops, op{key: k, delete: true})
	return nil
}

func (t *tx) NewCursor(lower, upper []byte) (db.Cursor, error) {
	if t.done.Load() {
		return nil, db.ErrTxDone
	}
	return &cursor{tree: t.tree, lower: lower, upper: upper}, nil
}

func (t *tx) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return db.ErrTxDone
	}
	if t.readOnly {
		t.store.readers.Add(-1)
		return nil
	}
	return t.store.apply(t.ops)
}

func (t *tx) Abort() error {
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	if t.readOnly {
		t.store.readers.Add(-1)
	}
	t.ops = nil
	return nil
}
