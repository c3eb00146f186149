package db

import "io"

// Engine is an embedded, sorted byte-string store. Ordering is unsigned
// lexicographic (see package bytecmp). Engines are safe for concurrent use;
// transactions and cursors are not, unless stated otherwise.
type Engine interface {
	// BeginRead starts a transaction that observes a consistent snapshot.
	BeginRead() (Tx, error)
	// BeginWrite starts a transaction whose writes are visible to its own
	// reads and cursors, and to nobody else until Commit.
	BeginWrite() (Tx, error)
	// Size returns the number of bytes the store currently occupies.
	Size() (uint64, error)
	Sync() error
	// Checkpoint writes a consistent copy of the store into dir, which must
	// not exist yet.
	Checkpoint(dir string) error
	Close() error
}

// Tx is a native engine transaction. It is not bound to a goroutine: it may
// be started on one and committed on another.
type Tx interface {
	// Get returns ErrNotFound for absent keys. The returned slice is owned by
	// the engine and stays valid until the closer is closed or the
	// transaction ends, whichever comes first.
	Get(key []byte) ([]byte, io.Closer, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// NewCursor opens a cursor restricted to [lower, upper). Nil bounds are
	// unbounded.
	NewCursor(lower, upper []byte) (Cursor, error)
	Commit() error
	// Abort discards the transaction. Aborting an ended transaction is a no-op.
	Abort() error
}

// Cursor walks keys in order. Positioning methods report whether the cursor
// landed on a key; Key and Value are only meaningful after a true result and
// are valid until the next positioning call.
type Cursor interface {
	First() bool
	Last() bool
	// Seek positions at the first key >= key.
	Seek(key []byte) bool
	Next() bool
	Prev() bool
	Key() []byte
	Value() []byte
	// Error returns the error that made the last positioning call fail, if
	// any. A cursor that simply ran out of keys has no error.
	Error() error
	Close() error
}
