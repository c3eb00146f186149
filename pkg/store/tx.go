package store

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eigerco/rangekv/pkg/db"
)

type txState int32

const (
	txOpen txState = iota
	txCommitted
	txAborted
	// txClosed marks a transaction invalidated by Env.Close.
	txClosed
)

func (s txState) String() string {
	switch s {
	case txOpen:
		return "open"
	case txCommitted:
		return "committed"
	case txClosed:
		return "closed"
	default:
		return "aborted"
	}
}

// Tx is a transaction over an environment. Caller-owned transactions come
// from Env.WriteTx and Env.ReadTx and must be ended with Commit or Abort;
// the DB methods create internal ones when given a nil Tx.
//
// A Tx is not bound to a goroutine. Engine access through it is serialised,
// so a multi-range scan may drive it from several goroutines at once.
type Tx struct {
	env      *Env
	id       uuid.UUID
	inner    db.Tx
	owned    bool
	writable bool
	state    atomic.Int32
	// generation moves when the transaction ends, invalidating its views.
	generation atomic.Uint64
	logger     zerolog.Logger

	mu      sync.Mutex
	closers []io.Closer
	cursors map[*txCursor]struct{}
}

func newTx(e *Env, writable, owned bool) (*Tx, error) {
	var (
		inner db.Tx
		err   error
	)
	if writable {
		inner, err = e.engine.BeginWrite()
	} else {
		inner, err = e.engine.BeginRead()
	}
	if err != nil {
		return nil, engineError(err)
	}
	id := uuid.New()
	t := &Tx{
		env:      e,
		id:       id,
		inner:    inner,
		owned:    owned,
		writable: writable,
		cursors:  make(map[*txCursor]struct{}),
		logger:   e.logger.With().Str("tx", id.String()).Logger(),
	}
	if !e.track(t) {
		_ = inner.Abort()
		return nil, ErrClosed
	}
	t.logger.Trace().Bool("writable", writable).Bool("owned", owned).Msg("transaction started")
	return t, nil
}

func (t *Tx) ID() string { return t.id.String() }

// Owned reports whether the caller is responsible for ending the transaction.
func (t *Tx) Owned() bool { return t.owned }

func (t *Tx) Writable() bool { return t.writable }

// Done reports whether the transaction was committed or aborted.
func (t *Tx) Done() bool { return txState(t.state.Load()) != txOpen }

// Commit makes the writes visible to later transactions. It returns ErrTxDone
// when the transaction already ended; a failed commit leaves it aborted.
func (t *Tx) Commit() error {
	return t.end(txCommitted)
}

// Abort discards the writes. It returns ErrTxDone when the transaction
// already ended.
func (t *Tx) Abort() error {
	return t.end(txAborted)
}

// abortQuietly ends internal transactions on failure paths. It is a no-op
// when the transaction already ended.
func (t *Tx) abortQuietly() {
	err := t.end(txAborted)
	if err != nil && !errors.Is(err, ErrTxDone) {
		t.logger.Warn().Err(err).Msg("abort failed")
	}
}

func (t *Tx) end(to txState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.CompareAndSwap(int32(txOpen), int32(to)) {
		return t.doneError()
	}
	t.release()
	t.env.untrack(t)

	if to == txAborted {
		if err := t.inner.Abort(); err != nil {
			return engineError(err)
		}
		t.logger.Trace().Msg("transaction aborted")
		return nil
	}
	if err := t.inner.Commit(); err != nil {
		t.state.Store(int32(txAborted))
		t.logger.Debug().Err(err).Msg("commit failed")
		return engineError(err)
	}
	t.logger.Trace().Msg("transaction committed")
	return nil
}

// invalidate ends a transaction that outlived its environment. Later calls
// on it fail with ErrClosed.
func (t *Tx) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.CompareAndSwap(int32(txOpen), int32(txClosed)) {
		return
	}
	t.release()
	if err := t.inner.Abort(); err != nil {
		t.logger.Warn().Err(err).Msg("abort on close failed")
	}
	t.logger.Debug().Msg("transaction closed with its environment")
}

// release drops the views and cursors of the transaction. t.mu must be held.
func (t *Tx) release() {
	t.generation.Add(1)
	for _, c := range t.closers {
		_ = c.Close()
	}
	t.closers = nil
	for c := range t.cursors {
		c.closeLocked()
	}
}

func (t *Tx) doneError() error {
	if txState(t.state.Load()) == txClosed {
		return ErrClosed
	}
	return ErrTxDone
}

// do runs fn against the engine transaction while holding the tx lock.
func (t *Tx) do(fn func(inner db.Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if txState(t.state.Load()) != txOpen {
		return t.doneError()
	}
	return fn(t.inner)
}

func (t *Tx) pin(c io.Closer) {
	t.closers = append(t.closers, c)
}

// cursor opens a cursor over space whose every call goes through the tx lock.
// The engine cursor is closed when the transaction ends, if not before.
func (t *Tx) cursor(space *db.Database) (db.Cursor, error) {
	var tc *txCursor
	err := t.do(func(inner db.Tx) error {
		c, err := space.Cursor(inner)
		if err != nil {
			return err
		}
		tc = &txCursor{c: c, tx: t}
		t.cursors[tc] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, engineError(err)
	}
	return tc, nil
}

// txCursor serialises cursor calls with the other users of its transaction.
// Once the transaction ends every positioning call fails, with ErrTxDone or
// with ErrClosed when the environment was closed.
type txCursor struct {
	c      db.Cursor
	tx     *Tx
	err    error
	closed bool
}

func (c *txCursor) move(fn func() bool) bool {
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	if txState(c.tx.state.Load()) != txOpen {
		c.err = c.tx.doneError()
		return false
	}
	if c.closed {
		return false
	}
	return fn()
}

func (c *txCursor) First() bool { return c.move(c.c.First) }

func (c *txCursor) Last() bool { return c.move(c.c.Last) }

func (c *txCursor) Seek(key []byte) bool {
	return c.move(func() bool { return c.c.Seek(key) })
}

func (c *txCursor) Next() bool { return c.move(c.c.Next) }

func (c *txCursor) Prev() bool { return c.move(c.c.Prev) }

func (c *txCursor) Key() []byte {
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.c.Key()
}

func (c *txCursor) Value() []byte {
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.c.Value()
}

func (c *txCursor) Error() error {
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}
	return c.c.Error()
}

func (c *txCursor) Close() error {
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	return c.closeLocked()
}

func (c *txCursor) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.tx.cursors, c)
	return c.c.Close()
}

// View is a value borrowed from the engine without copying. It stays
// readable until its transaction ends; after that Bytes fails with
// ErrStaleView instead of exposing released memory. A View must not be read
// concurrently with the end of its transaction.
type View struct {
	tx         *Tx
	generation uint64
	key        []byte
	data       []byte
	found      bool
}

func (v View) Key() []byte { return v.key }

// Found reports whether the key was stored when the view was taken.
func (v View) Found() bool { return v.found }

// Bytes returns the borrowed value, nil when the key was absent.
func (v View) Bytes() ([]byte, error) {
	if v.tx == nil || v.tx.generation.Load() != v.generation {
		return nil, ErrStaleView
	}
	return v.data, nil
}
