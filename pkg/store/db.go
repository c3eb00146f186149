package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/eigerco/rangekv/internal/scan"
	"github.com/eigerco/rangekv/pkg/db"
	"github.com/eigerco/rangekv/pkg/keyrange"
)

// DB is a named database of an environment. Every method takes an optional
// caller-owned transaction: with nil the operation runs in an internal
// transaction that is committed on success and aborted on failure, while a
// caller-owned one is left open for the caller to end.
type DB struct {
	env       *Env
	space     *db.Database
	chunkSize int
	logger    zerolog.Logger
	closed    atomic.Bool
}

func (d *DB) Name() string { return d.space.Name() }

// ChunkSize is the default number of items per scan chunk.
func (d *DB) ChunkSize() int { return d.chunkSize }

// Close marks the database closed. The environment stays open.
func (d *DB) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *DB) check() error {
	if d.closed.Load() || d.env.closed.Load() {
		return ErrClosed
	}
	return nil
}

// begin returns tx when the caller supplied one, or a new internal
// transaction. internal tells the caller to end it with finish.
func (d *DB) begin(tx *Tx, writable bool) (t *Tx, internal bool, err error) {
	if err := d.check(); err != nil {
		return nil, false, err
	}
	if tx == nil {
		t, err := d.env.internalTx(writable)
		return t, true, err
	}
	if tx.Done() {
		return nil, false, ErrTxDone
	}
	if writable && !tx.Writable() {
		return nil, false, ErrReadOnlyTx
	}
	return tx, false, nil
}

// finish commits an internal transaction when err is nil and aborts it
// otherwise.
func finish(t *Tx, internal bool, err error) error {
	if !internal {
		return err
	}
	if err != nil {
		t.abortQuietly()
		return err
	}
	return t.Commit()
}

// Put writes every pair. An invalid pair fails the whole call with
// ErrInvalidArgument; in an internal transaction nothing is written then.
func (d *DB) Put(ctx context.Context, tx *Tx, kvs []KeyValue) error {
	return d.write(ctx, tx, kvs)
}

// Append is Put for pairs whose keys arrive in ascending order, the shape of
// a bulk load. The order is not checked.
func (d *DB) Append(ctx context.Context, tx *Tx, kvs []KeyValue) error {
	return d.write(ctx, tx, kvs)
}

func (d *DB) write(ctx context.Context, tx *Tx, kvs []KeyValue) (err error) {
	t, internal, err := d.begin(tx, true)
	if err != nil {
		return err
	}
	defer func() { err = finish(t, internal, err) }()

	return t.do(func(inner db.Tx) error {
		for i, kv := range kvs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !kv.valid() {
				return fmt.Errorf("%w: item %d is not a valid key value pair", ErrInvalidArgument, i)
			}
			if err := d.space.Put(inner, kv.key, kv.value); err != nil {
				return engineError(err)
			}
		}
		return nil
	})
}

// Get returns one result per key, in order. Keys that are not stored come
// back as Absent results.
func (d *DB) Get(ctx context.Context, tx *Tx, keys [][]byte) (_ []KeyValue, err error) {
	for i, k := range keys {
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: key %d is empty", ErrInvalidArgument, i)
		}
	}
	t, internal, err := d.begin(tx, false)
	if err != nil {
		return nil, err
	}
	defer func() { err = finish(t, internal, err) }()

	out := make([]KeyValue, 0, len(keys))
	err = t.do(func(inner db.Tx) error {
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			value, closer, err := d.space.Get(inner, k)
			if errors.Is(err, db.ErrNotFound) {
				out = append(out, Absent(k))
				continue
			}
			if err != nil {
				return engineError(err)
			}
			out = append(out, KeyValue{key: clone(k), value: clone(value)})
			_ = closer.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetView reads key without copying its value. The view borrows engine
// memory and is only readable while tx is open, so tx must be caller-owned.
func (d *DB) GetView(tx *Tx, key []byte) (View, error) {
	if tx == nil {
		return View{}, fmt.Errorf("%w: views need an open transaction", ErrTxMisuse)
	}
	if len(key) == 0 {
		return View{}, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	t, _, err := d.begin(tx, false)
	if err != nil {
		return View{}, err
	}

	v := View{tx: t, key: clone(key)}
	err = t.do(func(inner db.Tx) error {
		value, closer, err := d.space.Get(inner, key)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return engineError(err)
		}
		t.pin(closer)
		v.data, v.found = value, true
		return nil
	})
	if err != nil {
		return View{}, err
	}
	v.generation = t.generation.Load()
	return v, nil
}

// Delete removes every key. Missing keys are not an error.
func (d *DB) Delete(ctx context.Context, tx *Tx, keys [][]byte) (err error) {
	for i, k := range keys {
		if len(k) == 0 {
			return fmt.Errorf("%w: key %d is empty", ErrInvalidArgument, i)
		}
	}
	t, internal, err := d.begin(tx, true)
	if err != nil {
		return err
	}
	defer func() { err = finish(t, internal, err) }()

	return d.deleteKeys(ctx, t, keys)
}

func (d *DB) deleteKeys(ctx context.Context, t *Tx, keys [][]byte) error {
	return t.do(func(inner db.Tx) error {
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.space.Delete(inner, k); err != nil {
				return engineError(err)
			}
		}
		return nil
	})
}

// DeleteAll empties the database. Keys are collected by a scan, whose cursor
// is released before the first delete.
func (d *DB) DeleteAll(ctx context.Context, tx *Tx) (err error) {
	t, internal, err := d.begin(tx, true)
	if err != nil {
		return err
	}
	defer func() { err = finish(t, internal, err) }()

	var keys [][]byte
	for key, err := range scan.Walk(ctx, d.opener(t), keyrange.Forward(), scan.Mapper[[]byte](KeyMapper)) {
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Debug().Int("keys", len(keys)).Str("tx", t.ID()).Msg("deleting all keys")
	return d.deleteKeys(ctx, t, keys)
}

func (d *DB) opener(t *Tx) scan.Opener {
	return func() (db.Cursor, error) {
		return t.cursor(d.space)
	}
}
