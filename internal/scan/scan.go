// Package scan walks engine cursors over a key range, one algorithm per range
// shape, and turns the walk into a lazy sequence of mapped items.
package scan

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/eigerco/rangekv/pkg/bytecmp"
	"github.com/eigerco/rangekv/pkg/db"
	"github.com/eigerco/rangekv/pkg/keyrange"
)

var ErrScan = errors.New("scan: cursor failed")

// Mapper turns a cursor entry into a scan item. key and value are borrowed
// from the cursor and must not be retained after Map returns. Returning false
// skips the entry.
type Mapper[T any] interface {
	Map(key, value []byte) (T, bool)
}

// MapperFunc adapts a plain function to Mapper.
type MapperFunc[T any] func(key, value []byte) (T, bool)

func (f MapperFunc[T]) Map(key, value []byte) (T, bool) {
	return f(key, value)
}

// Opener acquires the cursor a walk runs on. It is called once, when the
// first item is requested.
type Opener func() (db.Cursor, error)

type walkFunc func(c db.Cursor, r keyrange.KeyRange, emit func() bool)

// Walk returns the items of r in range order. Nothing happens until the
// sequence is iterated, and the cursor only advances when the consumer asks
// for the next item, so a consumer pulling K items through iter.Pull2 maps
// exactly K entries.
//
// The walk ends quietly when ctx is cancelled or the consumer stops. A cursor
// failure is reported as a final (zero, err) pair wrapping ErrScan. The cursor
// is closed on every path.
func Walk[T any](ctx context.Context, open Opener, r keyrange.KeyRange, m Mapper[T]) iter.Seq2[T, error] {
	walk := algorithm(r.Kind())

	return func(yield func(T, error) bool) {
		var zero T

		cur, err := open()
		if err != nil {
			yield(zero, fmt.Errorf("%w: %w", ErrScan, err))
			return
		}
		defer cur.Close()

		stopped := false
		walk(cur, r, func() bool {
			if ctx.Err() != nil {
				stopped = true
				return false
			}
			key, value := cur.Key(), cur.Value()
			// A value the engine failed to load is never mapped.
			if cur.Error() != nil {
				return false
			}
			item, ok := m.Map(key, value)
			if !ok {
				return true
			}
			if !yield(item, nil) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		if err := cur.Error(); err != nil {
			yield(zero, fmt.Errorf("%w: %w", ErrScan, err))
		}
	}
}

// Raw hands the cursor to fn, which positions and walks it itself and passes
// items to yield. yield reports false once the consumer stopped or ctx was
// cancelled; fn should return then. The cursor is closed when fn returns.
func Raw[T any](ctx context.Context, open Opener, fn func(c db.Cursor, yield func(T) bool) error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		cur, err := open()
		if err != nil {
			yield(zero, fmt.Errorf("%w: %w", ErrScan, err))
			return
		}
		defer cur.Close()

		stopped := false
		err = fn(cur, func(item T) bool {
			if stopped || ctx.Err() != nil {
				stopped = true
				return false
			}
			if !yield(item, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(zero, fmt.Errorf("%w: %w", ErrScan, err))
		}
	}
}

func algorithm(kind keyrange.Kind) walkFunc {
	switch kind {
	case keyrange.UnboundedForward:
		return walkUnboundedForward
	case keyrange.UnboundedBackward:
		return walkUnboundedBackward
	case keyrange.StartForward:
		return walkStartForward
	case keyrange.StartBackward:
		return walkStartBackward
	case keyrange.StopForward:
		return walkStopForward
	case keyrange.StopBackward:
		return walkStopBackward
	case keyrange.RangeForward:
		return walkRangeForward
	case keyrange.RangeBackward:
		return walkRangeBackward
	default:
		panic(fmt.Sprintf("scan: unknown range kind %s", kind))
	}
}

func walkUnboundedForward(c db.Cursor, _ keyrange.KeyRange, emit func() bool) {
	walkWhile(c, c.First(), c.Next, nil, emit)
}

func walkUnboundedBackward(c db.Cursor, _ keyrange.KeyRange, emit func() bool) {
	walkWhile(c, c.Last(), c.Prev, nil, emit)
}

func walkStartForward(c db.Cursor, r keyrange.KeyRange, emit func() bool) {
	walkWhile(c, c.Seek(r.Start()), c.Next, nil, emit)
}

func walkStartBackward(c db.Cursor, r keyrange.KeyRange, emit func() bool) {
	walkWhile(c, seekLE(c, r.Start()), c.Prev, nil, emit)
}

func walkStopForward(c db.Cursor, r keyrange.KeyRange, emit func() bool) {
	walkWhile(c, c.First(), c.Next, func(key []byte) bool {
		return r.CompareStop(key) <= 0
	}, emit)
}

func walkStopBackward(c db.Cursor, r keyrange.KeyRange, emit func() bool) {
	walkWhile(c, c.Last(), c.Prev, func(key []byte) bool {
		return r.CompareStop(key) >= 0
	}, emit)
}

func walkRangeForward(c db.Cursor, r keyrange.KeyRange, emit func() bool) {
	walkWhile(c, c.Seek(r.Start()), c.Next, func(key []byte) bool {
		return r.CompareStop(key) <= 0
	}, emit)
}

// walkWhile emits from the landed position and steps until the cursor runs
// out, within rejects a key, or emit asks to stop.
func walkWhile(c db.Cursor, ok bool, step func() bool, within func(key []byte) bool, emit func() bool) {
	for ; ok; ok = step() {
		if within != nil && !within(c.Key()) {
			return
		}
		if !emit() {
			return
		}
	}
}

// walkRangeBackward filters on the stop bound instead of breaking on it, so
// it runs the cursor down to the first key of the keyspace.
func walkRangeBackward(c db.Cursor, r keyrange.KeyRange, emit func() bool) {
	for ok := seekLE(c, r.Start()); ok; ok = c.Prev() {
		if r.CompareStop(c.Key()) < 0 {
			continue
		}
		if !emit() {
			return
		}
	}
}

// seekLE positions c at the last key <= key.
func seekLE(c db.Cursor, key []byte) bool {
	if !c.Seek(key) {
		if c.Error() != nil {
			return false
		}
		return c.Last()
	}
	if bytecmp.Compare(c.Key(), key) > 0 {
		return c.Prev()
	}
	return true
}
