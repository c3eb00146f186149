package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/eigerco/rangekv/internal/scan"
	"github.com/eigerco/rangekv/pkg/db"
	"github.com/eigerco/rangekv/pkg/keyrange"
)

// ScanOptions configures ScanWith.
type ScanOptions[T any] struct {
	// Tx is the transaction to read in. Nil runs the scan in an internal
	// read transaction, which only single-range scans may do.
	Tx *Tx
	// Mapper turns entries into items. Required.
	Mapper Mapper[T]
	// ChunkSize overrides the database default. At most MaxChunkSize.
	ChunkSize int
	// Ranges to scan. None means the whole database in ascending order.
	Ranges []keyrange.KeyRange
}

// Scan streams copies of the pairs selected by ranges. See ScanWith.
func (d *DB) Scan(ctx context.Context, tx *Tx, ranges ...keyrange.KeyRange) (*Stream[KeyValue], error) {
	return ScanWith(ctx, d, ScanOptions[KeyValue]{
		Tx:     tx,
		Mapper: KeyValueMapper,
		Ranges: ranges,
	})
}

// ScanWith streams the items opts.Mapper makes of the entries selected by
// opts.Ranges, in chunks of opts.ChunkSize.
//
// A single range is read lazily in the consumer's goroutine: the cursor only
// moves when Next asks for more. Several ranges are scanned concurrently on
// the environment's workers into a bounded buffer, each range in its own
// order with no ordering between ranges. Since those workers share the
// transaction, opts.Tx must be caller-owned and ErrTxMisuse is returned
// otherwise, before any work starts.
func ScanWith[T any](ctx context.Context, d *DB, opts ScanOptions[T]) (*Stream[T], error) {
	if opts.Mapper == nil {
		return nil, fmt.Errorf("%w: nil mapper", ErrInvalidArgument)
	}
	size, err := d.scanChunkSize(opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	ranges := opts.Ranges
	if len(ranges) == 0 {
		ranges = []keyrange.KeyRange{keyrange.Forward()}
	}
	if len(ranges) > 1 && opts.Tx == nil {
		if err := d.check(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning %d ranges", ErrTxMisuse, len(ranges))
	}

	t, internal, err := d.begin(opts.Tx, false)
	if err != nil {
		return nil, err
	}
	d.logger.Trace().Str("tx", t.ID()).Int("ranges", len(ranges)).Int("chunk_size", size).Msg("scan started")

	if len(ranges) == 1 {
		seq := scan.Walk(ctx, d.opener(t), ranges[0], scan.Mapper[T](opts.Mapper))
		return pullStream(seq, size, d.release(ctx, t, internal)), nil
	}
	return parallelStream(ctx, d, t, ranges, size, opts.Mapper), nil
}

// ScanCursor hands a cursor over the database to fn, which positions and
// walks it and passes items to yield; yield reports false once the stream
// was closed. The items are streamed in chunks like ScanWith. Keys seen by
// fn are relative to the database.
func ScanCursor[T any](ctx context.Context, d *DB, tx *Tx, fn func(c db.Cursor, yield func(T) bool) error) (*Stream[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil cursor function", ErrInvalidArgument)
	}
	t, internal, err := d.begin(tx, false)
	if err != nil {
		return nil, err
	}
	seq := scan.Raw(ctx, d.opener(t), fn)
	return pullStream(seq, d.chunkSize, d.release(ctx, t, internal)), nil
}

func (d *DB) scanChunkSize(size int) (int, error) {
	switch {
	case size < 0, size > MaxChunkSize:
		return 0, fmt.Errorf("%w: chunk size %d", ErrInvalidArgument, size)
	case size == 0:
		return d.chunkSize, nil
	}
	return size, nil
}

// release ends an internal transaction once its stream is done. It is
// committed only when the stream ran to completion; a cancelled or closed
// stream aborts it and ends without error.
func (d *DB) release(ctx context.Context, t *Tx, internal bool) func(err error, complete bool) error {
	return func(err error, complete bool) error {
		if err == nil && complete && ctx.Err() == nil {
			return finish(t, internal, nil)
		}
		if internal {
			t.abortQuietly()
		}
		if err != nil {
			d.logger.Debug().Err(err).Str("tx", t.ID()).Msg("scan failed")
		}
		return err
	}
}

func parallelStream[T any](ctx context.Context, d *DB, t *Tx, ranges []keyrange.KeyRange, size int, m Mapper[T]) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan []T, d.env.cfg.StreamBuffer)

	send := func(chunk []T) bool {
		select {
		case chunks <- chunk:
			return true
		case <-gctx.Done():
			return false
		}
	}

	for _, r := range ranges {
		g.Go(func() error {
			if err := d.env.sched.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer d.env.sched.Release(1)

			chunk := make([]T, 0, min(size, DefaultChunkSize))
			for item, err := range scan.Walk(gctx, d.opener(t), r, scan.Mapper[T](m)) {
				if err != nil {
					return fmt.Errorf("range %s: %w", r, err)
				}
				chunk = append(chunk, item)
				if len(chunk) == size {
					if !send(chunk) {
						return nil
					}
					chunk = make([]T, 0, min(size, DefaultChunkSize))
				}
			}
			if len(chunk) > 0 {
				send(chunk)
			}
			return nil
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(chunks)
	}()

	return &Stream[T]{
		next: func() ([]T, error) {
			chunk, ok := <-chunks
			if !ok {
				return nil, waitErr
			}
			return chunk, nil
		},
		close: func(err error, complete bool) error {
			cancel()
			// Producers stop on cancel; drain so none stays blocked on a
			// full buffer, and so every cursor is closed before returning.
			for range chunks {
			}
			if err != nil {
				d.logger.Debug().Err(err).Str("tx", t.ID()).Msg("scan failed")
			}
			return err
		},
	}
}
