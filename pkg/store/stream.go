package store

import (
	"iter"
)

// Stream delivers scan results in chunks:
//
//	for s.Next() {
//		for _, kv := range s.Chunk() { ... }
//	}
//	if err := s.Err(); err != nil { ... }
//
// Close releases the stream early; it is safe to call after the stream ended
// and should always be deferred.
type Stream[T any] struct {
	next  func() ([]T, error)
	close func(err error, complete bool) error

	chunk []T
	err   error
	done  bool
}

// Next advances to the next chunk. It returns false once the stream is
// exhausted or failed; Err tells which.
func (s *Stream[T]) Next() bool {
	if s.done {
		return false
	}
	chunk, err := s.next()
	if len(chunk) > 0 {
		s.chunk = chunk
		if err != nil {
			// Deliver what was read before the failure first.
			s.next = func() ([]T, error) { return nil, err }
		}
		return true
	}
	s.chunk = nil
	s.err = s.close(err, err == nil)
	s.done = true
	return false
}

// Chunk is the chunk Next advanced to. It is owned by the caller.
func (s *Stream[T]) Chunk() []T { return s.chunk }

// Err is the error that ended the stream, if any.
func (s *Stream[T]) Err() error { return s.err }

// Close stops the stream before it is exhausted, releasing its cursors and
// aborting its internal transaction.
func (s *Stream[T]) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.chunk = nil
	return s.close(nil, false)
}

// All ranges over the remaining items, one at a time. A failure is yielded
// as a final (zero, err) pair. Breaking out of the loop closes the stream.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for s.Next() {
			for _, item := range s.Chunk() {
				if !yield(item, nil) {
					_ = s.Close()
					return
				}
			}
		}
		if err := s.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// Collect drains s into one slice and closes it.
func Collect[T any](s *Stream[T]) ([]T, error) {
	defer s.Close()
	var out []T
	for s.Next() {
		out = append(out, s.Chunk()...)
	}
	return out, s.Err()
}

// pullStream reads chunks of up to size items from seq in the consumer's
// goroutine. Nothing is read ahead of Next.
func pullStream[T any](seq iter.Seq2[T, error], size int, release func(err error, complete bool) error) *Stream[T] {
	pull, stop := iter.Pull2(seq)
	return &Stream[T]{
		next: func() ([]T, error) {
			var chunk []T
			for len(chunk) < size {
				item, err, ok := pull()
				if !ok {
					break
				}
				if err != nil {
					return chunk, err
				}
				chunk = append(chunk, item)
			}
			return chunk, nil
		},
		close: func(err error, complete bool) error {
			stop()
			return release(err, complete)
		},
	}
}
