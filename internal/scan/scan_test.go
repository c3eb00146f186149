package scan

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/rangekv/pkg/db"
	"github.com/eigerco/rangekv/pkg/db/memory"
	"github.com/eigerco/rangekv/pkg/keyrange"
)

// trackedCursor records whether the walk released it. With valueErr set,
// loading the value at key failAt fails.
type trackedCursor struct {
	db.Cursor
	closed   bool
	err      error
	failAt   byte
	valueErr error
}

func (c *trackedCursor) Value() []byte {
	if c.valueErr != nil && c.Cursor.Key()[0] == c.failAt {
		c.err = c.valueErr
		return nil
	}
	return c.Cursor.Value()
}

func (c *trackedCursor) Close() error {
	c.closed = true
	return c.Cursor.Close()
}

func (c *trackedCursor) Error() error {
	if c.err != nil {
		return c.err
	}
	return c.Cursor.Error()
}

type fixture struct {
	tx     db.Tx
	cursor *trackedCursor
}

func (f *fixture) open() (db.Cursor, error) {
	c, err := f.tx.NewCursor(nil, nil)
	if err != nil {
		return nil, err
	}
	f.cursor = &trackedCursor{Cursor: c}
	return f.cursor, nil
}

func newFixture(t *testing.T, keys ...[]byte) *fixture {
	t.Helper()
	store := memory.New(memory.Options{})
	t.Cleanup(func() { _ = store.Close() })

	w, err := store.BeginWrite()
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, w.Put(k, k))
	}
	require.NoError(t, w.Commit())

	tx, err := store.BeginRead()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Abort() })
	return &fixture{tx: tx}
}

func digits() [][]byte {
	keys := make([][]byte, 0, 9)
	for i := byte(1); i <= 9; i++ {
		keys = append(keys, []byte{i})
	}
	return keys
}

var firstByte = MapperFunc[byte](func(key, _ []byte) (byte, bool) {
	return key[0], true
})

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for item, err := range seq {
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestWalk(t *testing.T) {
	tests := []struct {
		name string
		r    keyrange.KeyRange
		want []byte
	}{
		{name: "forward", r: keyrange.Forward(), want: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{name: "backward", r: keyrange.Backward(), want: []byte{9, 8, 7, 6, 5, 4, 3, 2, 1}},
		{name: "at_least", r: keyrange.MustAtLeast([]byte{3}), want: []byte{3, 4, 5, 6, 7, 8, 9}},
		{name: "at_least_between_keys", r: keyrange.MustAtLeast([]byte{3, 0}), want: []byte{4, 5, 6, 7, 8, 9}},
		{name: "at_least_backward", r: keyrange.MustAtLeastBackward([]byte{3}), want: []byte{3, 2, 1}},
		{name: "at_least_backward_between_keys", r: keyrange.MustAtLeastBackward([]byte{5, 0}), want: []byte{5, 4, 3, 2, 1}},
		{name: "at_least_backward_past_end", r: keyrange.MustAtLeastBackward([]byte{10}), want: []byte{9, 8, 7, 6, 5, 4, 3, 2, 1}},
		{name: "at_least_backward_before_start", r: keyrange.MustAtLeastBackward([]byte{0}), want: nil},
		{name: "at_most", r: keyrange.MustAtMost([]byte{4}), want: []byte{1, 2, 3, 4}},
		{name: "at_most_backward", r: keyrange.MustAtMostBackward([]byte{4}), want: []byte{9, 8, 7, 6, 5, 4}},
		{name: "range_forward", r: keyrange.MustRange([]byte{2}, []byte{3}), want: []byte{2, 3}},
		{name: "range_backward", r: keyrange.MustRange([]byte{3}, []byte{2}), want: []byte{3, 2}},
		{name: "range_backward_wide", r: keyrange.MustRange([]byte{8}, []byte{5}), want: []byte{8, 7, 6, 5}},
		{name: "range_single_key", r: keyrange.MustRange([]byte{5}, []byte{5}), want: []byte{5}},
		{name: "range_between_keys", r: keyrange.MustRange([]byte{1, 2}, []byte{1, 2, 3}), want: nil},
		{name: "range_past_end", r: keyrange.MustRange([]byte{10}, []byte{12}), want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, digits()...)

			got := collect(t, Walk(context.Background(), f.open, tc.r, firstByte))

			assert.Equal(t, tc.want, got)
			require.NotNil(t, f.cursor)
			assert.True(t, f.cursor.closed)
		})
	}
}

func TestWalkMatchesContains(t *testing.T) {
	ranges := []keyrange.KeyRange{
		keyrange.MustRange([]byte{2}, []byte{7}),
		keyrange.MustRange([]byte{7}, []byte{2}),
		keyrange.MustAtLeast([]byte{6}),
		keyrange.MustAtMostBackward([]byte{6}),
	}
	for _, r := range ranges {
		t.Run(r.String(), func(t *testing.T) {
			f := newFixture(t, digits()...)
			got := collect(t, Walk(context.Background(), f.open, r, firstByte))
			for _, k := range digits() {
				assert.Equal(t, r.Contains(k), containsByte(got, k[0]), "key %x", k)
			}
		})
	}
}

func containsByte(b []byte, c byte) bool {
	for _, x := range b {
		if x == c {
			return true
		}
	}
	return false
}

func TestWalkPrefix(t *testing.T) {
	f := newFixture(t,
		[]byte("app"), []byte("apple"), []byte("apply"), []byte("apt"), []byte("b"), []byte("ap"),
	)
	strMapper := MapperFunc[string](func(key, _ []byte) (string, bool) {
		return string(key), true
	})

	got := collect(t, Walk(context.Background(), f.open, keyrange.MustPrefix([]byte("app")), strMapper))
	assert.Equal(t, []string{"app", "apple", "apply"}, got)
}

func TestWalkMapperSkips(t *testing.T) {
	f := newFixture(t, digits()...)
	even := MapperFunc[byte](func(key, _ []byte) (byte, bool) {
		return key[0], key[0]%2 == 0
	})

	got := collect(t, Walk(context.Background(), f.open, keyrange.Forward(), even))
	assert.Equal(t, []byte{2, 4, 6, 8}, got)
}

func TestWalkIsLazy(t *testing.T) {
	tests := []struct {
		name string
		take int
	}{
		{name: "take_none", take: 0},
		{name: "take_one", take: 1},
		{name: "take_three", take: 3},
		{name: "take_all", take: 9},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, digits()...)
			calls := 0
			counting := MapperFunc[byte](func(key, _ []byte) (byte, bool) {
				calls++
				return key[0], true
			})

			next, stop := iter.Pull2(Walk(context.Background(), f.open, keyrange.Forward(), counting))
			for i := 0; i < tc.take; i++ {
				item, err, ok := next()
				require.True(t, ok)
				require.NoError(t, err)
				assert.Equal(t, byte(i+1), item)
			}
			stop()

			assert.Equal(t, tc.take, calls)
			if tc.take == 0 {
				assert.Nil(t, f.cursor, "cursor opened before the first pull")
				return
			}
			assert.True(t, f.cursor.closed)
		})
	}
}

func TestWalkCancellation(t *testing.T) {
	f := newFixture(t, digits()...)
	ctx, cancel := context.WithCancel(context.Background())

	var got []byte
	for item, err := range Walk(ctx, f.open, keyrange.Forward(), firstByte) {
		require.NoError(t, err)
		got = append(got, item)
		if len(got) == 2 {
			cancel()
		}
	}

	assert.Equal(t, []byte{1, 2}, got)
	assert.True(t, f.cursor.closed)
}

func TestWalkErrors(t *testing.T) {
	errOpen := errors.New("open failed")
	errCursor := errors.New("cursor failed")

	t.Run("open", func(t *testing.T) {
		open := func() (db.Cursor, error) { return nil, errOpen }
		var errs []error
		for _, err := range Walk(context.Background(), open, keyrange.Forward(), firstByte) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrScan)
		assert.ErrorIs(t, errs[0], errOpen)
	})

	t.Run("cursor", func(t *testing.T) {
		f := newFixture(t, digits()...)
		open := func() (db.Cursor, error) {
			c, err := f.open()
			f.cursor.err = errCursor
			return c, err
		}
		var last error
		for _, err := range Walk(context.Background(), open, keyrange.Forward(), firstByte) {
			last = err
		}
		assert.ErrorIs(t, last, ErrScan)
		assert.ErrorIs(t, last, errCursor)
		assert.True(t, f.cursor.closed)
	})

	t.Run("value", func(t *testing.T) {
		f := newFixture(t, digits()...)
		open := func() (db.Cursor, error) {
			c, err := f.open()
			f.cursor.failAt, f.cursor.valueErr = 4, errCursor
			return c, err
		}
		firstValueByte := MapperFunc[byte](func(_, value []byte) (byte, bool) {
			return value[0], true
		})

		var (
			got  []byte
			errs []error
		)
		for item, err := range Walk(context.Background(), open, keyrange.Forward(), firstValueByte) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			got = append(got, item)
		}
		assert.Equal(t, []byte{1, 2, 3}, got)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrScan)
		assert.ErrorIs(t, errs[0], errCursor)
		assert.True(t, f.cursor.closed)
	})
}

func TestRaw(t *testing.T) {
	f := newFixture(t, digits()...)
	everyOther := func(c db.Cursor, yield func(byte) bool) error {
		for ok := c.First(); ok; ok = c.Next() && c.Next() {
			if !yield(c.Key()[0]) {
				return nil
			}
		}
		return c.Error()
	}

	got := collect(t, Raw(context.Background(), f.open, everyOther))
	assert.Equal(t, []byte{1, 3, 5, 7, 9}, got)
	assert.True(t, f.cursor.closed)

	t.Run("error", func(t *testing.T) {
		f := newFixture(t, digits()...)
		boom := errors.New("boom")
		var last error
		for _, err := range Raw(context.Background(), f.open, func(db.Cursor, func(byte) bool) error {
			return boom
		}) {
			last = err
		}
		assert.ErrorIs(t, last, boom)
		assert.True(t, f.cursor.closed)
	})
}
