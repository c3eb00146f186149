package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/rangekv/pkg/db"
)

var engines = []struct {
	name string
	cfg  Config
}{
	{name: "pebble", cfg: Config{Engine: EnginePebble, InMemory: true}},
	{name: "memory", cfg: Config{Engine: EngineMemory}},
}

// forEachEngine runs fn once per engine, each with a fresh environment.
func forEachEngine(t *testing.T, cfg Config, fn func(t *testing.T, env *Env)) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			c := cfg
			c.Engine, c.InMemory = e.cfg.Engine, e.cfg.InMemory
			fn(t, newTestEnv(t, c))
		})
	}
}

func newTestEnv(t *testing.T, cfg Config) *Env {
	t.Helper()
	env, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func openDB(t *testing.T, env *Env, opts ...DatabaseOptions) *DB {
	t.Helper()
	d, err := env.OpenDatabase("", opts...)
	require.NoError(t, err)
	return d
}

func kv(k, v string) KeyValue {
	return MustKeyValue([]byte(k), []byte(v))
}

func digits() []KeyValue {
	kvs := make([]KeyValue, 0, 9)
	for i := byte(1); i <= 9; i++ {
		kvs = append(kvs, MustKeyValue([]byte{i}, []byte{i * 10}))
	}
	return kvs
}

func getOne(t *testing.T, d *DB, tx *Tx, key string) KeyValue {
	t.Helper()
	got, err := d.Get(context.Background(), tx, [][]byte{[]byte(key)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestKeyValue(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		value   []byte
		wantErr bool
	}{
		{name: "valid", key: []byte("k"), value: []byte("v")},
		{name: "empty_value", key: []byte("k"), value: []byte{}},
		{name: "nil_key", key: nil, value: []byte("v"), wantErr: true},
		{name: "empty_key", key: []byte{}, value: []byte("v"), wantErr: true},
		{name: "nil_value", key: []byte("k"), value: nil, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewKeyValue(tc.key, tc.value)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Found())
			assert.Equal(t, tc.key, got.Key())
			assert.Equal(t, tc.value, got.Value())
		})
	}

	assert.False(t, Absent([]byte("k")).Found())
	assert.False(t, KeyValue{}.valid())
}

func TestPutGetDelete(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)

		require.NoError(t, d.Put(ctx, nil, []KeyValue{kv("a", "1"), kv("b", "2"), kv("empty", "")}))

		got, err := d.Get(ctx, nil, [][]byte{[]byte("b"), []byte("missing"), []byte("a"), []byte("empty")})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, []byte("2"), got[0].Value())
		assert.False(t, got[1].Found())
		assert.Equal(t, []byte("missing"), got[1].Key())
		assert.Equal(t, []byte("1"), got[2].Value())
		assert.True(t, got[3].Found())
		assert.Empty(t, got[3].Value())

		require.NoError(t, d.Delete(ctx, nil, [][]byte{[]byte("a"), []byte("never-stored")}))
		assert.False(t, getOne(t, d, nil, "a").Found())
		assert.True(t, getOne(t, d, nil, "b").Found())

		_, err = d.Get(ctx, nil, [][]byte{nil})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestPutInvalidItemVoidsWriteSet(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)

		err := d.Put(ctx, nil, []KeyValue{kv("a", "1"), {}, kv("c", "3")})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		assert.False(t, getOne(t, d, nil, "a").Found())
		assert.False(t, getOne(t, d, nil, "c").Found())
	})
}

func TestTransactionVisibility(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)

		w, err := env.WriteTx()
		require.NoError(t, err)
		require.NoError(t, d.Append(ctx, w, []KeyValue{kv("a", "1")}))

		assert.True(t, getOne(t, d, w, "a").Found(), "visible in its own transaction")
		assert.False(t, getOne(t, d, nil, "a").Found(), "invisible elsewhere before commit")

		require.NoError(t, w.Abort())
		assert.False(t, getOne(t, d, nil, "a").Found(), "gone after abort")

		w, err = env.WriteTx()
		require.NoError(t, err)
		require.NoError(t, d.Put(ctx, w, []KeyValue{kv("a", "2")}))
		require.NoError(t, w.Commit())
		assert.Equal(t, []byte("2"), getOne(t, d, nil, "a").Value())
	})
}

func TestTransactionMisuse(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, env *Env, d *DB)
	}{
		{
			name: "commit_twice",
			fn: func(t *testing.T, env *Env, d *DB) {
				tx, err := env.WriteTx()
				require.NoError(t, err)
				require.NoError(t, tx.Commit())
				assert.ErrorIs(t, tx.Commit(), ErrTxDone)
				assert.ErrorIs(t, tx.Abort(), ErrTxDone)
			},
		},
		{
			name: "abort_twice",
			fn: func(t *testing.T, env *Env, d *DB) {
				tx, err := env.ReadTx()
				require.NoError(t, err)
				require.NoError(t, tx.Abort())
				assert.ErrorIs(t, tx.Abort(), ErrTxDone)
				assert.ErrorIs(t, tx.Commit(), ErrTxDone)
				assert.True(t, tx.Done())
			},
		},
		{
			name: "use_after_end",
			fn: func(t *testing.T, env *Env, d *DB) {
				tx, err := env.WriteTx()
				require.NoError(t, err)
				require.NoError(t, tx.Commit())
				assert.ErrorIs(t, d.Put(context.Background(), tx, []KeyValue{kv("a", "1")}), ErrTxDone)
				_, err = d.Scan(context.Background(), tx)
				assert.ErrorIs(t, err, ErrTxDone)
			},
		},
		{
			name: "write_in_read_tx",
			fn: func(t *testing.T, env *Env, d *DB) {
				tx, err := env.ReadTx()
				require.NoError(t, err)
				defer tx.Abort()
				assert.False(t, tx.Writable())
				assert.True(t, tx.Owned())
				assert.ErrorIs(t, d.Put(context.Background(), tx, []KeyValue{kv("a", "1")}), ErrReadOnlyTx)
				assert.ErrorIs(t, d.Delete(context.Background(), tx, [][]byte{[]byte("a")}), ErrReadOnlyTx)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
				tc.fn(t, env, openDB(t, env))
			})
		})
	}
}

func TestGetView(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)
		require.NoError(t, d.Put(ctx, nil, []KeyValue{kv("a", "1")}))

		_, err := d.GetView(nil, []byte("a"))
		assert.ErrorIs(t, err, ErrTxMisuse)

		tx, err := env.ReadTx()
		require.NoError(t, err)

		view, err := d.GetView(tx, []byte("a"))
		require.NoError(t, err)
		require.True(t, view.Found())
		b, err := view.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), b)

		missing, err := d.GetView(tx, []byte("b"))
		require.NoError(t, err)
		assert.False(t, missing.Found())

		require.NoError(t, tx.Commit())
		_, err = view.Bytes()
		assert.ErrorIs(t, err, ErrStaleView)
		_, err = View{}.Bytes()
		assert.ErrorIs(t, err, ErrStaleView)
	})
}

func TestDeleteAll(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)
		other, err := env.OpenDatabase("other")
		require.NoError(t, err)

		require.NoError(t, d.Put(ctx, nil, digits()))
		require.NoError(t, other.Put(ctx, nil, []KeyValue{kv("keep", "me")}))

		require.NoError(t, d.DeleteAll(ctx, nil))

		got, err := Collect(mustScan(t, d, nil))
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.True(t, getOne(t, other, nil, "keep").Found())
	})
}

func TestNamedDatabases(t *testing.T) {
	forEachEngine(t, Config{MaxDbs: 2}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		a, err := env.OpenDatabase("a")
		require.NoError(t, err)
		ab, err := env.OpenDatabase("ab")
		require.NoError(t, err)

		again, err := env.OpenDatabase("a")
		require.NoError(t, err)
		assert.Same(t, a, again)

		_, err = env.OpenDatabase("c")
		assert.ErrorIs(t, err, db.ErrTooManyDatabases)
		_, err = env.OpenDatabase("a", DatabaseOptions{ChunkSize: -1})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = env.OpenDatabase("ab", DatabaseOptions{ChunkSize: MaxChunkSize + 1})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = env.OpenDatabase("a", DatabaseOptions{ChunkSize: 8})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		again, err = env.OpenDatabase("a", DatabaseOptions{ChunkSize: DefaultChunkSize})
		require.NoError(t, err)
		assert.Same(t, a, again)

		require.NoError(t, a.Put(ctx, nil, []KeyValue{kv("k", "in-a")}))
		require.NoError(t, ab.Put(ctx, nil, []KeyValue{kv("k", "in-ab")}))

		assert.Equal(t, []byte("in-a"), getOne(t, a, nil, "k").Value())
		assert.Equal(t, []byte("in-ab"), getOne(t, ab, nil, "k").Value())

		all, err := Collect(mustScan(t, a, nil))
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, []byte("k"), all[0].Key())
	})
}

func TestClosed(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)
		require.NoError(t, d.Close())

		assert.ErrorIs(t, d.Put(ctx, nil, []KeyValue{kv("a", "1")}), ErrClosed)
		_, err := d.Get(ctx, nil, [][]byte{[]byte("a")})
		assert.ErrorIs(t, err, ErrClosed)
		_, err = d.Scan(ctx, nil)
		assert.ErrorIs(t, err, ErrClosed)

		reopened := openDB(t, env)
		assert.NotSame(t, d, reopened)
		require.NoError(t, env.Close())
		require.NoError(t, env.Close())

		assert.ErrorIs(t, reopened.Put(ctx, nil, []KeyValue{kv("a", "1")}), ErrClosed)
		assert.ErrorIs(t, reopened.DeleteAll(ctx, nil), ErrClosed)
		_, err = env.WriteTx()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = env.OpenDatabase("x")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, env.Sync(), db.ErrClosed)
	})
}

func TestTransactionOutlivesEnv(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		ctx := context.Background()
		d := openDB(t, env)
		require.NoError(t, d.Put(ctx, nil, digits()))

		wtx, err := env.WriteTx()
		require.NoError(t, err)
		require.NoError(t, d.Put(ctx, wtx, []KeyValue{kv("a", "1")}))

		rtx, err := env.ReadTx()
		require.NoError(t, err)
		view, err := d.GetView(rtx, []byte{1})
		require.NoError(t, err)
		stream, err := ScanWith(ctx, d, ScanOptions[KeyValue]{
			Tx:        rtx,
			Mapper:    KeyValueMapper,
			ChunkSize: 1,
		})
		require.NoError(t, err)
		require.True(t, stream.Next())

		require.NoError(t, env.Close())

		assert.ErrorIs(t, wtx.Commit(), ErrClosed)
		assert.ErrorIs(t, wtx.Abort(), ErrClosed)
		assert.ErrorIs(t, d.Put(ctx, wtx, []KeyValue{kv("b", "2")}), ErrClosed)

		assert.False(t, stream.Next())
		assert.ErrorIs(t, stream.Err(), ErrClosed)
		_ = stream.Close()

		_, err = view.Bytes()
		assert.ErrorIs(t, err, ErrStaleView)
		assert.ErrorIs(t, rtx.Commit(), ErrClosed)
		assert.True(t, rtx.Done())
	})
}

func TestMapFull(t *testing.T) {
	env := newTestEnv(t, Config{Engine: EngineMemory, MapSizeBytes: 16})
	d := openDB(t, env)

	err := d.Put(context.Background(), nil, []KeyValue{kv("key", "a value that does not fit")})
	assert.ErrorIs(t, err, db.ErrMapFull)
}

func TestReadOnlyEnv(t *testing.T) {
	env := newTestEnv(t, Config{Engine: EngineMemory, Flags: ReadOnly})
	d := openDB(t, env)

	_, err := env.WriteTx()
	assert.ErrorIs(t, err, ErrReadOnlyTx)
	assert.ErrorIs(t, d.Put(context.Background(), nil, []KeyValue{kv("a", "1")}), ErrReadOnlyTx)
}

func TestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env, err := Open(Config{Path: filepath.Join(dir, "live"), Flags: NoSync})
	require.NoError(t, err)
	d := openDB(t, env)
	require.NoError(t, d.Put(ctx, nil, []KeyValue{kv("a", "1")}))
	require.NoError(t, env.Sync())

	size, err := env.Size()
	require.NoError(t, err)
	assert.NotZero(t, size)

	copyPath := filepath.Join(dir, "copy")
	require.NoError(t, env.Checkpoint(copyPath))
	require.NoError(t, env.Close())

	restored := newTestEnv(t, Config{Path: copyPath})
	assert.Equal(t, copyPath, restored.Path())
	assert.Equal(t, []byte("1"), getOne(t, openDB(t, restored), nil, "a").Value())
}

func TestBatch(t *testing.T) {
	forEachEngine(t, Config{}, func(t *testing.T, env *Env) {
		var logs bytes.Buffer
		logger := zerolog.New(&logs)
		env.logger = logger
		d := openDB(t, env)

		chunks := make(chan []KeyValue, 2)
		chunks <- []KeyValue{kv("a", "1"), {}, kv("c", "3")}
		chunks <- []KeyValue{kv("d", "4")}
		close(chunks)

		stats := d.Batch(context.Background(), chunks).Wait()

		assert.Equal(t, BatchStats{Chunks: 2, Written: 3, Skipped: 1}, stats)
		for _, k := range []string{"a", "c", "d"} {
			assert.True(t, getOne(t, d, nil, k).Found(), k)
		}
		assert.Contains(t, logs.String(), "skipping malformed batch item")
		assert.Contains(t, logs.String(), `"level":"error"`)
	})
}

func TestBatchClosedDB(t *testing.T) {
	env := newTestEnv(t, Config{Engine: EngineMemory})
	d := openDB(t, env)
	require.NoError(t, d.Close())

	chunks := make(chan []KeyValue, 1)
	chunks <- []KeyValue{kv("a", "1")}
	close(chunks)

	assert.Equal(t, BatchStats{Chunks: 1, Abandoned: 1}, d.Batch(context.Background(), chunks).Wait())
}
