package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/eigerco/rangekv/pkg/db"
	"github.com/eigerco/rangekv/pkg/db/memory"
	"github.com/eigerco/rangekv/pkg/db/pebble"
)

// Env owns one engine and the named databases opened on it.
type Env struct {
	cfg    Config
	engine db.Engine
	logger zerolog.Logger
	// sched bounds the goroutines doing scan and batch work across every
	// database of the environment.
	sched *semaphore.Weighted

	mu     sync.Mutex
	dbs    map[string]*DB
	txs    map[*Tx]struct{}
	closed atomic.Bool
}

// Open opens (creating if needed) the environment described by cfg.
func Open(cfg Config) (*Env, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	engine, err := openEngine(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("env", cfg.Path).Logger()
	logger.Debug().
		Str("engine", cfg.Engine).
		Uint64("map_size", cfg.MapSizeBytes).
		Int("scan_workers", cfg.ScanWorkers).
		Msg("environment opened")

	return &Env{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		sched:  semaphore.NewWeighted(int64(cfg.ScanWorkers)),
		dbs:    make(map[string]*DB),
		txs:    make(map[*Tx]struct{}),
	}, nil
}

func openEngine(cfg Config) (db.Engine, error) {
	switch cfg.Engine {
	case EngineMemory:
		return memory.New(memory.Options{
			MapSize:    cfg.MapSizeBytes,
			MaxReaders: cfg.MaxReaders,
		}), nil
	default:
		engine, err := pebble.NewKVStore(pebble.Options{
			Path:       cfg.Path,
			InMemory:   cfg.InMemory,
			MapSize:    cfg.MapSizeBytes,
			MaxReaders: cfg.MaxReaders,
			NoSync:     cfg.Flags.Has(NoSync),
			ReadOnly:   cfg.Flags.Has(ReadOnly),
		})
		if err != nil {
			return nil, fmt.Errorf("store: open engine: %w", err)
		}
		return engine, nil
	}
}

// OpenDatabase returns the named database, DefaultDatabase when name is
// empty. Opening an already open name returns the same handle; a chunk size
// other than the one it was opened with is rejected.
func (e *Env) OpenDatabase(name string, opts ...DatabaseOptions) (*DB, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		name = DefaultDatabase
	}
	var o DatabaseOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.ChunkSize < 0 || o.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidArgument, o.ChunkSize)
	}
	explicit := o.ChunkSize != 0
	if !explicit {
		o.ChunkSize = DefaultChunkSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.dbs[name]; ok && !d.closed.Load() {
		if explicit && o.ChunkSize != d.chunkSize {
			return nil, fmt.Errorf("%w: %q is open with chunk size %d", ErrInvalidArgument, name, d.chunkSize)
		}
		return d, nil
	}
	if _, ok := e.dbs[name]; !ok && len(e.dbs) >= e.cfg.MaxDbs {
		return nil, fmt.Errorf("store: open %q: %w", name, db.ErrTooManyDatabases)
	}

	space, err := db.OpenDatabase(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	d := &DB{
		env:       e,
		space:     space,
		chunkSize: o.ChunkSize,
		logger:    e.logger.With().Str("db", name).Logger(),
	}
	e.dbs[name] = d
	return d, nil
}

// WriteTx starts a caller-owned write transaction.
func (e *Env) WriteTx() (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if e.cfg.Flags.Has(ReadOnly) {
		return nil, fmt.Errorf("%w: environment is read-only", ErrReadOnlyTx)
	}
	return newTx(e, true, true)
}

// ReadTx starts a caller-owned read transaction over a consistent snapshot.
func (e *Env) ReadTx() (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return newTx(e, false, true)
}

func (e *Env) internalTx(writable bool) (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if writable && e.cfg.Flags.Has(ReadOnly) {
		return nil, fmt.Errorf("%w: environment is read-only", ErrReadOnlyTx)
	}
	return newTx(e, writable, false)
}

func (e *Env) Path() string { return e.cfg.Path }

// Size returns the bytes the store occupies.
func (e *Env) Size() (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	size, err := e.engine.Size()
	return size, engineError(err)
}

// Sync flushes buffered writes to stable storage.
func (e *Env) Sync() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return engineError(e.engine.Sync())
}

// Checkpoint writes a consistent copy of the store to dir, which must not
// exist.
func (e *Env) Checkpoint(dir string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return engineError(e.engine.Checkpoint(dir))
}

// Close closes every database and the engine. Closing twice is a no-op.
func (e *Env) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	for _, d := range e.dbs {
		d.closed.Store(true)
	}
	e.dbs = nil
	txs := e.txs
	e.txs = nil
	e.mu.Unlock()

	// Transactions still open lose their engine; end them first so no
	// engine handle outlives the engine.
	for t := range txs {
		t.invalidate()
	}

	e.logger.Debug().Msg("environment closed")
	return e.engine.Close()
}

// track registers an open transaction so Close can invalidate it. It
// reports false once the environment is closed.
func (e *Env) track(t *Tx) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txs == nil {
		return false
	}
	e.txs[t] = struct{}{}
	return true
}

func (e *Env) untrack(t *Tx) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.txs, t)
}
