package store

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/eigerco/rangekv/pkg/log"
)

const (
	EnginePebble = "pebble"
	EngineMemory = "memory"

	DefaultDatabase         = "default"
	DefaultChunkSize        = 512
	MaxChunkSize            = 1 << 16
	DefaultMapSizeBytes     = 1 << 30 // 1GiB
	DefaultMaxDbs           = 16
	DefaultMaxReaders       = 126
	DefaultStreamBufferSize = 4
)

// Flags tune the engine. Engines ignore the flags they have no use for.
type Flags uint32

const (
	// NoSync commits without waiting for durable storage.
	NoSync Flags = 1 << iota
	NoMetaSync
	WriteMap
	// ReadOnly opens the store without write access.
	ReadOnly
	NoReadahead
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Config configures an environment. Zero fields take the documented
// defaults.
type Config struct {
	// Path of the store directory. Defaults to a fresh temporary directory
	// for on-disk engines.
	Path string
	// Engine is EnginePebble (default) or EngineMemory.
	Engine string
	// InMemory keeps a pebble store on an in-memory filesystem.
	InMemory bool
	// MapSizeBytes caps the store size. Commits that would grow it further
	// fail with db.ErrMapFull. Defaults to DefaultMapSizeBytes.
	MapSizeBytes uint64
	// MaxDbs caps the named databases an environment opens.
	MaxDbs int
	// MaxReaders caps concurrent read transactions, internal ones included.
	MaxReaders int
	Flags      Flags
	// ScanWorkers bounds the goroutines running multi-range scan tasks and
	// batch chunks. Defaults to GOMAXPROCS.
	ScanWorkers int
	// StreamBuffer is the number of chunks a multi-range scan buffers before
	// its producers block.
	StreamBuffer int
	// Logger defaults to log.Store.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.Engine == "" {
		c.Engine = EnginePebble
	}
	switch c.Engine {
	case EnginePebble, EngineMemory:
	default:
		return c, fmt.Errorf("%w: unknown engine %q", ErrInvalidArgument, c.Engine)
	}
	if c.MapSizeBytes == 0 {
		c.MapSizeBytes = DefaultMapSizeBytes
	}
	if c.MaxDbs == 0 {
		c.MaxDbs = DefaultMaxDbs
	}
	if c.MaxReaders == 0 {
		c.MaxReaders = DefaultMaxReaders
	}
	if c.ScanWorkers == 0 {
		c.ScanWorkers = runtime.GOMAXPROCS(0)
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = DefaultStreamBufferSize
	}
	if c.MaxDbs < 0 || c.MaxReaders < 0 || c.ScanWorkers < 0 || c.StreamBuffer < 0 {
		return c, fmt.Errorf("%w: negative limit in config", ErrInvalidArgument)
	}
	if c.Logger == nil {
		c.Logger = &log.Store
	}
	if c.Path == "" && c.Engine == EnginePebble && !c.InMemory {
		dir, err := os.MkdirTemp("", "rangekv-")
		if err != nil {
			return c, fmt.Errorf("store: create temporary store directory: %w", err)
		}
		c.Path = dir
	}
	return c, nil
}

// DatabaseOptions configures one named database.
type DatabaseOptions struct {
	// ChunkSize is the default number of items per scan chunk, at most
	// MaxChunkSize. Defaults to DefaultChunkSize.
	ChunkSize int
}
