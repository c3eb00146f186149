// Package remote exposes a store database over a stream connection: framed
// requests, one response per request, except for scans, which answer with a
// run of chunks closed by an end frame.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eigerco/rangekv/pkg/keyrange"
	"github.com/eigerco/rangekv/pkg/log"
	"github.com/eigerco/rangekv/pkg/store"
)

// Server serves one database to any number of connections.
type Server struct {
	env    *store.Env
	db     *store.DB
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer serves d, which must belong to env.
func NewServer(env *store.Env, d *store.DB) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		env:    env,
		db:     d,
		logger: log.Remote,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start listens on addr and serves until Stop. For the "unix" network a
// stale socket file is removed first.
func (s *Server) Start(network, addr string) error {
	if network == "unix" {
		if _, err := os.Stat(addr); err == nil {
			_ = os.Remove(addr)
		}
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections from l until Stop. It returns nil after Stop.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and every open connection, and waits for their
// handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With().Str("session", uuid.NewString()).Logger()
	logger.Debug().Msg("session started")

	sess := &session{server: s, conn: conn, logger: logger}
	defer sess.endBatch()
	for {
		frame, err := ReadFrame(s.ctx, conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				logger.Debug().Msg("session ended")
			} else {
				logger.Warn().Err(err).Msg("error reading from connection")
			}
			return
		}
		msg, err := Unmarshal(frame.Content)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed request")
			if err := sess.reply(Error{Status: StatusInvalidArgument}); err != nil {
				return
			}
			continue
		}
		if err := sess.handle(msg); err != nil {
			logger.Warn().Err(err).Msg("error writing response")
			return
		}
	}
}

// session is the per connection state. A batch upload spans several
// requests, so its job lives here between them.
type session struct {
	server *Server
	conn   net.Conn
	logger zerolog.Logger

	batch    chan []store.KeyValue
	batchJob *store.BatchJob
}

// endBatch lets an unfinished batch upload write what it received.
func (s *session) endBatch() {
	if s.batch == nil {
		return
	}
	close(s.batch)
	s.batchJob.Wait()
	s.batch, s.batchJob = nil, nil
}

func (s *session) reply(m MessageChoice) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return WriteFrame(s.server.ctx, s.conn, b)
}

// fail answers a failed request with a generic status. The detail is only
// logged.
func (s *session) fail(err error) error {
	status := StatusInternal
	if errors.Is(err, store.ErrInvalidArgument) || errors.Is(err, keyrange.ErrInvalidRange) {
		status = StatusInvalidArgument
	}
	s.logger.Debug().Err(err).Str("status", status).Msg("request failed")
	return s.reply(Error{Status: status})
}

// handle runs one request. Only write failures are returned; request
// failures are answered on the wire.
func (s *session) handle(msg MessageChoice) error {
	ctx := s.server.ctx
	d := s.server.db

	if _, ok := msg.(Batch); !ok && s.batch != nil {
		if _, end := msg.(BatchEnd); !end {
			return s.fail(fmt.Errorf("%w: batch upload in progress", store.ErrInvalidArgument))
		}
	}

	switch m := msg.(type) {
	case Put:
		kv, err := store.NewKeyValue(m.Key, m.Value)
		if err != nil {
			return s.fail(err)
		}
		if err := d.Put(ctx, nil, []store.KeyValue{kv}); err != nil {
			return s.fail(err)
		}
		return s.reply(Ack{Count: 1})

	case Get:
		got, err := d.Get(ctx, nil, [][]byte{m.Key})
		if err != nil {
			return s.fail(err)
		}
		return s.reply(Value{Found: got[0].Found(), Value: got[0].Value()})

	case Delete:
		existed, err := s.delete(ctx, m.Key)
		if err != nil {
			return s.fail(err)
		}
		return s.reply(Existed{Existed: existed})

	case Scan:
		return s.scan(ctx, m)

	case Batch:
		if s.batch == nil {
			s.batch = make(chan []store.KeyValue, 1)
			s.batchJob = d.Batch(ctx, s.batch)
		}
		items := make([]store.KeyValue, 0, len(m.Items))
		for _, p := range m.Items {
			// Malformed pairs travel as zero values so the batch job skips
			// and logs them like any other bad item.
			kv, _ := store.NewKeyValue(p.Key, p.Value)
			items = append(items, kv)
		}
		select {
		case s.batch <- items:
		case <-ctx.Done():
		}
		return nil

	case BatchEnd:
		if s.batch == nil {
			return s.reply(Ack{})
		}
		close(s.batch)
		stats := s.batchJob.Wait()
		s.batch, s.batchJob = nil, nil
		s.logger.Debug().
			Int("chunks", stats.Chunks).
			Int("written", stats.Written).
			Int("skipped", stats.Skipped).
			Int("abandoned", stats.Abandoned).
			Msg("batch finished")
		return s.reply(Ack{Count: uint64(stats.Written)})
	}

	return s.fail(fmt.Errorf("%w: unexpected %T request", store.ErrInvalidArgument, msg))
}

// delete removes key and reports whether it was stored, in one write
// transaction.
func (s *session) delete(ctx context.Context, key []byte) (existed bool, err error) {
	tx, err := s.server.env.WriteTx()
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Abort()
		}
	}()

	got, err := s.server.db.Get(ctx, tx, [][]byte{key})
	if err != nil {
		return false, err
	}
	if err := s.server.db.Delete(ctx, tx, [][]byte{key}); err != nil {
		return false, err
	}
	return got[0].Found(), tx.Commit()
}

func (s *session) scan(ctx context.Context, m Scan) error {
	r, err := m.Range.KeyRange()
	if err != nil {
		return s.fail(err)
	}
	stream, err := store.ScanWith(ctx, s.server.db, store.ScanOptions[store.KeyValue]{
		Mapper:    store.KeyValueMapper,
		ChunkSize: int(min(m.ChunkSize, store.MaxChunkSize)),
		Ranges:    []keyrange.KeyRange{r},
	})
	if err != nil {
		return s.fail(err)
	}
	defer stream.Close()

	for stream.Next() {
		parts, err := splitChunk(stream.Chunk(), maxChunkBytes)
		if err != nil {
			return s.fail(err)
		}
		for _, items := range parts {
			if err := s.reply(Chunk{Items: items}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return s.fail(err)
	}
	return s.reply(End{})
}

const (
	// maxChunkBytes bounds the pair bytes of one Chunk frame, leaving room
	// under MaxFrameSize for the message header.
	maxChunkBytes = MaxFrameSize - 1<<10
	// pairOverhead covers the length prefixes and flag of an encoded pair.
	pairOverhead = 32
)

// ErrPairTooLarge is returned for a stored pair that cannot fit one frame.
var ErrPairTooLarge = errors.New("remote: pair exceeds frame size")

// splitChunk groups the pairs of chunk, in order, so that no group encodes
// to more than limit bytes.
func splitChunk(chunk []store.KeyValue, limit int) ([][]Pair, error) {
	var (
		parts [][]Pair
		items []Pair
		size  int
	)
	for _, kv := range chunk {
		n := len(kv.Key()) + len(kv.Value()) + pairOverhead
		if n > limit {
			return nil, fmt.Errorf("%w: key %x is %d bytes", ErrPairTooLarge, kv.Key(), n)
		}
		if size+n > limit {
			parts = append(parts, items)
			items, size = nil, 0
		}
		items = append(items, Pair{Key: kv.Key(), Value: kv.Value()})
		size += n
	}
	if len(items) > 0 {
		parts = append(parts, items)
	}
	return parts, nil
}
