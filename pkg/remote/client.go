package remote

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"

	"github.com/eigerco/rangekv/pkg/keyrange"
	"github.com/eigerco/rangekv/pkg/store"
)

var (
	// ErrInternal is returned when the server failed a request.
	ErrInternal = errors.New("remote: internal error")
	// ErrUnexpectedResponse is returned when the server answered with the
	// wrong message kind.
	ErrUnexpectedResponse = errors.New("remote: unexpected response")
)

// Client talks to a Server over one connection. Requests are serialised.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial connects to a server listening on addr.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, addr, err)
	}
	return NewClient(conn), nil
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(ctx context.Context, m MessageChoice) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return WriteFrame(ctx, c.conn, b)
}

func (c *Client) receive(ctx context.Context) (MessageChoice, error) {
	frame, err := ReadFrame(ctx, c.conn)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(frame.Content)
	if err != nil {
		return nil, err
	}
	if e, ok := m.(Error); ok {
		return nil, statusError(e.Status)
	}
	return m, nil
}

func (c *Client) call(ctx context.Context, req MessageChoice) (MessageChoice, error) {
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	return c.receive(ctx)
}

func statusError(status string) error {
	if status == StatusInvalidArgument {
		return fmt.Errorf("remote: %w", store.ErrInvalidArgument)
	}
	return ErrInternal
}

func unexpected(m MessageChoice) error {
	return fmt.Errorf("%w: %T", ErrUnexpectedResponse, m)
}

func (c *Client) Put(ctx context.Context, kv store.KeyValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(ctx, Put{Key: kv.Key(), Value: kv.Value()})
	if err != nil {
		return err
	}
	if _, ok := resp.(Ack); !ok {
		return unexpected(resp)
	}
	return nil
}

// Get returns store.Absent(key) when the key is not stored.
func (c *Client) Get(ctx context.Context, key []byte) (store.KeyValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(ctx, Get{Key: key})
	if err != nil {
		return store.KeyValue{}, err
	}
	v, ok := resp.(Value)
	if !ok {
		return store.KeyValue{}, unexpected(resp)
	}
	if !v.Found {
		return store.Absent(key), nil
	}
	return store.NewKeyValue(key, v.Value)
}

// Delete removes key and reports whether it was stored.
func (c *Client) Delete(ctx context.Context, key []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.call(ctx, Delete{Key: key})
	if err != nil {
		return false, err
	}
	e, ok := resp.(Existed)
	if !ok {
		return false, unexpected(resp)
	}
	return e.Existed, nil
}

// Batch uploads chunks, each written by the server in its own transaction,
// and returns how many pairs were written. Malformed pairs are skipped by
// the server.
func (c *Client) Batch(ctx context.Context, chunks [][]store.KeyValue) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, chunk := range chunks {
		items := make([]Pair, len(chunk))
		for i, kv := range chunk {
			items[i] = Pair{Key: kv.Key(), Value: kv.Value()}
		}
		if err := c.send(ctx, Batch{Items: items}); err != nil {
			return 0, err
		}
	}
	resp, err := c.call(ctx, BatchEnd{})
	if err != nil {
		return 0, err
	}
	ack, ok := resp.(Ack)
	if !ok {
		return 0, unexpected(resp)
	}
	return ack.Count, nil
}

// Scan streams the pairs of r in chunks of chunkSize, zero meaning the
// server default. The connection is held until the sequence ends; breaking
// out early drains the rest of the response.
func (c *Client) Scan(ctx context.Context, r keyrange.KeyRange, chunkSize uint32) iter.Seq2[store.KeyValue, error] {
	return func(yield func(store.KeyValue, error) bool) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.send(ctx, Scan{Range: RangeOf(r), ChunkSize: chunkSize}); err != nil {
			yield(store.KeyValue{}, err)
			return
		}

		consuming := true
		for {
			resp, err := c.receive(ctx)
			if err != nil {
				if consuming {
					yield(store.KeyValue{}, err)
				}
				return
			}
			switch m := resp.(type) {
			case End:
				return
			case Chunk:
				for _, p := range m.Items {
					if !consuming {
						break
					}
					kv, err := store.NewKeyValue(p.Key, p.Value)
					if err != nil {
						yield(store.KeyValue{}, err)
						consuming = false
						break
					}
					consuming = yield(kv, nil)
				}
			default:
				if consuming {
					yield(store.KeyValue{}, unexpected(resp))
				}
				return
			}
		}
	}
}
