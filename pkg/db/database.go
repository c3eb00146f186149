package db

import (
	"bytes"
	"fmt"
	"io"
)

// nameTerminator ends the name prefix of every key in a named database. Names
// may not contain it, so no database's keyspace overlaps another's.
const nameTerminator = 0x00

// Database is a named keyspace inside an Engine. Every key is stored behind
// the database name and a terminator byte; callers only ever see their own
// keys.
type Database struct {
	name  string
	lower []byte
	upper []byte
}

// OpenDatabase returns the named keyspace. Opening is free: nothing is
// written until the first Put.
func OpenDatabase(name string) (*Database, error) {
	if name == "" || bytes.IndexByte([]byte(name), nameTerminator) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	lower := append([]byte(name), nameTerminator)
	upper := append([]byte(name), nameTerminator+1)
	return &Database{name: name, lower: lower, upper: upper}, nil
}

func (d *Database) Name() string {
	return d.name
}

func (d *Database) Get(tx Tx, key []byte) ([]byte, io.Closer, error) {
	return tx.Get(d.makeKey(key))
}

func (d *Database) Put(tx Tx, key, value []byte) error {
	return tx.Put(d.makeKey(key), value)
}

func (d *Database) Delete(tx Tx, key []byte) error {
	return tx.Delete(d.makeKey(key))
}

// Cursor opens a cursor over the database keyspace only.
func (d *Database) Cursor(tx Tx) (Cursor, error) {
	c, err := tx.NewCursor(d.lower, d.upper)
	if err != nil {
		return nil, err
	}
	return &namespacedCursor{Cursor: c, db: d}, nil
}

// makeKey creates a key from the database prefix and the user key
func (d *Database) makeKey(key []byte) []byte {
	k := make([]byte, len(d.lower)+len(key))
	copy(k, d.lower)
	copy(k[len(d.lower):], key)
	return k
}

type namespacedCursor struct {
	Cursor
	db *Database
}

func (c *namespacedCursor) Seek(key []byte) bool {
	return c.Cursor.Seek(c.db.makeKey(key))
}

// Key strips the database prefix. The result aliases the engine buffer.
func (c *namespacedCursor) Key() []byte {
	k := c.Cursor.Key()
	if len(k) < len(c.db.lower) {
		return k
	}
	return k[len(c.db.lower):]
}
