package db

import "errors"

var (
	ErrClosed           = errors.New("db: engine is closed")
	ErrNotFound         = errors.New("db: key not found")
	ErrTxDone           = errors.New("db: transaction already committed or aborted")
	ErrReadOnly         = errors.New("db: write in read-only transaction")
	ErrMapFull          = errors.New("db: map size exceeded")
	ErrReadersFull      = errors.New("db: too many concurrent readers")
	ErrTooManyDatabases = errors.New("db: too many named databases")
	ErrInvalidName      = errors.New("db: invalid database name")
)
