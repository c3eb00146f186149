package store

import (
	"errors"
	"fmt"

	"github.com/eigerco/rangekv/pkg/db"
)

var (
	ErrInvalidArgument = errors.New("store: invalid argument")
	ErrTxDone          = errors.New("store: transaction already committed or aborted")
	ErrTxMisuse        = errors.New("store: operation needs a caller-owned transaction")
	ErrReadOnlyTx      = errors.New("store: write in read-only transaction")
	ErrStaleView       = errors.New("store: view used after its transaction ended")
	ErrClosed          = fmt.Errorf("store: %w", db.ErrClosed)
)

// engineError maps engine sentinels onto the store ones and wraps anything
// else.
func engineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrClosed):
		return ErrClosed
	case errors.Is(err, db.ErrTxDone):
		return ErrTxDone
	case errors.Is(err, db.ErrReadOnly):
		return ErrReadOnlyTx
	}
	return fmt.Errorf("store: engine: %w", err)
}
