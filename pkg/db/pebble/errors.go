package pebble

const (
	ErrInIteratorCreation = "failed to create cursor: %w"
	ErrOpenStore          = "failed to open pebble store at %q: %w"
	ErrCommit             = "failed to commit batch: %w"
)
