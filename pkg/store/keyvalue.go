package store

import (
	"fmt"
)

// KeyValue is an immutable key and value pair. The zero value is malformed
// and rejected by every write.
type KeyValue struct {
	key   []byte
	value []byte
}

// NewKeyValue copies key and value into a new pair. key must be non-empty
// and value non-nil; an empty value is fine.
func NewKeyValue(key, value []byte) (KeyValue, error) {
	if len(key) == 0 {
		return KeyValue{}, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if value == nil {
		return KeyValue{}, fmt.Errorf("%w: nil value for key %x", ErrInvalidArgument, key)
	}
	return KeyValue{key: clone(key), value: clone(value)}, nil
}

// MustKeyValue is like NewKeyValue but panics on error.
func MustKeyValue(key, value []byte) KeyValue {
	kv, err := NewKeyValue(key, value)
	if err != nil {
		panic(err)
	}
	return kv
}

// Absent is the result Get returns for a key that is not stored.
func Absent(key []byte) KeyValue {
	return KeyValue{key: clone(key)}
}

func (kv KeyValue) Key() []byte { return kv.key }

// Value is nil for Absent results.
func (kv KeyValue) Value() []byte { return kv.value }

// Found reports whether the pair carries a stored value.
func (kv KeyValue) Found() bool { return kv.value != nil }

func (kv KeyValue) String() string {
	if !kv.Found() {
		return fmt.Sprintf("%x=<absent>", kv.key)
	}
	return fmt.Sprintf("%x=%x", kv.key, kv.value)
}

func (kv KeyValue) valid() bool {
	return len(kv.key) > 0 && kv.value != nil
}

// clone always returns a non-nil slice, so copied empty values stay found.
func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Mapper turns a borrowed cursor entry into a scan item; false skips the
// entry. key and value must not be retained after Map returns.
type Mapper[T any] interface {
	Map(key, value []byte) (T, bool)
}

// MapperFunc adapts a plain function to Mapper.
type MapperFunc[T any] func(key, value []byte) (T, bool)

func (f MapperFunc[T]) Map(key, value []byte) (T, bool) {
	return f(key, value)
}

// KeyValueMapper copies every entry into an owned KeyValue. It is the mapper
// used by DB.Scan.
var KeyValueMapper Mapper[KeyValue] = MapperFunc[KeyValue](func(key, value []byte) (KeyValue, bool) {
	return KeyValue{key: clone(key), value: clone(value)}, true
})

// KeyMapper copies keys only.
var KeyMapper Mapper[[]byte] = MapperFunc[[]byte](func(key, _ []byte) ([]byte, bool) {
	return clone(key), true
})
