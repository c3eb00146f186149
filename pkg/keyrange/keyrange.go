// Package keyrange describes which keys a scan visits and in which direction.
//
// Bounds are inclusive. A range never looks at store contents: a range that
// selects no keys is valid and simply scans nothing.
package keyrange

import (
	"errors"
	"fmt"

	"github.com/eigerco/rangekv/pkg/bytecmp"
)

var ErrInvalidRange = errors.New("keyrange: invalid range")

// Kind is the resolved shape of a range. The scan dispatcher selects one walk
// algorithm per kind, once, when the scan starts.
type Kind uint8

const (
	UnboundedForward Kind = iota
	UnboundedBackward
	StartForward
	StartBackward
	StopForward
	StopBackward
	RangeForward
	RangeBackward
)

func (k Kind) String() string {
	switch k {
	case UnboundedForward:
		return "forward"
	case UnboundedBackward:
		return "backward"
	case StartForward:
		return "at_least"
	case StartBackward:
		return "at_least_backward"
	case StopForward:
		return "at_most"
	case StopBackward:
		return "at_most_backward"
	case RangeForward:
		return "range_forward"
	case RangeBackward:
		return "range_backward"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KeyRange is an immutable scan descriptor.
type KeyRange struct {
	start  []byte
	stop   []byte
	kind   Kind
	prefix bool
}

// Forward scans the whole keyspace in ascending order.
func Forward() KeyRange {
	return KeyRange{kind: UnboundedForward}
}

// Backward scans the whole keyspace in descending order.
func Backward() KeyRange {
	return KeyRange{kind: UnboundedBackward}
}

// AtLeast scans ascending from start to the end of the keyspace.
func AtLeast(start []byte) (KeyRange, error) {
	if start == nil {
		return KeyRange{}, fmt.Errorf("%w: nil start", ErrInvalidRange)
	}
	return KeyRange{start: clone(start), kind: StartForward}, nil
}

// AtLeastBackward scans descending from start to the beginning of the keyspace.
func AtLeastBackward(start []byte) (KeyRange, error) {
	if start == nil {
		return KeyRange{}, fmt.Errorf("%w: nil start", ErrInvalidRange)
	}
	return KeyRange{start: clone(start), kind: StartBackward}, nil
}

// AtMost scans ascending from the first key up to and including stop.
func AtMost(stop []byte) (KeyRange, error) {
	if stop == nil {
		return KeyRange{}, fmt.Errorf("%w: nil stop", ErrInvalidRange)
	}
	return KeyRange{stop: clone(stop), kind: StopForward}, nil
}

// AtMostBackward scans descending from the last key down to and including stop.
func AtMostBackward(stop []byte) (KeyRange, error) {
	if stop == nil {
		return KeyRange{}, fmt.Errorf("%w: nil stop", ErrInvalidRange)
	}
	return KeyRange{stop: clone(stop), kind: StopBackward}, nil
}

// Range scans every key between start and stop, inclusive. The direction is
// forward when start <= stop and backward otherwise, so Range(a, b) and
// Range(b, a) visit the same keys in opposite order.
func Range(start, stop []byte) (KeyRange, error) {
	if start == nil || stop == nil {
		return KeyRange{}, fmt.Errorf("%w: range needs both bounds", ErrInvalidRange)
	}
	kind := RangeForward
	if bytecmp.Compare(start, stop) > 0 {
		kind = RangeBackward
	}
	return KeyRange{start: clone(start), stop: clone(stop), kind: kind}, nil
}

// Only scans the single key.
func Only(key []byte) (KeyRange, error) {
	return Range(key, key)
}

// Prefix scans ascending over every key that starts with p.
func Prefix(p []byte) (KeyRange, error) {
	if len(p) == 0 {
		return KeyRange{}, fmt.Errorf("%w: empty prefix", ErrInvalidRange)
	}
	p = clone(p)
	return KeyRange{start: p, stop: p, kind: RangeForward, prefix: true}, nil
}

// MustAtLeast is like AtLeast but panics on error.
func MustAtLeast(start []byte) KeyRange { return must(AtLeast(start)) }

// MustAtLeastBackward is like AtLeastBackward but panics on error.
func MustAtLeastBackward(start []byte) KeyRange { return must(AtLeastBackward(start)) }

// MustAtMost is like AtMost but panics on error.
func MustAtMost(stop []byte) KeyRange { return must(AtMost(stop)) }

// MustAtMostBackward is like AtMostBackward but panics on error.
func MustAtMostBackward(stop []byte) KeyRange { return must(AtMostBackward(stop)) }

// MustRange is like Range but panics on error.
func MustRange(start, stop []byte) KeyRange { return must(Range(start, stop)) }

// MustPrefix is like Prefix but panics on error.
func MustPrefix(p []byte) KeyRange { return must(Prefix(p)) }

func (r KeyRange) Kind() Kind { return r.kind }

// Start returns the start bound, nil when the range has none.
func (r KeyRange) Start() []byte { return r.start }

// Stop returns the stop bound, nil when the range has none.
func (r KeyRange) Stop() []byte { return r.stop }

// IsPrefix reports whether the range was built by Prefix.
func (r KeyRange) IsPrefix() bool { return r.prefix }

// IsForward reports whether keys are visited in ascending order.
func (r KeyRange) IsForward() bool {
	switch r.kind {
	case UnboundedForward, StartForward, StopForward, RangeForward:
		return true
	}
	return false
}

// CompareStop compares key against the stop bound, honouring prefix matching
// for ranges built by Prefix.
func (r KeyRange) CompareStop(key []byte) int {
	if r.prefix {
		return bytecmp.ComparePrefix(key, r.stop)
	}
	return bytecmp.Compare(key, r.stop)
}

// Contains reports whether key is selected by the range.
func (r KeyRange) Contains(key []byte) bool {
	switch r.kind {
	case UnboundedForward, UnboundedBackward:
		return true
	case StartForward:
		return bytecmp.Compare(key, r.start) >= 0
	case StartBackward:
		return bytecmp.Compare(key, r.start) <= 0
	case StopForward:
		return r.CompareStop(key) <= 0
	case StopBackward:
		return r.CompareStop(key) >= 0
	case RangeForward:
		return bytecmp.Compare(key, r.start) >= 0 && r.CompareStop(key) <= 0
	case RangeBackward:
		return bytecmp.Compare(key, r.start) <= 0 && r.CompareStop(key) >= 0
	}
	return false
}

func (r KeyRange) String() string {
	switch {
	case r.prefix:
		return fmt.Sprintf("prefix[%x]", r.start)
	case r.start != nil && r.stop != nil:
		return fmt.Sprintf("%s[%x..%x]", r.kind, r.start, r.stop)
	case r.start != nil:
		return fmt.Sprintf("%s[%x..]", r.kind, r.start)
	case r.stop != nil:
		return fmt.Sprintf("%s[..%x]", r.kind, r.stop)
	}
	return r.kind.String()
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

func must(r KeyRange, err error) KeyRange {
	if err != nil {
		panic(err)
	}
	return r
}
