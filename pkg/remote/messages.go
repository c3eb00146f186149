package remote

import (
	"fmt"

	"github.com/eigerco/rangekv/pkg/keyrange"
)

const (
	putKind      = 1
	getKind      = 2
	deleteKind   = 3
	scanKind     = 4
	batchKind    = 5
	batchEndKind = 6

	ackKind     = 128
	valueKind   = 129
	existedKind = 130
	chunkKind   = 131
	endKind     = 132
	errorKind   = 255
)

// Statuses carried by Error. Engine and store error text never goes on the
// wire.
const (
	StatusInternal        = "internal error"
	StatusInvalidArgument = "invalid argument"
)

type MessageChoice interface {
	isMessageChoice()
}

// Pair is a key value pair on the wire. Either side may be nil; the store
// decides whether the pair is valid.
type Pair struct {
	Key   []byte
	Value []byte
}

// Range is a keyrange.KeyRange on the wire.
type Range struct {
	Kind   keyrange.Kind
	Start  []byte
	Stop   []byte
	Prefix bool
}

func RangeOf(r keyrange.KeyRange) Range {
	return Range{Kind: r.Kind(), Start: r.Start(), Stop: r.Stop(), Prefix: r.IsPrefix()}
}

// KeyRange rebuilds the range through the keyrange factories, so a range
// with missing bounds is rejected.
func (r Range) KeyRange() (keyrange.KeyRange, error) {
	if r.Prefix {
		return keyrange.Prefix(r.Start)
	}
	switch r.Kind {
	case keyrange.UnboundedForward:
		return keyrange.Forward(), nil
	case keyrange.UnboundedBackward:
		return keyrange.Backward(), nil
	case keyrange.StartForward:
		return keyrange.AtLeast(r.Start)
	case keyrange.StartBackward:
		return keyrange.AtLeastBackward(r.Start)
	case keyrange.StopForward:
		return keyrange.AtMost(r.Stop)
	case keyrange.StopBackward:
		return keyrange.AtMostBackward(r.Stop)
	case keyrange.RangeForward, keyrange.RangeBackward:
		kr, err := keyrange.Range(r.Start, r.Stop)
		if err != nil {
			return kr, err
		}
		if kr.Kind() != r.Kind {
			return keyrange.KeyRange{}, fmt.Errorf("%w: bounds contradict %s", keyrange.ErrInvalidRange, r.Kind)
		}
		return kr, nil
	}
	return keyrange.KeyRange{}, fmt.Errorf("%w: unknown kind %d", keyrange.ErrInvalidRange, r.Kind)
}

type Put struct {
	Key   []byte
	Value []byte
}

type Get struct {
	Key []byte
}

type Delete struct {
	Key []byte
}

// Scan asks for the pairs of Range, answered by Chunk frames and one End.
type Scan struct {
	Range     Range
	ChunkSize uint32
}

// Batch is one chunk of a batch upload. The server answers nothing until
// BatchEnd.
type Batch struct {
	Items []Pair
}

type BatchEnd struct{}

// Ack confirms a write; Count is the number of pairs written.
type Ack struct {
	Count uint64
}

// Value answers Get; Found is false for absent keys.
type Value struct {
	Found bool
	Value []byte
}

// Existed answers Delete.
type Existed struct {
	Existed bool
}

type Chunk struct {
	Items []Pair
}

type End struct{}

type Error struct {
	Status string
}

func (Put) isMessageChoice()      {}
func (Get) isMessageChoice()      {}
func (Delete) isMessageChoice()   {}
func (Scan) isMessageChoice()     {}
func (Batch) isMessageChoice()    {}
func (BatchEnd) isMessageChoice() {}
func (Ack) isMessageChoice()      {}
func (Value) isMessageChoice()    {}
func (Existed) isMessageChoice()  {}
func (Chunk) isMessageChoice()    {}
func (End) isMessageChoice()      {}
func (Error) isMessageChoice()    {}

// Marshal encodes m as a kind byte followed by its fields.
func Marshal(m MessageChoice) ([]byte, error) {
	var b []byte
	switch m := m.(type) {
	case Put:
		b = append(b, putKind)
		b = appendOptBytes(b, m.Key)
		b = appendOptBytes(b, m.Value)
	case Get:
		b = appendOptBytes(append(b, getKind), m.Key)
	case Delete:
		b = appendOptBytes(append(b, deleteKind), m.Key)
	case Scan:
		b = append(b, scanKind, byte(m.Range.Kind))
		b = appendBool(b, m.Range.Prefix)
		b = appendOptBytes(b, m.Range.Start)
		b = appendOptBytes(b, m.Range.Stop)
		b = appendNatural(b, uint64(m.ChunkSize))
	case Batch:
		b = appendPairs(append(b, batchKind), m.Items)
	case BatchEnd:
		b = append(b, batchEndKind)
	case Ack:
		b = appendNatural(append(b, ackKind), m.Count)
	case Value:
		b = appendBool(append(b, valueKind), m.Found)
		if m.Found {
			b = appendBytes(b, m.Value)
		}
	case Existed:
		b = appendBool(append(b, existedKind), m.Existed)
	case Chunk:
		b = appendPairs(append(b, chunkKind), m.Items)
	case End:
		b = append(b, endKind)
	case Error:
		b = appendBytes(append(b, errorKind), []byte(m.Status))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return b, nil
}

// Unmarshal decodes one message produced by Marshal.
func Unmarshal(b []byte) (MessageChoice, error) {
	d := &decoder{buf: b}
	var m MessageChoice
	switch kind := d.u8(); kind {
	case putKind:
		m = Put{Key: d.optBytes(), Value: d.optBytes()}
	case getKind:
		m = Get{Key: d.optBytes()}
	case deleteKind:
		m = Delete{Key: d.optBytes()}
	case scanKind:
		var r Range
		r.Kind = keyrange.Kind(d.u8())
		r.Prefix = d.flag()
		r.Start = d.optBytes()
		r.Stop = d.optBytes()
		size := d.natural()
		if size > uint64(^uint32(0)) {
			return nil, fmt.Errorf("remote: chunk size %d out of range", size)
		}
		m = Scan{Range: r, ChunkSize: uint32(size)}
	case batchKind:
		m = Batch{Items: d.pairs()}
	case batchEndKind:
		m = BatchEnd{}
	case ackKind:
		m = Ack{Count: d.natural()}
	case valueKind:
		v := Value{Found: d.flag()}
		if v.Found {
			v.Value = d.bytes()
		}
		m = v
	case existedKind:
		m = Existed{Existed: d.flag()}
	case chunkKind:
		m = Chunk{Items: d.pairs()}
	case endKind:
		m = End{}
	case errorKind:
		m = Error{Status: string(d.bytes())}
	default:
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, kind)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

func appendPairs(b []byte, pairs []Pair) []byte {
	b = appendNatural(b, uint64(len(pairs)))
	for _, p := range pairs {
		b = appendOptBytes(b, p.Key)
		b = appendOptBytes(b, p.Value)
	}
	return b
}

func (d *decoder) pairs() []Pair {
	n := d.natural()
	// Every pair takes at least two bytes, which bounds n by the input.
	if d.err != nil || n > uint64(len(d.buf))/2 {
		if d.err == nil {
			d.err = ErrShortMessage
		}
		return nil
	}
	pairs := make([]Pair, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		pairs = append(pairs, Pair{Key: d.optBytes(), Value: d.optBytes()})
	}
	return pairs
}
