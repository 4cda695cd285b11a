// Package wire defines the operation stream exchanged between send and receive
// queues and its binary encoding.
//
// An operation stream is a sequence of length-prefixed records. Each record is a
// protobuf-wire encoded message with the following fields:
//
//	┌────┬───────────┬──────────────────────────────────────────────┐
//	│ #  │ wire type │ meaning                                      │
//	├────┼───────────┼──────────────────────────────────────────────┤
//	│ 1  │ varint    │ State (NoChange, Add, Change, Delete, Ref)   │
//	│ 2  │ varint    │ Count (NoChange run length, list length)     │
//	│ 3  │ bytes     │ Type discriminant for polymorphic values     │
//	│ 4  │ varint    │ Ref (reference cache id)                     │
//	│ 5  │ bytes     │ string scalar                                │
//	│ 6  │ varint    │ zigzag int64 scalar                          │
//	│ 7  │ varint    │ bool scalar                                  │
//	│ 8  │ fixed64   │ float64 scalar                               │
//	│ 9  │ bytes     │ byte-slice scalar                            │
//	│ 10 │ bytes     │ packed zigzag list positions                 │
//	└────┴───────────┴──────────────────────────────────────────────┘
//
// Every record carries its own length, so a decoder never has to guess where an
// operation ends. Unknown field numbers, unexpected wire types and truncated
// records are reported as ErrMalformed; a receive queue treats them as a
// desynchronized stream.
package wire

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// State is the kind of an operation.
type State uint8

const (
	// StateNoChange marks a run of Count values the receiver already holds.
	StateNoChange State = iota + 1
	// StateAdd carries a new value, replacing whatever the receiver held.
	StateAdd
	// StateChange announces an in-place update of a composite value.
	StateChange
	// StateDelete sets the value to nil.
	StateDelete
	// StateRef points at a value already transmitted in this session.
	StateRef
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNoChange:
		return "NoChange"
	case StateAdd:
		return "Add"
	case StateChange:
		return "Change"
	case StateDelete:
		return "Delete"
	case StateRef:
		return "Ref"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Kind identifies the scalar carried by a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindInt
	KindBool
	KindFloat
	KindBytes
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is a tagged scalar.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Bool  bool
	Float float64
	Bytes []byte
}

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int returns an int Value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Bool returns a bool Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Float returns a float Value.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Bytes returns a byte-slice Value.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// Op is a single operation of the stream.
type Op struct {
	State State
	Count int
	Type  string
	Ref   int
	Value Value
	// Positions realigns a list against the receiver's copy: one entry per
	// element, either an index into the old list or -1 for an insertion.
	// Nil means the identity alignment.
	Positions []int
}

// Field numbers. See the package documentation.
const (
	fieldState     protowire.Number = 1
	fieldCount     protowire.Number = 2
	fieldType      protowire.Number = 3
	fieldRef       protowire.Number = 4
	fieldString    protowire.Number = 5
	fieldInt       protowire.Number = 6
	fieldBool      protowire.Number = 7
	fieldFloat     protowire.Number = 8
	fieldBytes     protowire.Number = 9
	fieldPositions protowire.Number = 10
)

var (
	// ErrMalformed is returned when a record cannot be decoded.
	ErrMalformed = errors.New("malformed operation")
)

// AppendOp appends the length-prefixed encoding of op to b.
func AppendOp(b []byte, op Op) []byte {
	return protowire.AppendBytes(b, appendBody(nil, op))
}

func appendBody(b []byte, op Op) []byte {
	b = protowire.AppendTag(b, fieldState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.State))

	if op.Count != 0 {
		b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Count)) // #nosec G115 -- counts are never negative
	}
	if op.Type != "" {
		b = protowire.AppendTag(b, fieldType, protowire.BytesType)
		b = protowire.AppendString(b, op.Type)
	}
	if op.Ref != 0 {
		b = protowire.AppendTag(b, fieldRef, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Ref)) // #nosec G115 -- ids are positive
	}

	switch op.Value.Kind {
	case KindString:
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		b = protowire.AppendString(b, op.Value.Str)
	case KindInt:
		b = protowire.AppendTag(b, fieldInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(op.Value.Int))
	case KindBool:
		b = protowire.AppendTag(b, fieldBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(op.Value.Bool))
	case KindFloat:
		b = protowire.AppendTag(b, fieldFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(op.Value.Float))
	case KindBytes:
		b = protowire.AppendTag(b, fieldBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, op.Value.Bytes)
	}

	if op.Positions != nil {
		var packed []byte
		for _, p := range op.Positions {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(p)))
		}
		b = protowire.AppendTag(b, fieldPositions, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// Decoder reads operations from an encoded stream.
type Decoder struct {
	buf []byte
	n   int
}

// NewDecoder creates a Decoder over data. The decoder does not copy data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

// Next decodes the next operation. It returns io.EOF when the stream is
// exhausted.
func (d *Decoder) Next() (Op, error) {
	if len(d.buf) == 0 {
		return Op{}, io.EOF
	}
	body, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		return Op{}, fmt.Errorf("%w: record %d: %v", ErrMalformed, d.n, protowire.ParseError(n))
	}
	d.buf = d.buf[n:]

	op, err := decodeBody(body)
	if err != nil {
		return Op{}, fmt.Errorf("record %d: %w", d.n, err)
	}
	d.n++
	return op, nil
}

func decodeBody(b []byte) (Op, error) {
	var op Op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Op{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldString && typ == protowire.BytesType,
			num == fieldType && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Op{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldType {
				op.Type = s
			} else {
				op.Value = String(s)
			}

		case num == fieldBytes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, fmt.Errorf("%w: bytes: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			op.Value = Bytes(append([]byte{}, v...))

		case num == fieldPositions && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, fmt.Errorf("%w: positions: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			positions := make([]int, 0, len(packed))
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return Op{}, fmt.Errorf("%w: position: %v", ErrMalformed, protowire.ParseError(m))
				}
				packed = packed[m:]
				positions = append(positions, int(protowire.DecodeZigZag(v)))
			}
			op.Positions = positions

		case num == fieldFloat && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Op{}, fmt.Errorf("%w: float: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			op.Value = Float(math.Float64frombits(v))

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := op.setVarint(num, v); err != nil {
				return Op{}, err
			}

		default:
			return Op{}, fmt.Errorf("%w: unexpected field %d (wire type %d)", ErrMalformed, num, typ)
		}
	}

	if op.State < StateNoChange || op.State > StateRef {
		return Op{}, fmt.Errorf("%w: invalid state %d", ErrMalformed, op.State)
	}
	return op, nil
}

func (op *Op) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case fieldState:
		if v > math.MaxUint8 {
			return fmt.Errorf("%w: state %d out of range", ErrMalformed, v)
		}
		op.State = State(v)
	case fieldCount:
		if v > math.MaxInt32 {
			return fmt.Errorf("%w: count %d out of range", ErrMalformed, v)
		}
		op.Count = int(v)
	case fieldRef:
		if v > math.MaxInt32 {
			return fmt.Errorf("%w: ref %d out of range", ErrMalformed, v)
		}
		op.Ref = int(v)
	case fieldInt:
		op.Value = Int(protowire.DecodeZigZag(v))
	case fieldBool:
		op.Value = Bool(protowire.DecodeBool(v))
	default:
		return fmt.Errorf("%w: unexpected varint field %d", ErrMalformed, num)
	}
	return nil
}
