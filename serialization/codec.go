package serialization

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/wire"
)

// Codec exchanges values of type T.
//
// Encode is only called when Equal(before, after) is false. Decode must read
// exactly the operations Encode wrote for the same before value.
type Codec[T any] interface {
	Equal(before, after T) bool
	Encode(q *SendQueue, before, after T) error
	Decode(q *ReceiveQueue, before T) (T, error)
}

// Send writes the difference between before and after.
func Send[T any](q *SendQueue, c Codec[T], before, after T) error {
	if c.Equal(before, after) {
		q.Skip()
		return nil
	}
	return c.Encode(q, before, after)
}

// Receive reads the value the sender passed to the mirroring Send call.
func Receive[T any](q *ReceiveQueue, c Codec[T], before T) (T, error) {
	same, err := q.unchanged()
	if err != nil {
		var zero T
		return zero, err
	}
	if same {
		return before, nil
	}
	return c.Decode(q, before)
}

type scalarCodec[T comparable] struct {
	kind wire.Kind
	to   func(T) wire.Value
	from func(wire.Value) T
}

func (c scalarCodec[T]) Equal(before, after T) bool { return before == after }

func (c scalarCodec[T]) Encode(q *SendQueue, _, after T) error {
	q.Emit(wire.Op{State: wire.StateAdd, Value: c.to(after)})
	return nil
}

func (c scalarCodec[T]) Decode(q *ReceiveQueue, _ T) (T, error) {
	var zero T
	op, err := q.Next()
	if err != nil {
		return zero, err
	}
	if op.State != wire.StateAdd {
		return zero, protocolError("scalar: unexpected %s", op.State)
	}
	if op.Value.Kind != c.kind {
		return zero, protocolError("scalar: expected %s, got %s", c.kind, op.Value.Kind)
	}
	return c.from(op.Value), nil
}

// String returns the codec for strings.
func String() Codec[string] {
	return scalarCodec[string]{
		kind: wire.KindString,
		to:   wire.String,
		from: func(v wire.Value) string { return v.Str },
	}
}

// Int64 returns the codec for int64 values.
func Int64() Codec[int64] {
	return scalarCodec[int64]{
		kind: wire.KindInt,
		to:   wire.Int,
		from: func(v wire.Value) int64 { return v.Int },
	}
}

// Int returns the codec for int values.
func Int() Codec[int] {
	return scalarCodec[int]{
		kind: wire.KindInt,
		to:   func(i int) wire.Value { return wire.Int(int64(i)) },
		from: func(v wire.Value) int { return int(v.Int) },
	}
}

// Bool returns the codec for bools.
func Bool() Codec[bool] {
	return scalarCodec[bool]{
		kind: wire.KindBool,
		to:   wire.Bool,
		from: func(v wire.Value) bool { return v.Bool },
	}
}

// Float64 returns the codec for float64 values. NaN never compares equal and
// is always retransmitted.
func Float64() Codec[float64] {
	return scalarCodec[float64]{
		kind: wire.KindFloat,
		to:   wire.Float,
		from: func(v wire.Value) float64 { return v.Float },
	}
}

type bytesCodec struct{}

// Bytes returns the codec for byte slices. Nil and empty compare equal.
func Bytes() Codec[[]byte] { return bytesCodec{} }

func (bytesCodec) Equal(before, after []byte) bool { return bytes.Equal(before, after) }

func (bytesCodec) Encode(q *SendQueue, _, after []byte) error {
	q.Emit(wire.Op{State: wire.StateAdd, Value: wire.Bytes(after)})
	return nil
}

func (bytesCodec) Decode(q *ReceiveQueue, _ []byte) ([]byte, error) {
	op, err := q.Next()
	if err != nil {
		return nil, err
	}
	if op.State != wire.StateAdd || op.Value.Kind != wire.KindBytes {
		return nil, protocolError("bytes: unexpected %s of %s", op.State, op.Value.Kind)
	}
	return op.Value.Bytes, nil
}

type convertCodec[T comparable, W any] struct {
	inner Codec[W]
	to    func(T) W
	from  func(W) (T, error)
}

// Convert exchanges T through its wire representation W. to must be injective
// so that distinct values never encode identically.
func Convert[T comparable, W any](inner Codec[W], to func(T) W, from func(W) (T, error)) Codec[T] {
	return convertCodec[T, W]{inner: inner, to: to, from: from}
}

func (c convertCodec[T, W]) Equal(before, after T) bool { return before == after }

func (c convertCodec[T, W]) Encode(q *SendQueue, before, after T) error {
	return c.inner.Encode(q, c.to(before), c.to(after))
}

func (c convertCodec[T, W]) Decode(q *ReceiveQueue, before T) (T, error) {
	w, err := c.inner.Decode(q, c.to(before))
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := c.from(w)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: convert: %w", ErrProtocol, err)
	}
	return v, nil
}

// UUID returns the codec for uuid.UUID values, sent in their text form.
func UUID() Codec[uuid.UUID] {
	return Convert(String(), uuid.UUID.String, uuid.Parse)
}

// Enum returns the codec for a string enumeration. A received value outside
// allowed is a protocol error. With no allowed values every string is accepted.
func Enum[T ~string](allowed ...T) Codec[T] {
	set := make(map[T]struct{}, len(allowed))
	for _, v := range allowed {
		set[v] = struct{}{}
	}
	return Convert(String(),
		func(v T) string { return string(v) },
		func(s string) (T, error) {
			v := T(s)
			if len(set) > 0 {
				if _, ok := set[v]; !ok {
					return v, fmt.Errorf("unknown %T value %q", v, s)
				}
			}
			return v, nil
		})
}

type lazyCodec[T any] struct {
	get func() Codec[T]
}

// Lazy defers building a codec until first use, for recursive node types.
func Lazy[T any](get func() Codec[T]) Codec[T] {
	return lazyCodec[T]{get: get}
}

func (c lazyCodec[T]) Equal(before, after T) bool { return c.get().Equal(before, after) }

func (c lazyCodec[T]) Encode(q *SendQueue, before, after T) error {
	return c.get().Encode(q, before, after)
}

func (c lazyCodec[T]) Decode(q *ReceiveQueue, before T) (T, error) {
	return c.get().Decode(q, before)
}

// isNil reports whether v is nil or a nil pointer, map, slice or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
