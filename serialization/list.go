package serialization

import (
	"fmt"

	"github.com/smnsjas/go-lstrpc/wire"
)

type listCodec[T any] struct {
	elem Codec[T]
}

// List returns a codec for ordered lists. The receiver realigns its old list
// with the positions sent in the header, then every element is exchanged
// against the old element it was aligned with. Nil and empty lists are equal.
func List[T any](elem Codec[T]) Codec[[]T] {
	return listCodec[T]{elem: elem}
}

// ListAsRef returns a List whose elements go through the reference cache.
func ListAsRef[T any](namespace string, elem Codec[T], key func(T) string) Codec[[]T] {
	return List(AsRef(namespace, elem, key))
}

func (c listCodec[T]) Equal(before, after []T) bool {
	if len(before) != len(after) {
		return false
	}
	for i := range before {
		if !c.elem.Equal(before[i], after[i]) {
			return false
		}
	}
	return true
}

func (c listCodec[T]) Encode(q *SendQueue, before, after []T) error {
	positions := Align(before, after, c.elem.Equal)
	op := wire.Op{State: wire.StateChange, Count: len(after)}
	if !identity(positions, len(before)) {
		op.Positions = positions
	}
	q.Emit(op)

	var zero T
	for i, a := range after {
		b := zero
		if p := positions[i]; p >= 0 {
			b = before[p]
		}
		if err := Send(q, c.elem, b, a); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

func (c listCodec[T]) Decode(q *ReceiveQueue, before []T) ([]T, error) {
	op, err := q.Next()
	if err != nil {
		return before, fmt.Errorf("list: %w", err)
	}
	if op.State != wire.StateChange {
		return before, protocolError("list: unexpected %s", op.State)
	}
	positions := op.Positions
	if positions == nil {
		if op.Count > len(before) {
			return before, protocolError("list: identity alignment of %d over %d elements", op.Count, len(before))
		}
		positions = make([]int, op.Count)
		for i := range positions {
			positions[i] = i
		}
	} else if len(positions) != op.Count {
		return before, protocolError("list: %d positions for %d elements", len(positions), op.Count)
	}

	if op.Count == 0 {
		return nil, nil
	}
	out := make([]T, op.Count)
	var zero T
	for i, p := range positions {
		b := zero
		switch {
		case p == -1:
		case p >= 0 && p < len(before):
			b = before[p]
		default:
			return before, protocolError("list: position %d out of range", p)
		}
		v, err := Receive(q, c.elem, b)
		if err != nil {
			return before, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Align maps every element of after to the index of the element of before it
// replaces, or -1 for an insertion. It walks both lists once, looking one
// element ahead to tell a removal or an insertion from a replacement.
func Align[T any](before, after []T, eq func(a, b T) bool) []int {
	positions := make([]int, len(after))
	i, j := 0, 0
	for i < len(after) {
		switch {
		case j < len(before) && eq(before[j], after[i]):
			positions[i] = j
			i++
			j++
		case j+1 < len(before) && eq(before[j+1], after[i]):
			j++
		case j < len(before) && i+1 < len(after) && eq(before[j], after[i+1]):
			positions[i] = -1
			i++
		case j < len(before):
			positions[i] = j
			i++
			j++
		default:
			positions[i] = -1
			i++
		}
	}
	return positions
}

func identity(positions []int, n int) bool {
	if len(positions) > n {
		return false
	}
	for i, p := range positions {
		if p != i {
			return false
		}
	}
	return true
}
