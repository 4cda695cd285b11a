package serialization

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/wire"
)

// FieldCodec exchanges one field of a T. Build it with Field.
type FieldCodec[T any] interface {
	fieldName() string
	equal(before, after *T) bool
	encode(q *SendQueue, before, after *T) error
	decode(q *ReceiveQueue, before, out *T) error
}

type field[T, F any] struct {
	name   string
	access func(*T) *F
	codec  Codec[F]
}

// Field declares a field of T reached through access and exchanged with c.
// The same declaration serves both directions.
func Field[T, F any](name string, access func(*T) *F, c Codec[F]) FieldCodec[T] {
	return field[T, F]{name: name, access: access, codec: c}
}

func (f field[T, F]) fieldName() string { return f.name }

func (f field[T, F]) equal(before, after *T) bool {
	return f.codec.Equal(*f.access(before), *f.access(after))
}

func (f field[T, F]) encode(q *SendQueue, before, after *T) error {
	if err := Send(q, f.codec, *f.access(before), *f.access(after)); err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	return nil
}

func (f field[T, F]) decode(q *ReceiveQueue, before, out *T) error {
	v, err := Receive(q, f.codec, *f.access(before))
	if err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	*f.access(out) = v
	return nil
}

type fields[T any] []FieldCodec[T]

func (fs fields[T]) equal(before, after *T) bool {
	for _, f := range fs {
		if !f.equal(before, after) {
			return false
		}
	}
	return true
}

func (fs fields[T]) encode(q *SendQueue, before, after *T) error {
	for _, f := range fs {
		if err := f.encode(q, before, after); err != nil {
			return err
		}
	}
	return nil
}

func (fs fields[T]) decode(q *ReceiveQueue, before *T) (T, error) {
	out := *before
	for _, f := range fs {
		if err := f.decode(q, before, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

type structCodec[T any] struct {
	name   string
	fields fields[T]
}

// Struct returns a codec for a value type whose fields are exchanged one by
// one. Two values are equal when all declared fields are equal.
func Struct[T any](name string, fs ...FieldCodec[T]) Codec[T] {
	return structCodec[T]{name: name, fields: fs}
}

func (c structCodec[T]) Equal(before, after T) bool {
	return c.fields.equal(&before, &after)
}

func (c structCodec[T]) Encode(q *SendQueue, before, after T) error {
	q.Emit(wire.Op{State: wire.StateChange})
	if err := c.fields.encode(q, &before, &after); err != nil {
		return fmt.Errorf("%s.%w", c.name, err)
	}
	return nil
}

func (c structCodec[T]) Decode(q *ReceiveQueue, before T) (T, error) {
	op, err := q.Next()
	if err != nil {
		return before, fmt.Errorf("%s: %w", c.name, err)
	}
	if op.State != wire.StateChange {
		return before, protocolError("%s: unexpected %s", c.name, op.State)
	}
	out, err := c.fields.decode(q, &before)
	if err != nil {
		return before, fmt.Errorf("%s.%w", c.name, err)
	}
	return out, nil
}

type ptrCodec[T any] struct {
	name   string
	fields fields[T]
}

// Ptr returns a codec for a nullable tree node. Nodes are immutable: two
// pointers are equal only when they are the same pointer. A changed node is
// sent as the difference of its fields against the old node.
func Ptr[T any](name string, fs ...FieldCodec[T]) Codec[*T] {
	return ptrCodec[T]{name: name, fields: fs}
}

func (c ptrCodec[T]) Equal(before, after *T) bool { return before == after }

func (c ptrCodec[T]) Encode(q *SendQueue, before, after *T) error {
	if after == nil {
		q.Emit(wire.Op{State: wire.StateDelete})
		return nil
	}
	var zero T
	old := &zero
	if before == nil {
		q.Emit(wire.Op{State: wire.StateAdd})
	} else {
		q.Emit(wire.Op{State: wire.StateChange})
		old = before
	}
	if err := c.fields.encode(q, old, after); err != nil {
		return fmt.Errorf("%s.%w", c.name, err)
	}
	return nil
}

func (c ptrCodec[T]) Decode(q *ReceiveQueue, before *T) (*T, error) {
	op, err := q.Next()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	var zero T
	old := &zero
	switch op.State {
	case wire.StateDelete:
		return nil, nil
	case wire.StateAdd:
	case wire.StateChange:
		if before == nil {
			return nil, protocolError("%s: change of a nil node", c.name)
		}
		old = before
	default:
		return nil, protocolError("%s: unexpected %s", c.name, op.State)
	}
	out, err := c.fields.decode(q, old)
	if err != nil {
		return nil, fmt.Errorf("%s.%w", c.name, err)
	}
	return &out, nil
}

// UnionVariant is one concrete type of a Union. Build it with Variant.
type UnionVariant[T any] interface {
	variantName() string
	variantType() reflect.Type
	encode(q *SendQueue, before, after T) error
	decode(q *ReceiveQueue, before T) (T, error)
}

type variant[T, V any] struct {
	name   string
	fields fields[V]
}

// Variant declares *V as a member of the union T under the discriminant name.
// It panics if *V does not implement T.
func Variant[T, V any](name string, fs ...FieldCodec[V]) UnionVariant[T] {
	if _, ok := any((*V)(nil)).(T); !ok {
		panic(fmt.Sprintf("serialization: %v does not implement %v", reflect.TypeFor[*V](), reflect.TypeFor[T]()))
	}
	return variant[T, V]{name: name, fields: fs}
}

func (v variant[T, V]) variantName() string { return v.name }

func (v variant[T, V]) variantType() reflect.Type { return reflect.TypeFor[*V]() }

func (v variant[T, V]) encode(q *SendQueue, before, after T) error {
	var zero V
	old := &zero
	if p, ok := any(before).(*V); ok && p != nil {
		old = p
	}
	return v.fields.encode(q, old, any(after).(*V))
}

func (v variant[T, V]) decode(q *ReceiveQueue, before T) (T, error) {
	var zero V
	old := &zero
	if p, ok := any(before).(*V); ok && p != nil {
		old = p
	}
	out, err := v.fields.decode(q, old)
	if err != nil {
		var none T
		return none, err
	}
	return any(&out).(T), nil
}

// Union exchanges an interface type T whose concrete types are pointers to
// registered variants. Build it with NewUnion.
type Union[T any] struct {
	name   string
	byName map[string]UnionVariant[T]
	byType map[reflect.Type]UnionVariant[T]
}

// NewUnion returns a codec for T over the given variants. The discriminant of
// a new value is sent before its fields.
func NewUnion[T any](name string, variants ...UnionVariant[T]) *Union[T] {
	u := &Union[T]{
		name:   name,
		byName: make(map[string]UnionVariant[T], len(variants)),
		byType: make(map[reflect.Type]UnionVariant[T], len(variants)),
	}
	for _, v := range variants {
		u.Register(v)
	}
	return u
}

// Register adds a variant. It panics on a duplicate discriminant.
func (u *Union[T]) Register(v UnionVariant[T]) {
	if _, dup := u.byName[v.variantName()]; dup {
		panic(fmt.Sprintf("serialization: %s: duplicate variant %q", u.name, v.variantName()))
	}
	u.byName[v.variantName()] = v
	u.byType[v.variantType()] = v
}

// Variants returns the registered discriminants.
func (u *Union[T]) Variants() []string {
	names := make([]string, 0, len(u.byName))
	for n := range u.byName {
		names = append(names, n)
	}
	return names
}

func (u *Union[T]) lookup(v T) (UnionVariant[T], error) {
	vt, ok := u.byType[reflect.TypeOf(v)]
	if !ok {
		return nil, fmt.Errorf("%s: %w: %T", u.name, ErrUnsupportedType, v)
	}
	return vt, nil
}

// Equal reports whether before and after are the same node.
func (u *Union[T]) Equal(before, after T) bool {
	if isNil(before) || isNil(after) {
		return isNil(before) && isNil(after)
	}
	return any(before) == any(after)
}

// Encode writes after as a change of before when both have the same concrete
// type and as a new value otherwise.
func (u *Union[T]) Encode(q *SendQueue, before, after T) error {
	if isNil(after) {
		q.Emit(wire.Op{State: wire.StateDelete})
		return nil
	}
	v, err := u.lookup(after)
	if err != nil {
		return err
	}
	if !isNil(before) && reflect.TypeOf(before) == reflect.TypeOf(after) {
		q.Emit(wire.Op{State: wire.StateChange})
	} else {
		q.Emit(wire.Op{State: wire.StateAdd, Type: v.variantName()})
		var none T
		before = none
	}
	if err := v.encode(q, before, after); err != nil {
		return fmt.Errorf("%s.%w", v.variantName(), err)
	}
	return nil
}

// Decode reads a value written by Encode.
func (u *Union[T]) Decode(q *ReceiveQueue, before T) (T, error) {
	var none T
	op, err := q.Next()
	if err != nil {
		return none, fmt.Errorf("%s: %w", u.name, err)
	}
	var v UnionVariant[T]
	switch op.State {
	case wire.StateDelete:
		return none, nil
	case wire.StateAdd:
		var ok bool
		if v, ok = u.byName[op.Type]; !ok {
			return none, protocolError("%s: unknown variant %q", u.name, op.Type)
		}
		before = none
	case wire.StateChange:
		if isNil(before) {
			return none, protocolError("%s: change of a nil node", u.name)
		}
		if v, err = u.lookup(before); err != nil {
			return none, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
	default:
		return none, protocolError("%s: unexpected %s", u.name, op.State)
	}
	out, err := v.decode(q, before)
	if err != nil {
		return none, fmt.Errorf("%s.%w", v.variantName(), err)
	}
	return out, nil
}

type refCodec[T any] struct {
	namespace string
	inner     Codec[T]
	key       func(T) string
}

// AsRef exchanges values of T through the session's reference cache. The first
// time a key is seen the value is sent in full and registered; afterwards only
// its id is sent. key must identify the value's content within namespace.
func AsRef[T any](namespace string, inner Codec[T], key func(T) string) Codec[T] {
	return refCodec[T]{namespace: namespace, inner: inner, key: key}
}

func (c refCodec[T]) Equal(before, after T) bool {
	if c.inner.Equal(before, after) {
		return true
	}
	if isNil(before) || isNil(after) {
		return false
	}
	return c.key(before) == c.key(after)
}

func (c refCodec[T]) Encode(q *SendQueue, _, after T) error {
	if isNil(after) {
		q.Emit(wire.Op{State: wire.StateDelete})
		return nil
	}
	id, seen := q.refs.GetOrRegister(c.namespace, c.key(after))
	if seen {
		q.Emit(wire.Op{State: wire.StateRef, Ref: id})
		return nil
	}
	q.Emit(wire.Op{State: wire.StateAdd, Ref: id})
	var zero T
	if err := Send(q, c.inner, zero, after); err != nil {
		return fmt.Errorf("%s: %w", c.namespace, err)
	}
	return nil
}

func (c refCodec[T]) Decode(q *ReceiveQueue, _ T) (T, error) {
	var zero T
	op, err := q.Next()
	if err != nil {
		return zero, fmt.Errorf("%s: %w", c.namespace, err)
	}
	switch op.State {
	case wire.StateDelete:
		return zero, nil
	case wire.StateRef:
		v, err := q.refs.Resolve(c.namespace, op.Ref)
		if err != nil {
			return zero, fmt.Errorf("%s: %w", c.namespace, err)
		}
		t, ok := v.(T)
		if !ok {
			return zero, protocolError("%s: reference %d holds %T", c.namespace, op.Ref, v)
		}
		return t, nil
	case wire.StateAdd:
		v, err := Receive(q, c.inner, zero)
		if err != nil {
			return zero, fmt.Errorf("%s: %w", c.namespace, err)
		}
		if err := q.refs.Register(c.namespace, op.Ref, v); err != nil {
			return zero, fmt.Errorf("%s: %w", c.namespace, err)
		}
		return v, nil
	default:
		return zero, protocolError("%s: unexpected %s", c.namespace, op.State)
	}
}

// SendTree writes tree under id as the difference against the last tree
// exchanged under the same id, then records it as the peer's copy.
func SendTree[T any](q *SendQueue, c Codec[T], id uuid.UUID, tree T) error {
	if err := Send(q, UUID(), uuid.Nil, id); err != nil {
		return err
	}
	var before T
	if v, ok := q.objects.Get(id); ok {
		if t, ok := v.(T); ok {
			before = t
		}
	}
	if err := Send(q, c, before, tree); err != nil {
		return fmt.Errorf("tree %s: %w", id, err)
	}
	q.objects.Put(id, tree)
	return nil
}

// ReceiveTree reads a tree written by SendTree.
func ReceiveTree[T any](q *ReceiveQueue, c Codec[T]) (T, error) {
	var before T
	id, err := Receive(q, UUID(), uuid.Nil)
	if err != nil {
		return before, err
	}
	if v, ok := q.objects.Get(id); ok {
		t, ok := v.(T)
		if !ok {
			return before, protocolError("tree %s holds %T", id, v)
		}
		before = t
	}
	tree, err := Receive(q, c, before)
	if err != nil {
		return tree, fmt.Errorf("tree %s: %w", id, err)
	}
	q.objects.Put(id, tree)
	return tree, nil
}
