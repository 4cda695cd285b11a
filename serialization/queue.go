// Package serialization implements the diff-based exchange of tree values
// between two peers.
//
// A sender compares the value the receiver already holds (before) with the new
// value (after) and writes only the operations needed to turn one into the
// other. The receiver replays the same codec against its own copy of before.
// Both sides must therefore call codecs in the same order with the same before
// values; a Codec declared once with Struct, Ptr, Union and List drives both
// directions from the same field list.
//
// Unchanged values are never written individually. They accumulate into a skip
// run that is flushed as a single NoChange operation before the next real
// operation, and dropped entirely at the end of a stream. Sending an unchanged
// scalar at the tail of a message therefore costs zero bytes.
//
// Queues are not safe for concurrent use.
package serialization

import (
	"errors"
	"fmt"
	"io"

	"github.com/smnsjas/go-lstrpc/wire"
)

var (
	// ErrProtocol indicates the operation stream no longer matches what the
	// receiver expects. The session that produced it cannot continue.
	ErrProtocol = errors.New("protocol desynchronized")
	// ErrUnknownRef indicates a back-reference to an id that was never registered.
	ErrUnknownRef = errors.New("unknown reference id")
	// ErrUnsupportedType indicates a value whose dynamic type has no codec.
	ErrUnsupportedType = errors.New("unsupported type")
)

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// SendQueue accumulates the operations of one outgoing message.
type SendQueue struct {
	buf     []byte
	refs    *SendRefs
	objects *Objects
	skip    int
	ops     int
	trace   func(wire.Op)
}

// NewSendQueue creates a SendQueue that deduplicates through refs and tracks
// trees in objects. Either may be nil, in which case a private one is used.
func NewSendQueue(refs *SendRefs, objects *Objects) *SendQueue {
	if refs == nil {
		refs = NewSendRefs()
	}
	if objects == nil {
		objects = NewObjects()
	}
	return &SendQueue{refs: refs, objects: objects}
}

// SetTrace installs fn to be called for every operation written.
func (q *SendQueue) SetTrace(fn func(wire.Op)) {
	q.trace = fn
}

// Refs returns the reference cache of the queue.
func (q *SendQueue) Refs() *SendRefs { return q.refs }

// Objects returns the tree table of the queue.
func (q *SendQueue) Objects() *Objects { return q.objects }

// Emit writes op, flushing any pending skip run first.
func (q *SendQueue) Emit(op wire.Op) {
	if q.skip > 0 {
		q.write(wire.Op{State: wire.StateNoChange, Count: q.skip})
		q.skip = 0
	}
	q.write(op)
}

func (q *SendQueue) write(op wire.Op) {
	q.buf = wire.AppendOp(q.buf, op)
	q.ops++
	if q.trace != nil {
		q.trace(op)
	}
}

// Skip records that the receiver's current value is already correct.
func (q *SendQueue) Skip() {
	q.skip++
}

// Bytes returns the encoded stream. A trailing skip run is not written.
func (q *SendQueue) Bytes() []byte {
	return q.buf
}

// Len returns the number of operations written.
func (q *SendQueue) Len() int {
	return q.ops
}

// ReceiveQueue replays an incoming message.
type ReceiveQueue struct {
	dec     *wire.Decoder
	refs    *ReceiveRefs
	objects *Objects
	skip    int
	peeked  *wire.Op
	trace   func(wire.Op)
}

// NewReceiveQueue creates a ReceiveQueue over data. refs and objects may be
// nil, in which case a private one is used.
func NewReceiveQueue(data []byte, refs *ReceiveRefs, objects *Objects) *ReceiveQueue {
	if refs == nil {
		refs = NewReceiveRefs()
	}
	if objects == nil {
		objects = NewObjects()
	}
	return &ReceiveQueue{dec: wire.NewDecoder(data), refs: refs, objects: objects}
}

// SetTrace installs fn to be called for every operation read.
func (q *ReceiveQueue) SetTrace(fn func(wire.Op)) {
	q.trace = fn
}

// Refs returns the reference cache of the queue.
func (q *ReceiveQueue) Refs() *ReceiveRefs { return q.refs }

// Objects returns the tree table of the queue.
func (q *ReceiveQueue) Objects() *Objects { return q.objects }

func (q *ReceiveQueue) peek() (*wire.Op, error) {
	if q.peeked != nil {
		return q.peeked, nil
	}
	op, err := q.dec.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if q.trace != nil {
		q.trace(op)
	}
	q.peeked = &op
	return q.peeked, nil
}

// unchanged consumes one slot of the current skip run, if any. At the end of
// the stream every remaining value is unchanged.
func (q *ReceiveQueue) unchanged() (bool, error) {
	if q.skip > 0 {
		q.skip--
		return true, nil
	}
	op, err := q.peek()
	if err != nil {
		return false, err
	}
	if op == nil {
		return true, nil
	}
	if op.State != wire.StateNoChange {
		return false, nil
	}
	if op.Count < 1 {
		return false, protocolError("empty no-change run")
	}
	q.peeked = nil
	q.skip = op.Count - 1
	return true, nil
}

// Next returns the next operation. Running out of operations while a value is
// being decoded is a protocol error.
func (q *ReceiveQueue) Next() (wire.Op, error) {
	op, err := q.peek()
	if err != nil {
		return wire.Op{}, err
	}
	if op == nil {
		return wire.Op{}, protocolError("stream ended mid-value")
	}
	q.peeked = nil
	if op.State == wire.StateNoChange {
		return wire.Op{}, protocolError("unexpected no-change run")
	}
	return *op, nil
}

// Finish verifies that every operation was consumed.
func (q *ReceiveQueue) Finish() error {
	if q.skip > 0 {
		return protocolError("%d unconsumed no-change slots", q.skip)
	}
	op, err := q.peek()
	if err != nil {
		return err
	}
	if op != nil {
		return protocolError("unconsumed %s operation", op.State)
	}
	return nil
}
