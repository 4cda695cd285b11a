// Package fragments splits envelopes into bounded frames and reassembles them.
//
// A serialized envelope can be larger than the transport is willing to carry
// in one write, so it is cut into frames of at most the configured size. Every
// frame repeats the id of the message it belongs to and its sequence number.
//
// # Frame Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  MessageID (8 bytes) - Identifies the original message │
//	├─────────────────────────────────────────────────────────┤
//	│  Seq (4 bytes) - Position of the frame in the message  │
//	├─────────────────────────────────────────────────────────┤
//	│  Flags (1 byte)                                        │
//	│    Bit 0: Start frame                                  │
//	│    Bit 1: End frame                                    │
//	├─────────────────────────────────────────────────────────┤
//	│  Length (4 bytes) - Length of the payload              │
//	├─────────────────────────────────────────────────────────┤
//	│  Payload (variable)                                    │
//	└─────────────────────────────────────────────────────────┘
//
// All multi-byte fields are big-endian.
//
// Frames of one message must arrive in order. A gap, a repeated sequence
// number or a frame of an unknown message is reported as ErrOutOfOrder; the
// stream cannot be trusted afterwards.
//
// # Usage
//
//	w := fragments.NewWriter(conn, maxSize)
//	err := w.WriteMessage(payload)
//
//	r := fragments.NewReader(conn)
//	payload, err := r.ReadMessage()
package fragments

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the frame header size in bytes.
const HeaderSize = 17

// Flag bits for frame headers.
const (
	FlagStart = 1 << 0
	FlagEnd   = 1 << 1
)

// DefaultMaxSize is the default maximum frame size, header included.
const DefaultMaxSize = 32 * 1024

var (
	// ErrInvalidFragment is returned when a frame is malformed.
	ErrInvalidFragment = errors.New("invalid fragment")
	// ErrOutOfOrder is returned when frames of a message are missing, repeated
	// or reordered.
	ErrOutOfOrder = errors.New("fragment out of order")
	// ErrMessageTooLarge is returned when a reassembled message exceeds the
	// assembler's limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// Fragment is a single frame.
type Fragment struct {
	MessageID uint64
	Seq       uint32
	Start     bool
	End       bool
	Data      []byte
}

// Encode serializes the frame to bytes.
func (f *Fragment) Encode() ([]byte, error) {
	if len(f.Data) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidFragment, len(f.Data))
	}
	buf := make([]byte, HeaderSize+len(f.Data))
	binary.BigEndian.PutUint64(buf[0:8], f.MessageID)
	binary.BigEndian.PutUint32(buf[8:12], f.Seq)

	var flags byte
	if f.Start {
		flags |= FlagStart
	}
	if f.End {
		flags |= FlagEnd
	}
	buf[12] = flags

	binary.BigEndian.PutUint32(buf[13:17], uint32(len(f.Data))) // #nosec G115 -- length checked against MaxUint32 above
	copy(buf[HeaderSize:], f.Data)
	return buf, nil
}

// ParseHeader decodes a frame header and returns the frame without payload
// and the payload length.
func ParseHeader(hdr []byte) (*Fragment, uint32, error) {
	if len(hdr) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidFragment, len(hdr))
	}
	flags := hdr[12]
	if flags&^(FlagStart|FlagEnd) != 0 {
		return nil, 0, fmt.Errorf("%w: unknown flags %#x", ErrInvalidFragment, flags)
	}
	f := &Fragment{
		MessageID: binary.BigEndian.Uint64(hdr[0:8]),
		Seq:       binary.BigEndian.Uint32(hdr[8:12]),
		Start:     flags&FlagStart != 0,
		End:       flags&FlagEnd != 0,
	}
	return f, binary.BigEndian.Uint32(hdr[13:17]), nil
}

// Decode deserializes a frame from bytes.
func Decode(data []byte) (*Fragment, error) {
	f, n, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)-HeaderSize) != uint64(n) {
		return nil, fmt.Errorf("%w: length %d, have %d bytes", ErrInvalidFragment, n, len(data)-HeaderSize)
	}
	f.Data = append([]byte(nil), data[HeaderSize:]...)
	return f, nil
}

// Fragmenter splits messages into frames.
type Fragmenter struct {
	maxSize   int
	messageID uint64
}

// NewFragmenter creates a Fragmenter producing frames of at most maxSize
// bytes, header included. A maxSize not larger than the header disables
// splitting.
func NewFragmenter(maxSize int) *Fragmenter {
	return &Fragmenter{maxSize: maxSize}
}

// Fragment splits data into one or more frames of a new message.
func (f *Fragmenter) Fragment(data []byte) ([]*Fragment, error) {
	f.messageID++
	id := f.messageID

	maxPayload := f.maxSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = len(data)
	}

	var frags []*Fragment
	var seq uint32
	for offset := 0; offset < len(data); {
		end := min(offset+maxPayload, len(data))
		if seq == math.MaxUint32 {
			return nil, fmt.Errorf("%w: %d bytes need too many frames", ErrMessageTooLarge, len(data))
		}
		frags = append(frags, &Fragment{
			MessageID: id,
			Seq:       seq,
			Start:     offset == 0,
			End:       end == len(data),
			Data:      data[offset:end],
		})
		offset = end
		seq++
	}

	if len(frags) == 0 {
		frags = append(frags, &Fragment{MessageID: id, Start: true, End: true})
	}
	return frags, nil
}

// Assembler reassembles frames into messages.
type Assembler struct {
	pending        map[uint64]*pendingMessage
	maxPending     int
	maxMessageSize int
}

type pendingMessage struct {
	next uint32
	data []byte
}

const (
	// DefaultMaxPendingMessages bounds the number of partially received messages.
	DefaultMaxPendingMessages = 64
	// DefaultMaxMessageSize bounds the size of a reassembled message.
	DefaultMaxMessageSize = 256 << 20
)

// NewAssembler creates an Assembler with default limits.
func NewAssembler() *Assembler {
	return NewAssemblerWithLimits(DefaultMaxPendingMessages, DefaultMaxMessageSize)
}

// NewAssemblerWithLimits creates an Assembler with custom limits.
func NewAssemblerWithLimits(maxPending, maxMessageSize int) *Assembler {
	return &Assembler{
		pending:        make(map[uint64]*pendingMessage),
		maxPending:     maxPending,
		maxMessageSize: maxMessageSize,
	}
}

// Add adds a frame. When the frame completes its message, complete is true and
// data holds the reassembled message.
func (a *Assembler) Add(f *Fragment) (complete bool, data []byte, err error) {
	pm, exists := a.pending[f.MessageID]
	switch {
	case f.Start && exists:
		delete(a.pending, f.MessageID)
		return false, nil, fmt.Errorf("%w: message %d restarted", ErrOutOfOrder, f.MessageID)
	case f.Start && f.Seq != 0:
		return false, nil, fmt.Errorf("%w: message %d starts at %d", ErrOutOfOrder, f.MessageID, f.Seq)
	case f.Start:
		if len(a.pending) >= a.maxPending {
			return false, nil, fmt.Errorf("too many pending messages: %d >= %d", len(a.pending), a.maxPending)
		}
		pm = &pendingMessage{}
		if !f.End {
			a.pending[f.MessageID] = pm
		}
	case !exists:
		return false, nil, fmt.Errorf("%w: frame %d of unknown message %d", ErrOutOfOrder, f.Seq, f.MessageID)
	case f.Seq != pm.next:
		delete(a.pending, f.MessageID)
		return false, nil, fmt.Errorf("%w: message %d expected frame %d, got %d", ErrOutOfOrder, f.MessageID, pm.next, f.Seq)
	}

	if len(pm.data)+len(f.Data) > a.maxMessageSize {
		delete(a.pending, f.MessageID)
		return false, nil, fmt.Errorf("%w: message %d exceeds %d bytes", ErrMessageTooLarge, f.MessageID, a.maxMessageSize)
	}
	pm.data = append(pm.data, f.Data...)
	pm.next++

	if f.End {
		delete(a.pending, f.MessageID)
		return true, pm.data, nil
	}
	return false, nil, nil
}

// Pending returns the number of partially received messages.
func (a *Assembler) Pending() int {
	return len(a.pending)
}
