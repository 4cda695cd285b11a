// Package messages defines the envelopes exchanged between a host and a remote
// language server, and their encoding.
//
// Every call is a Request envelope answered by exactly one Response envelope
// carrying the same ID. The payload of both is an operation stream produced by
// a serialization.SendQueue.
//
// # Envelope Structure
//
// An envelope is a protobuf-wire encoded record:
//
//	┌────┬───────────┬───────────────────────────────────────────┐
//	│ #  │ wire type │ meaning                                   │
//	├────┼───────────┼───────────────────────────────────────────┤
//	│ 1  │ varint    │ Kind (1=Request, 2=Response)              │
//	│ 2  │ varint    │ ID (request id, echoed by the response)   │
//	│ 3  │ bytes     │ Method (requests only)                    │
//	│ 4  │ bytes     │ Error code (failed responses only)        │
//	│ 5  │ bytes     │ Error message                             │
//	│ 6  │ bytes     │ Payload                                   │
//	└────┴───────────┴───────────────────────────────────────────┘
//
// # Methods
//
// Three methods are reserved for session management: handshake opens the
// session, reset drops every tracked tree and shutdown asks the remote to
// stop. Language front-ends serve parse, parseSolution and print.
package messages

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind distinguishes requests from responses.
type Kind uint8

const (
	// KindRequest is a call from the host.
	KindRequest Kind = 1
	// KindResponse answers a request.
	KindResponse Kind = 2
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// ProtocolVersion is exchanged in the handshake. Peers with different major
// versions refuse each other.
const ProtocolVersion = "1.0"

// Compatible reports whether two protocol versions share a major version.
func Compatible(a, b string) bool {
	major := func(v string) string {
		if i := strings.IndexByte(v, '.'); i >= 0 {
			return v[:i]
		}
		return v
	}
	return a != "" && major(a) == major(b)
}

// Method names.
const (
	MethodHandshake     = "handshake"
	MethodShutdown      = "shutdown"
	MethodReset         = "reset"
	MethodParse         = "parse"
	MethodParseSolution = "parseSolution"
	MethodPrint         = "print"
)

// Error codes carried by failed responses.
const (
	CodeMethodNotFound = "method_not_found"
	CodeProtocol       = "protocol"
	CodeInternal       = "internal"
)

var (
	// ErrInvalidEnvelope is returned when an envelope cannot be decoded.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Error is the failure reported by a response.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
}

// Envelope is the unit of transport.
type Envelope struct {
	Kind    Kind
	ID      uint64
	Method  string
	Error   *Error
	Payload []byte
}

const (
	fieldKind         protowire.Number = 1
	fieldID           protowire.Number = 2
	fieldMethod       protowire.Number = 3
	fieldErrorCode    protowire.Number = 4
	fieldErrorMessage protowire.Number = 5
	fieldPayload      protowire.Number = 6
)

// Validate checks the envelope is well-formed for its kind.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if e.Method == "" {
			return fmt.Errorf("%w: request %d without method", ErrInvalidEnvelope, e.ID)
		}
		if e.Error != nil {
			return fmt.Errorf("%w: request %d carries an error", ErrInvalidEnvelope, e.ID)
		}
	case KindResponse:
		if e.Method != "" {
			return fmt.Errorf("%w: response %d carries method %q", ErrInvalidEnvelope, e.ID, e.Method)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidEnvelope, e.Kind)
	}
	if e.ID == 0 {
		return fmt.Errorf("%w: zero id", ErrInvalidEnvelope)
	}
	return nil
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 16+len(e.Method)+len(e.Payload))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID)
	if e.Method != "" {
		b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
		b = protowire.AppendString(b, e.Method)
	}
	if e.Error != nil {
		b = protowire.AppendTag(b, fieldErrorCode, protowire.BytesType)
		b = protowire.AppendString(b, e.Error.Code)
		b = protowire.AppendTag(b, fieldErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, e.Error.Message)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b, nil
}

// Decode deserializes an envelope.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldID):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidEnvelope, num, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldID {
				e.ID = v
			} else {
				if v > math.MaxUint8 {
					return nil, fmt.Errorf("%w: kind %d out of range", ErrInvalidEnvelope, v)
				}
				e.Kind = Kind(v)
			}

		case typ == protowire.BytesType && num >= fieldMethod && num <= fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidEnvelope, num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldMethod:
				e.Method = string(v)
			case fieldErrorCode:
				e.errorField().Code = string(v)
			case fieldErrorMessage:
				e.errorField().Message = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			}

		default:
			return nil, fmt.Errorf("%w: unexpected field %d (wire type %d)", ErrInvalidEnvelope, num, typ)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Envelope) errorField() *Error {
	if e.Error == nil {
		e.Error = &Error{}
	}
	return e.Error
}

// NewRequest creates a request envelope.
func NewRequest(id uint64, method string, payload []byte) *Envelope {
	return &Envelope{Kind: KindRequest, ID: id, Method: method, Payload: payload}
}

// NewResponse creates a successful response to request id.
func NewResponse(id uint64, payload []byte) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, Payload: payload}
}

// NewErrorResponse creates a failed response to request id.
func NewErrorResponse(id uint64, code, message string) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, Error: &Error{Code: code, Message: message}}
}
