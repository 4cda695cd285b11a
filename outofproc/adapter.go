package outofproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when writing to a closed adapter.
var ErrClosed = errors.New("adapter closed")

// Adapter bridges the line transport with the frame streams of the session
// and server packages. It implements io.ReadWriter: every Write becomes one
// Data packet and Read yields the bytes of received Data packets in order.
//
// A received Close is acknowledged and ends the read side with io.EOF.
type Adapter struct {
	transport *Transport
	session   uuid.UUID

	readBuf  bytes.Buffer
	readMu   sync.Mutex
	readCond *sync.Cond

	pending [][]byte
	closed  bool
	readErr error

	closeOnce sync.Once
	ackCh     chan struct{}
	doneCh    chan struct{}
}

// NewAdapter creates an adapter for a session. The adapter starts reading
// packets immediately.
func NewAdapter(transport *Transport, session uuid.UUID) *Adapter {
	a := &Adapter{
		transport: transport,
		session:   session,
		pending:   make([][]byte, 0, 16),
		ackCh:     make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	a.readCond = sync.NewCond(&a.readMu)

	go a.readLoop()

	return a
}

// readLoop reads packets from the transport and dispatches them.
func (a *Adapter) readLoop() {
	defer func() {
		a.readMu.Lock()
		a.closed = true
		a.readCond.Broadcast()
		a.readMu.Unlock()
		close(a.doneCh)
	}()

	for {
		packet, err := a.transport.ReceivePacket()
		if err != nil {
			a.readMu.Lock()
			a.readErr = err
			a.readCond.Broadcast()
			a.readMu.Unlock()
			return
		}

		switch packet.Type {
		case PacketTypeData:
			a.readMu.Lock()
			a.pending = append(a.pending, packet.Data)
			a.readCond.Signal()
			a.readMu.Unlock()

		case PacketTypeClose:
			// The peer is going away; acknowledge and stop reading.
			_ = a.transport.SendCloseAck(packet.Session)
			return

		case PacketTypeCloseAck:
			a.closeOnce.Do(func() { close(a.ackCh) })
			return
		}
	}
}

// Read implements io.Reader, returning frame bytes.
// This blocks until data is available or the adapter is closed.
func (a *Adapter) Read(p []byte) (int, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	if a.readBuf.Len() > 0 {
		return a.readBuf.Read(p)
	}

	for len(a.pending) == 0 && !a.closed && a.readErr == nil {
		a.readCond.Wait()
	}

	// Pending data is returned before any error, so nothing received ahead
	// of a Close or EOF is lost.
	if len(a.pending) > 0 {
		data := a.pending[0]
		a.pending = a.pending[1:]

		if len(data) <= len(p) {
			copy(p, data)
			return len(data), nil
		}
		copy(p, data[:len(p)])
		a.readBuf.Write(data[len(p):])
		return len(p), nil
	}

	if a.readErr != nil {
		return 0, a.readErr
	}
	return 0, io.EOF
}

// Write implements io.Writer, sending p as one Data packet.
func (a *Adapter) Write(p []byte) (int, error) {
	select {
	case <-a.ackCh:
		return 0, ErrClosed
	default:
	}
	if err := a.transport.SendData(a.session, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a Close packet and waits until the peer acknowledges it, the
// read side ends, or ctx is done.
func (a *Adapter) Close(ctx context.Context) error {
	if err := a.transport.SendClose(a.session); err != nil {
		return fmt.Errorf("send close: %w", err)
	}
	select {
	case <-a.ackCh:
		return nil
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait close ack: %w", ctx.Err())
	}
}

// Done returns a channel closed when the read side has ended.
func (a *Adapter) Done() <-chan struct{} {
	return a.doneCh
}

// Session returns the session id stamped on outgoing packets.
func (a *Adapter) Session() uuid.UUID {
	return a.session
}
