package fragments

import (
	"fmt"
	"io"
	"sync"
)

// Writer writes messages to an io.Writer as sequences of frames. Each frame
// is written with a single Write call.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	fragmenter *Fragmenter
}

// NewWriter creates a Writer producing frames of at most maxSize bytes.
func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Writer{w: w, fragmenter: NewFragmenter(maxSize)}
}

// WriteMessage fragments data and writes every frame. It is safe for
// concurrent use; frames of different messages are never interleaved.
func (w *Writer) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frags, err := w.fragmenter.Fragment(data)
	if err != nil {
		return err
	}
	for _, f := range frags {
		buf, err := f.Encode()
		if err != nil {
			return err
		}
		if _, err := w.w.Write(buf); err != nil {
			return fmt.Errorf("write frame %d of message %d: %w", f.Seq, f.MessageID, err)
		}
	}
	return nil
}

// Reader reads messages from an io.Reader of frames.
type Reader struct {
	r         io.Reader
	assembler *Assembler
	hdr       [HeaderSize]byte
}

// NewReader creates a Reader with default assembler limits.
func NewReader(r io.Reader) *Reader {
	return NewReaderWithAssembler(r, NewAssembler())
}

// NewReaderWithAssembler creates a Reader reassembling with a.
func NewReaderWithAssembler(r io.Reader, a *Assembler) *Reader {
	return &Reader{r: r, assembler: a}
}

// ReadMessage blocks until a complete message has been read. It returns
// io.EOF if the stream ends between messages and io.ErrUnexpectedEOF if it
// ends inside one.
func (r *Reader) ReadMessage() ([]byte, error) {
	for {
		if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
			if err == io.EOF && r.assembler.Pending() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		f, n, err := ParseHeader(r.hdr[:])
		if err != nil {
			return nil, err
		}
		if int64(n) > int64(r.assembler.maxMessageSize) {
			return nil, fmt.Errorf("%w: frame of %d bytes", ErrMessageTooLarge, n)
		}
		f.Data = make([]byte, n)
		if _, err := io.ReadFull(r.r, f.Data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read frame payload: %w", err)
		}

		complete, data, err := r.assembler.Add(f)
		if err != nil {
			return nil, err
		}
		if complete {
			return data, nil
		}
	}
}
