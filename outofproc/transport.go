package outofproc

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PacketType represents the type of a packet.
type PacketType string

const (
	PacketTypeData     PacketType = "Data"
	PacketTypeClose    PacketType = "Close"
	PacketTypeCloseAck PacketType = "CloseAck"
)

// MaxLineSize bounds a single packet line. Frames are bounded by the
// fragmenter, so a longer line is a broken peer.
const MaxLineSize = 16 << 20

var (
	// ErrLineTooLong is returned when a packet line exceeds MaxLineSize.
	ErrLineTooLong = errors.New("packet line too long")
)

// Packet represents a received packet.
type Packet struct {
	Type    PacketType
	Session uuid.UUID
	Data    []byte // Decoded frame bytes (only for Data packets)
}

// Transport implements the line framing.
// It wraps a reader and writer (typically the stdio pipes of a child process).
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex // Protects writer
	logger *slog.Logger
}

// NewTransport creates a new transport.
// The reader is used for receiving packets, the writer for sending.
func NewTransport(reader io.Reader, writer io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReaderSize(reader, 64*1024),
		writer: writer,
		logger: slog.New(slog.DiscardHandler),
	}
}

// NewTransportFromReadWriter creates a transport from a single io.ReadWriter.
func NewTransportFromReadWriter(rw io.ReadWriter) *Transport {
	return NewTransport(rw, rw)
}

// SetLogger sets the logger used for packet-level debug output.
func (t *Transport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

func (t *Transport) writeLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.Debug("send packet", "packet", truncate(line, 200))
	_, err := io.WriteString(t.writer, line)
	return err
}

// SendData sends frame bytes.
func (t *Transport) SendData(session uuid.UUID, data []byte) error {
	return t.writeLine(fmt.Sprintf("<Data Session='%s'>%s</Data>\n",
		session, base64.StdEncoding.EncodeToString(data)))
}

// SendClose asks the peer to close the session.
func (t *Transport) SendClose(session uuid.UUID) error {
	return t.writeLine(fmt.Sprintf("<Close Session='%s' />\n", session))
}

// SendCloseAck acknowledges a Close.
func (t *Transport) SendCloseAck(session uuid.UUID) error {
	return t.writeLine(fmt.Sprintf("<CloseAck Session='%s' />\n", session))
}

// ReceivePacket reads and parses the next packet from the transport.
// It blocks until a complete packet is received or an error occurs.
// Lines without markup are skipped.
func (t *Transport) ReceivePacket() (*Packet, error) {
	for {
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		t.logger.Debug("receive packet", "packet", truncate(line, 200))

		// Skip UTF-8 BOM if present (\xEF\xBB\xBF)
		line = strings.TrimPrefix(line, "\xEF\xBB\xBF")

		idx := strings.Index(line, "<")
		if idx == -1 {
			t.logger.Debug("skip non-packet line", "line", truncate(line, 100))
			continue
		}
		packet, err := parsePacket(line[idx:])
		if err != nil {
			return nil, fmt.Errorf("parse packet: %w", err)
		}
		return packet, nil
	}
}

func (t *Transport) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := t.reader.ReadLine()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if sb.Len()+len(chunk) > MaxLineSize {
			return "", ErrLineTooLong
		}
		sb.Write(chunk)
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

// parsePacket parses a single line.
func parsePacket(line string) (*Packet, error) {
	decoder := xml.NewDecoder(strings.NewReader(line))

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w (line: %q)", err, truncate(line, 100))
	}
	startElem, ok := token.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("expected start element, got %T (line: %q)", token, truncate(line, 100))
	}

	packet := &Packet{Type: PacketType(startElem.Name.Local)}
	switch packet.Type {
	case PacketTypeData, PacketTypeClose, PacketTypeCloseAck:
	default:
		return nil, fmt.Errorf("unknown packet type %q", packet.Type)
	}

	for _, attr := range startElem.Attr {
		if attr.Name.Local == "Session" {
			id, err := uuid.Parse(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("parse Session %q: %w", attr.Value, err)
			}
			packet.Session = id
		}
	}

	if packet.Type == PacketTypeData {
		token, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return packet, nil
			}
			return nil, fmt.Errorf("read data content: %w", err)
		}
		switch t := token.(type) {
		case xml.CharData:
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(t)))
			if err != nil {
				return nil, fmt.Errorf("decode base64: %w", err)
			}
			packet.Data = decoded
		case xml.EndElement:
		default:
			return nil, fmt.Errorf("unexpected token type in Data element: %T", token)
		}
	}
	return packet, nil
}

// truncate shortens a string for log and error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
