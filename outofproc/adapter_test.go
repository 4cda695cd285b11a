package outofproc

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// syncBuffer is a bytes.Buffer safe for the adapter's background writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAdapterWrite(t *testing.T) {
	var buf syncBuffer
	session := uuid.MustParse(testSession)
	adapter := NewAdapter(NewTransport(strings.NewReader(""), &buf), session)

	testData := []byte("Hello, LST!")
	n, err := adapter.Write(testData)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(testData) {
		t.Errorf("Write() n = %d, want %d", n, len(testData))
	}

	output := buf.String()
	if !strings.Contains(output, "Session='"+testSession+"'") {
		t.Errorf("missing session attribute, got: %s", output)
	}
	// "Hello, LST!" base64 encoded is "SGVsbG8sIExTVCE="
	if !strings.Contains(output, "SGVsbG8sIExTVCE=") {
		t.Errorf("missing base64 data in output, got: %s", output)
	}
}

func TestAdapterMultipleReads(t *testing.T) {
	input := `<Data Session='` + testSession + `'>Zmlyc3Q=</Data>
<Data Session='` + testSession + `'>c2Vjb25k</Data>
<Data Session='` + testSession + `'>dGhpcmQ=</Data>
`
	adapter := NewAdapter(NewTransport(strings.NewReader(input), io.Discard), uuid.Nil)

	for i, want := range []string{"first", "second", "third"} {
		buf := make([]byte, 100)
		n, err := adapter.Read(buf)
		if err != nil {
			t.Fatalf("Read() #%d error = %v", i+1, err)
		}
		if got := string(buf[:n]); got != want {
			t.Errorf("Read() #%d = %q, want %q", i+1, got, want)
		}
	}
}

func TestAdapterReadSmallBuffer(t *testing.T) {
	input := "<Data>aGVsbG8gd29ybGQ=</Data>\n"
	adapter := NewAdapter(NewTransport(strings.NewReader(input), io.Discard), uuid.Nil)

	got, err := io.ReadAll(readerFunc(func(p []byte) (int, error) {
		return adapter.Read(p[:min(len(p), 3)])
	}))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("ReadAll() = %q", got)
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestAdapterReadAfterEOF(t *testing.T) {
	input := "<Data>dGVzdA==</Data>\n"
	adapter := NewAdapter(NewTransport(strings.NewReader(input), io.Discard), uuid.Nil)

	select {
	case <-adapter.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop at EOF")
	}

	buf := make([]byte, 100)
	n, err := adapter.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "test" {
		t.Errorf("Read() = %q, want %q", string(buf[:n]), "test")
	}
	if _, err = adapter.Read(buf); err != io.EOF {
		t.Errorf("second Read() error = %v, want EOF", err)
	}
}

func TestAdapterAcknowledgesClose(t *testing.T) {
	var out syncBuffer
	input := "<Data>dGVzdA==</Data>\n<Close Session='" + testSession + "' />\n<Data>bG9zdA==</Data>\n"
	adapter := NewAdapter(NewTransport(strings.NewReader(input), &out), uuid.Nil)

	got, err := io.ReadAll(adapter)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "test" {
		t.Errorf("data after Close must be ignored, got %q", got)
	}
	if !strings.Contains(out.String(), "<CloseAck Session='"+testSession+"' />") {
		t.Errorf("Close was not acknowledged, got: %s", out.String())
	}
}

func TestAdapterCloseWaitsForAck(t *testing.T) {
	pr, pw := io.Pipe()
	var out syncBuffer
	adapter := NewAdapter(NewTransport(pr, &out), uuid.MustParse(testSession))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(pw, "<CloseAck Session='"+testSession+"' />\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := adapter.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !strings.Contains(out.String(), "<Close Session='"+testSession+"' />") {
		t.Errorf("Close() did not send close packet, got: %s", out.String())
	}
	if _, err := adapter.Write([]byte("late")); err != ErrClosed {
		t.Errorf("Write() after close error = %v, want ErrClosed", err)
	}
	_ = pw.Close()
}

func TestAdapterCloseTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	adapter := NewAdapter(NewTransport(pr, io.Discard), uuid.Nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := adapter.Close(ctx); err == nil {
		t.Fatal("Close() succeeded without an acknowledgment")
	}
}
