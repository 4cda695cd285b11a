package server

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/outofproc"
)

// closeTimeout bounds the wait for the host to acknowledge a Close packet.
const closeTimeout = 2 * time.Second

// ServeStdio serves one host over the out-of-process line framing, reading
// packets from r and writing them to w. A server started by remote.Manager
// passes its stdin and stdout. It returns when the host shuts the session
// down or closes the stream.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	transport := outofproc.NewTransport(r, w)
	transport.SetLogger(s.logger.With(slog.String("component", "transport")))
	adapter := outofproc.NewAdapter(transport, uuid.Nil)

	err := s.Serve(ctx, adapter)
	select {
	case <-adapter.Done():
	default:
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = adapter.Close(closeCtx)
	}
	return err
}
