package remote

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smnsjas/go-lstrpc/frontend"
	"github.com/smnsjas/go-lstrpc/lst"
	"github.com/smnsjas/go-lstrpc/messages"
	"github.com/smnsjas/go-lstrpc/serialization"
)

const instrumentationName = "github.com/smnsjas/go-lstrpc/remote"

// Client calls the front-end methods of the server run by a Manager. Each
// call starts the server if needed and is traced as one span.
type Client struct {
	mgr    *Manager
	codec  serialization.Codec[lst.SourceFile]
	tracer trace.Tracer
}

// NewClient returns a Client decoding source files with codec, which must
// match the server's language.
func NewClient(mgr *Manager, codec *serialization.Union[lst.SourceFile]) *Client {
	return &Client{
		mgr:    mgr,
		codec:  codec,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Parse parses the files at paths. Files the server could not parse are
// returned as *lst.ParseError.
func (c *Client) Parse(ctx context.Context, paths []string) ([]lst.SourceFile, error) {
	var files []lst.SourceFile
	err := c.call(ctx, messages.MethodParse,
		[]attribute.KeyValue{attribute.Int("lstrpc.paths", len(paths))},
		func(q *serialization.SendQueue) error { return frontend.EncodeParseRequest(q, paths) },
		func(q *serialization.ReceiveQueue) error {
			var err error
			files, err = frontend.ReceiveSourceFiles(q, c.codec)
			return err
		})
	return files, err
}

// ParseSolution parses every file listed by projectFile under rootDir.
func (c *Client) ParseSolution(ctx context.Context, projectFile, rootDir string) ([]lst.SourceFile, error) {
	var files []lst.SourceFile
	err := c.call(ctx, messages.MethodParseSolution,
		[]attribute.KeyValue{
			attribute.String("lstrpc.project_file", projectFile),
			attribute.String("lstrpc.root_dir", rootDir),
		},
		func(q *serialization.SendQueue) error { return frontend.EncodeSolutionRequest(q, projectFile, rootDir) },
		func(q *serialization.ReceiveQueue) error {
			var err error
			files, err = frontend.ReceiveSourceFiles(q, c.codec)
			return err
		})
	return files, err
}

// Print renders sf on the server. Only the parts of sf that changed since
// the server last saw the tree are sent.
func (c *Client) Print(ctx context.Context, sf lst.SourceFile) (string, error) {
	if sf == nil {
		return "", errors.New("print: nil source file")
	}
	var text string
	err := c.call(ctx, messages.MethodPrint,
		[]attribute.KeyValue{attribute.String("lstrpc.source_path", sf.SourcePath())},
		func(q *serialization.SendQueue) error { return frontend.EncodePrintRequest(q, c.codec, sf) },
		func(q *serialization.ReceiveQueue) error {
			var err error
			text, err = frontend.DecodePrintResponse(q)
			return err
		})
	return text, err
}

// Reset makes both sides forget the trees exchanged so far.
func (c *Client) Reset(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "lstrpc."+messages.MethodReset)
	defer span.End()

	sess, err := c.mgr.GetOrStart(ctx)
	if err == nil {
		err = sess.Reset(ctx)
	}
	return endSpan(span, err)
}

func (c *Client) call(ctx context.Context, method string, attrs []attribute.KeyValue,
	encode func(*serialization.SendQueue) error, decode func(*serialization.ReceiveQueue) error) error {
	ctx, span := c.tracer.Start(ctx, "lstrpc."+method, trace.WithAttributes(attrs...))
	defer span.End()

	sess, err := c.mgr.GetOrStart(ctx)
	if err != nil {
		return endSpan(span, err)
	}
	span.SetAttributes(attribute.String("lstrpc.session_id", sess.ID().String()))
	return endSpan(span, sess.Call(ctx, method, encode, decode))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
