// Package frontend connects a language front-end to the RPC protocol.
//
// The request and response layouts of parse, parseSolution and print are
// defined here once and used by both sides: remote.Client encodes requests
// and decodes responses, Register installs the server handlers that do the
// opposite.
package frontend

import (
	"context"
	"fmt"

	"github.com/smnsjas/go-lstrpc/lst"
	"github.com/smnsjas/go-lstrpc/messages"
	"github.com/smnsjas/go-lstrpc/serialization"
	"github.com/smnsjas/go-lstrpc/server"
)

// FrontEnd parses and prints the source files of one language.
type FrontEnd interface {
	// Language names the language, as announced in the handshake.
	Language() string
	// Codec returns the SourceFile union covering the front-end's trees.
	Codec() *serialization.Union[lst.SourceFile]
	// Parse parses the files at paths. A file that cannot be parsed is
	// returned as an *lst.ParseError, never as an error.
	Parse(ctx context.Context, paths []string) ([]lst.SourceFile, error)
	// ParseSolution parses every file listed by the project file.
	ParseSolution(ctx context.Context, projectFile, rootDir string) ([]lst.SourceFile, error)
	// Print renders a tree back to text.
	Print(ctx context.Context, sf lst.SourceFile) (string, error)
}

var pathsCodec = serialization.List(serialization.String())

// EncodeParseRequest writes the parameters of parse.
func EncodeParseRequest(q *serialization.SendQueue, paths []string) error {
	return serialization.Send(q, pathsCodec, nil, paths)
}

// DecodeParseRequest reads the parameters of parse.
func DecodeParseRequest(q *serialization.ReceiveQueue) ([]string, error) {
	return serialization.Receive(q, pathsCodec, nil)
}

// EncodeSolutionRequest writes the parameters of parseSolution.
func EncodeSolutionRequest(q *serialization.SendQueue, projectFile, rootDir string) error {
	if err := serialization.Send(q, serialization.String(), "", projectFile); err != nil {
		return err
	}
	return serialization.Send(q, serialization.String(), "", rootDir)
}

// DecodeSolutionRequest reads the parameters of parseSolution.
func DecodeSolutionRequest(q *serialization.ReceiveQueue) (projectFile, rootDir string, err error) {
	if projectFile, err = serialization.Receive(q, serialization.String(), ""); err != nil {
		return "", "", err
	}
	rootDir, err = serialization.Receive(q, serialization.String(), "")
	return projectFile, rootDir, err
}

// SendSourceFiles writes files, each as a tree tracked by its id.
func SendSourceFiles(q *serialization.SendQueue, c serialization.Codec[lst.SourceFile], files []lst.SourceFile) error {
	if err := serialization.Send(q, serialization.Int(), 0, len(files)); err != nil {
		return err
	}
	for i, sf := range files {
		if err := serialization.SendTree(q, c, sf.TreeID(), sf); err != nil {
			return fmt.Errorf("source file %d (%s): %w", i, sf.SourcePath(), err)
		}
	}
	return nil
}

// maxPrealloc bounds the capacity reserved for a received file count.
const maxPrealloc = 64

// ReceiveSourceFiles reads files written by SendSourceFiles.
func ReceiveSourceFiles(q *serialization.ReceiveQueue, c serialization.Codec[lst.SourceFile]) ([]lst.SourceFile, error) {
	n, err := serialization.Receive(q, serialization.Int(), 0)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d source files", serialization.ErrProtocol, n)
	}
	// n is untrusted; the loop fails once the stream runs out.
	files := make([]lst.SourceFile, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		sf, err := serialization.ReceiveTree(q, c)
		if err != nil {
			return nil, fmt.Errorf("source file %d: %w", i, err)
		}
		if sf == nil {
			return nil, fmt.Errorf("%w: source file %d is nil", serialization.ErrProtocol, i)
		}
		files = append(files, sf)
	}
	return files, nil
}

// EncodePrintRequest writes the tree to print as the difference against the
// copy the remote holds.
func EncodePrintRequest(q *serialization.SendQueue, c serialization.Codec[lst.SourceFile], sf lst.SourceFile) error {
	return serialization.SendTree(q, c, sf.TreeID(), sf)
}

// DecodePrintRequest reads the tree to print.
func DecodePrintRequest(q *serialization.ReceiveQueue, c serialization.Codec[lst.SourceFile]) (lst.SourceFile, error) {
	sf, err := serialization.ReceiveTree(q, c)
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, fmt.Errorf("%w: nothing to print", serialization.ErrProtocol)
	}
	return sf, nil
}

// EncodePrintResponse writes printed text.
func EncodePrintResponse(q *serialization.SendQueue, text string) error {
	return serialization.Send(q, serialization.String(), "", text)
}

// DecodePrintResponse reads printed text.
func DecodePrintResponse(q *serialization.ReceiveQueue) (string, error) {
	return serialization.Receive(q, serialization.String(), "")
}

// Register installs the handlers of fe on srv.
func Register(srv *server.Server, fe FrontEnd) {
	c := serialization.Codec[lst.SourceFile](fe.Codec())

	srv.Handle(messages.MethodParse, func(ctx context.Context, in *serialization.ReceiveQueue, out *serialization.SendQueue) error {
		paths, err := DecodeParseRequest(in)
		if err != nil {
			return err
		}
		files, err := fe.Parse(ctx, paths)
		if err != nil {
			return err
		}
		return SendSourceFiles(out, c, files)
	})

	srv.Handle(messages.MethodParseSolution, func(ctx context.Context, in *serialization.ReceiveQueue, out *serialization.SendQueue) error {
		projectFile, rootDir, err := DecodeSolutionRequest(in)
		if err != nil {
			return err
		}
		files, err := fe.ParseSolution(ctx, projectFile, rootDir)
		if err != nil {
			return err
		}
		return SendSourceFiles(out, c, files)
	})

	srv.Handle(messages.MethodPrint, func(ctx context.Context, in *serialization.ReceiveQueue, out *serialization.SendQueue) error {
		sf, err := DecodePrintRequest(in, c)
		if err != nil {
			return err
		}
		text, err := fe.Print(ctx, sf)
		if err != nil {
			return err
		}
		return EncodePrintResponse(out, text)
	})
}
