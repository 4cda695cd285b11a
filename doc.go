// Package lstrpc synchronizes Lossless Semantic Trees between a host process
// and an out-of-process language server.
//
// A language server parses source files into trees that keep every byte of
// the input: whitespace, comments and line continuations included. The host
// receives those trees, transforms them, and sends them back to be printed.
// Within one session neither side sends a subtree the other already holds:
// scalars that did not change are skipped, nodes are diffed against the
// last version the peer saw, and shared values such as dependencies or styles
// are sent once and referenced by number afterwards.
//
// # Architecture
//
// The module is organized into layers, from bytes to processes:
//
//   - wire: binary encoding of the op records a tree is flattened to
//   - serialization: codecs, reference caches and the send/receive queues
//     that diff trees
//   - fragments: splitting envelopes into bounded frames
//   - messages: request/response envelopes and method names
//   - outofproc: line framing over a child's stdin and stdout
//   - session: the host side of a connection and its state machine
//   - server: the remote side, dispatching requests to handlers
//   - lst, frontend: the language-independent tree model and the
//     parse/print methods every front-end serves
//   - remote: starting, supervising and calling server processes
//   - dockerfile: a complete front-end for Dockerfiles
//
// # Basic Usage
//
//	cfg := remote.DefaultConfig()
//	cfg.EntryPoint = "lstrpc-dockerfile"
//	mgr := remote.NewManager(cfg)
//	defer mgr.ShutdownCurrent(context.Background())
//
//	client := remote.NewClient(mgr, dockerfile.NewSourceFileCodec())
//	files, err := client.Parse(ctx, []string{"Dockerfile"})
//	if err != nil {
//	    return err
//	}
//	doc := files[0].(*dockerfile.Document)
//	from := doc.Froms()[0]
//	text, err := client.Print(ctx, doc.Replace(from, from.WithImage("alpine:3.21")))
//
// Only the changed FROM instruction travels back to the server for the
// print.
package lstrpc

// Version is the library version.
const Version = "0.1.0-dev"
