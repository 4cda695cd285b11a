// Package session implements the host side of an LST RPC session.
//
// A Session owns one duplex stream to a remote language server, the
// reference caches of both directions and the table of trees the remote
// holds. Calls are serialized: a call holds the session (Busy) from the
// moment its parameters are encoded until its response is decoded, so both
// peers apply encode and decode operations in the same order.
//
// # State Machine
//
//	NotStarted → Starting → Ready ⇄ Busy
//	                          ↓
//	                    ShuttingDown → Stopped
//
//	any state ──────────────────────→ Failed
//
// Failed is absorbing. A session fails when the stream ends unexpectedly, a
// call times out or is abandoned, the remote answers with an error, or either
// side cannot encode or decode an operation stream. In every one of those
// cases the two caches may disagree, so the session is discarded and the
// caller starts a fresh one.
//
// # Usage
//
//	s := session.New(conn, session.WithLogger(logger))
//	if err := s.Open(ctx); err != nil {
//	    return err
//	}
//	defer s.Close(ctx)
//
//	err := s.Call(ctx, messages.MethodPrint,
//	    func(q *serialization.SendQueue) error { ... },
//	    func(q *serialization.ReceiveQueue) error { ... })
package session
