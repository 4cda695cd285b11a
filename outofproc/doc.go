// Package outofproc implements the line framing used between a host and a
// remote language server over the server's standard streams.
//
// # Protocol Overview
//
// Frames are base64-encoded and wrapped in a single-line XML element
// terminated by a newline, so they survive pipes that are opened in text mode
// and stay readable in a log. Lines without markup are skipped, which lets a
// server print a banner before its first packet.
//
// # Packet Types
//
//	<Data Session='guid'>base64</Data>   - Frame bytes
//	<Close Session='guid' />             - Close request
//	<CloseAck Session='guid' />          - Close acknowledgment
//
// # Usage
//
//	cmd := exec.Command("lstrpc-dockerfile")
//	stdin, _ := cmd.StdinPipe()
//	stdout, _ := cmd.StdoutPipe()
//	cmd.Start()
//
//	transport := outofproc.NewTransport(stdout, stdin)
//	adapter := outofproc.NewAdapter(transport, uuid.New())
//	sess := session.New(adapter)
package outofproc
