// Package port defines the transport contract an Endpoint sends and
// receives length-prefixed byte frames over, plus one reference
// implementation (native-messaging-style framing over stdio).
package port

import "context"

// FrameHandler is called once per frame received from the remote end of
// a Port, in arrival order.
type FrameHandler func(frame []byte)

// CloseHandler is called at most once, when the Port's read side ends on
// its own (remote close, transport error) rather than via an explicit
// Stop call.
type CloseHandler func()

// Port is a duplex, message-framed byte transport: the wire envelope and
// its JSON contents are entirely opaque to it. Implementations mirror the
// teacher's Transport interface (Start/Stop/callback registration) scaled
// down to the one concern this spec needs from a transport.
type Port interface {
	// Start begins reading frames, delivering each to the handler set via
	// SetFrameHandler. The provided context controls the Port's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts the Port down.
	Stop() error
	// SetFrameHandler sets the callback invoked for every received frame.
	// Must be called before Start.
	SetFrameHandler(fn FrameHandler)
	// SetCloseHandler sets the callback invoked if the Port's read side
	// ends unexpectedly. Must be called before Start. Never invoked as a
	// result of Stop.
	SetCloseHandler(fn CloseHandler)
	// Send transmits a single frame to the remote end.
	Send(frame []byte) error
}
