package rpclink

import "github.com/meshlink/linkmesh/rtt"

// loopEvent is the sum type the event loop goroutine drains from its
// unbounded queue. It folds together inbound frames, connection lifecycle
// notices, and route table changes into one stream so a single goroutine
// owns every piece of mutable state that must serialize against arbitrary
// caller goroutines, without contention.
type loopEvent[A comparable] interface {
	isLoopEvent()
}

// inboundFrame arrives when a direct connection receives a frame. source
// is the direct peer the frame was physically read from, which may differ
// from the frame's logical sender once forwarding is involved.
type inboundFrame[A comparable] struct {
	source A
	frame  []byte
}

func (inboundFrame[A]) isLoopEvent() {}

// connectionEnded arrives when a direct connection's Port closes.
type connectionEnded[A comparable] struct {
	from A
}

func (connectionEnded[A]) isLoopEvent() {}

// routeEvent carries a route table change through to the protocol
// translation step.
type routeEvent[A comparable] struct {
	event rtt.Event[A]
}

func (routeEvent[A]) isLoopEvent() {}
