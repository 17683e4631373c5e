package rpclink

import (
	"context"
	"sync"

	"github.com/meshlink/linkmesh/rpclink/port"
	"github.com/meshlink/linkmesh/rtt"
)

// memPort is an in-memory Port used to wire Endpoints together in tests
// without going through any byte-framing codec. Frames written to one end
// of a pair are delivered to the other end's handler; frames that arrive
// before that handler is set are held and delivered, in order, once it is.
type memPort struct {
	mu           sync.Mutex
	peer         *memPort
	handler      port.FrameHandler
	closeHandler port.CloseHandler
	stopped      bool
	queued       [][]byte
}

// newMemPortPair returns two connected Ports: frames sent on a arrive at
// b's handler, and vice versa.
func newMemPortPair() (*memPort, *memPort) {
	a := &memPort{}
	b := &memPort{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *memPort) Start(ctx context.Context) error { return nil }

func (p *memPort) Stop() error {
	p.mu.Lock()
	already := p.stopped
	p.stopped = true
	peer := p.peer
	p.mu.Unlock()
	if already {
		return nil
	}
	peer.mu.Lock()
	cb := peer.closeHandler
	peerStopped := peer.stopped
	peer.mu.Unlock()
	if cb != nil && !peerStopped {
		cb()
	}
	return nil
}

func (p *memPort) SetFrameHandler(fn port.FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
	for _, frame := range p.queued {
		fn(frame)
	}
	p.queued = nil
}

func (p *memPort) SetCloseHandler(fn port.CloseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeHandler = fn
}

func (p *memPort) Send(frame []byte) error {
	p.mu.Lock()
	peer := p.peer
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil
	}

	cp := append([]byte(nil), frame...)
	peer.mu.Lock()
	handler := peer.handler
	if handler == nil {
		peer.queued = append(peer.queued, cp)
	}
	peer.mu.Unlock()
	if handler != nil {
		handler(cp)
	}
	return nil
}

var _ port.Port = (*memPort)(nil)

// link connects a and b's Endpoints directly at the given cost and starts
// each Endpoint's event loop. The returned cancel stops both loops.
func link[A comparable](ctx context.Context, t testingT, a *Endpoint[A], addrA A, b *Endpoint[A], addrB A, cost uint32) {
	t.Helper()
	pa, pb := newMemPortPair()
	if err := a.AddDirect(ctx, addrB, pa, rtt.Rtt(cost)); err != nil {
		t.Fatalf("AddDirect a->b: %v", err)
	}
	if err := b.AddDirect(ctx, addrA, pb, rtt.Rtt(cost)); err != nil {
		t.Fatalf("AddDirect b->a: %v", err)
	}
}

// testingT is the subset of *testing.T used by test helpers in this file,
// so they can be shared between files without importing "testing" twice.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}
