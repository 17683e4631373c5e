package rpclink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meshlink/linkmesh/internal/unbounded"
	"github.com/meshlink/linkmesh/rpclink/port"
	"github.com/meshlink/linkmesh/rpclink/wire"
	"github.com/meshlink/linkmesh/rtt"
)

// Config configures a new Endpoint.
type Config struct {
	// Logger receives structured logs for routing and dispatch events.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// connection is a live direct transport to one peer.
type connection[A comparable] struct {
	addr A
	port port.Port
}

// pendingResult is what a completed Request delivers to its waiter.
type pendingResult struct {
	payload []byte
	err     error
}

// connWaiter lets WaitForConnectionTo be woken the instant a route to its
// target address appears, rather than polling.
type connWaiter[A comparable] struct {
	addr A
	ch   chan struct{}
}

// endpointState holds every piece of mutable state for one Endpoint behind
// a single RWMutex. Direct API calls (AddDirect, SendNotification,
// SendRequest, Register*) take the lock and mutate synchronously; inbound
// frames, connection-ended signals and route table events are queued for
// the event-loop goroutine to process instead. Route events are queued
// from inside the Set call that produces them, so with the lock held;
// the unbounded queue's Send does not wait for the event loop. No lock is
// held across a Port I/O call.
type endpointState[A comparable] struct {
	me  A
	log *slog.Logger

	mu sync.RWMutex

	routes      *rtt.Set[A]
	connections map[A]*connection[A]

	requestHandlers             map[string]requestHandler[A]
	notificationHandlers        map[string]notificationHandler[A]
	pollingRequestHandlers      map[string]*pollingRequestSink[A]
	pollingNotificationHandlers map[string]*pollingNotificationSink[A]

	pending map[string]chan pendingResult
	waiters []*connWaiter[A]

	events *unbounded.Chan[loopEvent[A]]
}

func (s *endpointState[A]) notifyWaiters(addr A) {
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		if w.addr == addr {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	s.waiters = remaining
}

func (s *endpointState[A]) removeWaiter(target *connWaiter[A]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Endpoint is one node's view of the overlay: its direct connections, the
// routing table derived from them, and the handlers registered to answer
// requests and notifications addressed to it.
type Endpoint[A comparable] struct {
	state *endpointState[A]
}

// New creates an Endpoint identified by me.
func New[A comparable](me A, cfg Config) *Endpoint[A] {
	log := cfg.logger().With("endpoint", me)
	s := &endpointState[A]{
		me:                          me,
		log:                         log,
		connections:                 make(map[A]*connection[A]),
		requestHandlers:             make(map[string]requestHandler[A]),
		notificationHandlers:        make(map[string]notificationHandler[A]),
		pollingRequestHandlers:      make(map[string]*pollingRequestSink[A]),
		pollingNotificationHandlers: make(map[string]*pollingNotificationSink[A]),
		pending:                     make(map[string]chan pendingResult),
		events:                      unbounded.New[loopEvent[A]](),
	}
	s.routes = rtt.New[A](log, func(ev rtt.Event[A]) {
		s.events.Send(routeEvent[A]{event: ev})
	})

	e := &Endpoint[A]{state: s}
	registerInternalHandlers(e)
	return e
}

// Run drains the event loop until ctx is cancelled or Close is called.
// Exactly one goroutine should call Run for a given Endpoint.
func (e *Endpoint[A]) Run(ctx context.Context) error {
	s := e.state
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events.Out():
			if !ok {
				return nil
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// AddDirect brings up a direct connection to addr over p, at the given
// path cost, and starts reading frames from it. Pre-existing routes are
// announced to addr immediately so it can start forwarding through this
// node without waiting for further route changes.
func (e *Endpoint[A]) AddDirect(ctx context.Context, addr A, p port.Port, cost rtt.Rtt) error {
	s := e.state

	s.mu.Lock()
	if _, exists := s.connections[addr]; exists {
		s.mu.Unlock()
		return fmt.Errorf("rpclink: already directly connected to %v", addr)
	}
	s.connections[addr] = &connection[A]{addr: addr, port: p}
	s.mu.Unlock()

	p.SetFrameHandler(func(frame []byte) {
		s.events.Send(inboundFrame[A]{source: addr, frame: frame})
	})
	p.SetCloseHandler(func() {
		s.events.Send(connectionEnded[A]{from: addr})
	})
	if err := p.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.connections, addr)
		s.mu.Unlock()
		return fmt.Errorf("rpclink: starting port to %v: %w", addr, err)
	}

	s.mu.Lock()
	s.routes.OnAddDirectConnection(addr, cost)
	var catchUp []AddForwarded[A]
	for _, entry := range s.routes.List() {
		if entry.Address == addr {
			continue
		}
		catchUp = append(catchUp, AddForwarded[A]{To: entry.Address, Rtt: entry.MinRtt.Rtt})
	}
	s.notifyWaiters(addr)
	s.mu.Unlock()

	for _, n := range catchUp {
		e.sendNotificationDirect(addr, n)
	}
	return nil
}

// RemoveDirect tears down the direct connection to addr, removing every
// route that depended on it either as the direct link itself or as a
// forwarder for other destinations.
func (e *Endpoint[A]) RemoveDirect(addr A) error {
	s := e.state

	s.mu.Lock()
	conn, ok := s.connections[addr]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("rpclink: no direct connection to %v", addr)
	}
	delete(s.connections, addr)
	s.routes.OnRemoveDirectConnection(addr)
	for _, to := range s.routes.Forwarded(rtt.Through(addr)) {
		s.routes.Dec(to, rtt.Through(addr))
	}
	s.mu.Unlock()

	return conn.port.Stop()
}

// WaitForConnectionTo blocks until addr is reachable, directly or via a
// forwarder, or ctx is cancelled. It checks once, subscribes, then checks
// again, so a route completing between the two checks is never missed.
func (e *Endpoint[A]) WaitForConnectionTo(ctx context.Context, addr A) error {
	s := e.state

	s.mu.Lock()
	if s.routes.Has(addr) {
		s.mu.Unlock()
		return nil
	}
	w := &connWaiter[A]{addr: addr, ch: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	if s.routes.Has(addr) {
		s.mu.Unlock()
		s.removeWaiter(w)
		return nil
	}
	s.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		s.removeWaiter(w)
		return ErrWaitCancelled
	}
}

// Close stops every direct connection and shuts the event loop down.
func (e *Endpoint[A]) Close() error {
	s := e.state

	s.mu.Lock()
	conns := make([]*connection[A], 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[A]*connection[A])
	s.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.port.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.events.Close()
	return firstErr
}

// SendNotification sends n to to, resolving direct delivery or forwarding
// as the routing table currently dictates.
func SendNotification[A comparable, N Notification](e *Endpoint[A], to A, n N) error {
	s := e.state
	frame, err := wire.EncodeRequest(s.me, to, n.NotificationName(), nil, n)
	if err != nil {
		return fmt.Errorf("rpclink: encoding notification %q: %w", n.NotificationName(), err)
	}
	return e.deliver(to, frame)
}

// SendRequest sends req to to and blocks for its response, or until ctx is
// cancelled. Resp must match the type the destination's handler responds
// with for this request name.
func SendRequest[A comparable, R Request, Resp any](ctx context.Context, e *Endpoint[A], to A, req R) (Resp, error) {
	var zero Resp
	s := e.state

	rid := uuid.NewString()
	frame, err := wire.EncodeRequest(s.me, to, req.RequestName(), &wire.ResponseTo{Rid: rid}, req)
	if err != nil {
		return zero, fmt.Errorf("rpclink: encoding request %q: %w", req.RequestName(), err)
	}

	ch := make(chan pendingResult, 1)
	s.mu.Lock()
	s.pending[rid] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, rid)
		s.mu.Unlock()
	}()

	if err := e.deliver(to, frame); err != nil {
		return zero, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return zero, res.err
		}
		return wire.DecodePayload[Resp](res.payload)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
