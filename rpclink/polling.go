package rpclink

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"

	"github.com/meshlink/linkmesh/internal/unbounded"
	"github.com/meshlink/linkmesh/rpclink/wire"
)

// opaquePollingRequest is a request routed to a polling handler before its
// payload has been decoded into a concrete type. It tracks whether it has
// been responded to so at most one response is ever sent, and so an
// unanswered request can be auto-failed once the consumer is done with it.
type opaquePollingRequest[A comparable] struct {
	state *endpointState[A]

	mu        sync.Mutex
	responded bool

	from    A
	rid     string
	payload json.RawMessage
}

func (r *opaquePollingRequest[A]) respondRaw(frame []byte) {
	r.mu.Lock()
	already := r.responded
	r.responded = true
	r.mu.Unlock()
	if already || frame == nil {
		return
	}
	if sendErr := deliverFrame(r.state, r.from, frame); sendErr != nil {
		r.state.log.Warn("failed to deliver polling response", "to", r.from, "error", sendErr)
	}
}

// autoRespondIfUnanswered sends a "no response was provided" error back to
// the requester if nobody has responded yet. Go has no destructors, so
// it runs from the finalizer Next registers on each PollingRequest it
// returns: an unanswered request is failed once the garbage collector
// finalizes its wrapper, which happens at a non-deterministic time.
func (r *opaquePollingRequest[A]) autoRespondIfUnanswered() {
	r.mu.Lock()
	if r.responded {
		r.mu.Unlock()
		return
	}
	r.responded = true
	r.mu.Unlock()
	frame, err := wire.EncodeErrorResponse(r.from, r.rid, "no response was provided")
	if err != nil {
		return
	}
	if sendErr := deliverFrame(r.state, r.from, frame); sendErr != nil {
		r.state.log.Warn("failed to deliver auto-error response", "to", r.from, "error", sendErr)
	}
}

// PollingRequest is a single incoming request delivered to a polling
// handler, already decoded into R.
type PollingRequest[R any, A comparable] struct {
	opaque *opaquePollingRequest[A]
	data   R
}

// From returns the address the request was received from.
func (p *PollingRequest[R, A]) From() A { return p.opaque.from }

// Data returns the decoded request payload.
func (p *PollingRequest[R, A]) Data() R { return p.data }

// RespondOk sends a successful response. Calling it (or RespondErr) more
// than once on the same request returns ErrAlreadyResponded.
func (p *PollingRequest[R, A]) RespondOk(response any) error {
	frame, err := wire.EncodeResponse(p.opaque.from, p.opaque.rid, response)
	if err != nil {
		return err
	}
	p.opaque.mu.Lock()
	already := p.opaque.responded
	p.opaque.mu.Unlock()
	if already {
		return ErrAlreadyResponded
	}
	runtime.SetFinalizer(p, nil)
	p.opaque.respondRaw(frame)
	return nil
}

// RespondErr sends a failed response carrying message as the error text.
func (p *PollingRequest[R, A]) RespondErr(message string) error {
	frame, err := wire.EncodeErrorResponse(p.opaque.from, p.opaque.rid, message)
	if err != nil {
		return err
	}
	p.opaque.mu.Lock()
	already := p.opaque.responded
	p.opaque.mu.Unlock()
	if already {
		return ErrAlreadyResponded
	}
	runtime.SetFinalizer(p, nil)
	p.opaque.respondRaw(frame)
	return nil
}

// pollingRequestSink is the registry-side handle a polling handler
// registration holds: an unbounded queue plus a closed flag so the
// dispatcher can tell a dead listener from a merely slow one.
type pollingRequestSink[A comparable] struct {
	mu     sync.Mutex
	closed bool
	ch     *unbounded.Chan[*opaquePollingRequest[A]]
}

func newPollingRequestSink[A comparable]() *pollingRequestSink[A] {
	return &pollingRequestSink[A]{ch: unbounded.New[*opaquePollingRequest[A]]()}
}

func (s *pollingRequestSink[A]) send(pr *opaquePollingRequest[A]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch.Send(pr)
	return true
}

func (s *pollingRequestSink[A]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.ch.Close()
}

// PollingRequests is the consumer-facing stream of incoming requests for
// one registered request name. Call Close when done with it — Go has no
// destructors, so deregistration must be explicit; a runtime finalizer is
// registered as a backstop for a stream the caller forgets to close.
type PollingRequests[R any, A comparable] struct {
	name      string
	state     *endpointState[A]
	sink      *pollingRequestSink[A]
	closeOnce sync.Once
}

// RegisterPollingRequestHandler registers a polling handler for requests
// named after R, returning a stream to consume them from. Exactly one
// handler — callback or polling — may be registered per request name.
func RegisterPollingRequestHandler[A comparable, R Request](e *Endpoint[A]) (*PollingRequests[R, A], error) {
	var zero R
	name := zero.RequestName()

	s := e.state
	s.mu.Lock()
	if _, exists := s.requestHandlers[name]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateHandler
	}
	if _, exists := s.pollingRequestHandlers[name]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateHandler
	}
	sink := newPollingRequestSink[A]()
	s.pollingRequestHandlers[name] = sink
	s.mu.Unlock()

	stream := &PollingRequests[R, A]{name: name, state: s, sink: sink}
	runtime.SetFinalizer(stream, func(p *PollingRequests[R, A]) { p.Close() })
	return stream, nil
}

// Next blocks until a request arrives, ctx is cancelled, or the stream is
// closed, returning (nil, false) in the latter two cases.
func (p *PollingRequests[R, A]) Next(ctx context.Context) (*PollingRequest[R, A], bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case opaque, ok := <-p.sink.ch.Out():
			if !ok {
				return nil, false
			}
			var data R
			if err := json.Unmarshal(opaque.payload, &data); err != nil {
				p.state.log.Warn("failed to decode polling request", "name", p.name, "error", err)
				opaque.respondRaw(mustEncodeErrorResponse(opaque.from, opaque.rid, "failed to decode request"))
				continue
			}
			pr := &PollingRequest[R, A]{opaque: opaque, data: data}
			runtime.SetFinalizer(pr, func(p *PollingRequest[R, A]) { p.opaque.autoRespondIfUnanswered() })
			return pr, true
		}
	}
}

// Close deregisters the handler and stops delivering requests. Safe to
// call more than once or concurrently with Next.
func (p *PollingRequests[R, A]) Close() {
	p.closeOnce.Do(func() {
		runtime.SetFinalizer(p, nil)
		p.state.mu.Lock()
		if cur, ok := p.state.pollingRequestHandlers[p.name]; ok && cur == p.sink {
			delete(p.state.pollingRequestHandlers, p.name)
		}
		p.state.mu.Unlock()
		p.sink.close()
	})
}

// polledNotification is an incoming notification routed to a polling
// handler before its payload has been decoded.
type polledNotification[A comparable] struct {
	from    A
	payload json.RawMessage
}

type pollingNotificationSink[A comparable] struct {
	mu     sync.Mutex
	closed bool
	ch     *unbounded.Chan[polledNotification[A]]
}

func newPollingNotificationSink[A comparable]() *pollingNotificationSink[A] {
	return &pollingNotificationSink[A]{ch: unbounded.New[polledNotification[A]]()}
}

func (s *pollingNotificationSink[A]) send(n polledNotification[A]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch.Send(n)
	return true
}

func (s *pollingNotificationSink[A]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.ch.Close()
}

// PollingNotification is a single incoming notification delivered to a
// polling handler, already decoded into N.
type PollingNotification[N any, A comparable] struct {
	from A
	data N
}

// From returns the address the notification was received from.
func (n PollingNotification[N, A]) From() A { return n.from }

// Data returns the decoded notification payload.
func (n PollingNotification[N, A]) Data() N { return n.data }

// PollingNotifications is the consumer-facing stream of incoming
// notifications for one registered notification name.
type PollingNotifications[N any, A comparable] struct {
	name      string
	state     *endpointState[A]
	sink      *pollingNotificationSink[A]
	closeOnce sync.Once
}

// RegisterPollingNotificationHandler registers a polling handler for
// notifications named after N, returning a stream to consume them from.
func RegisterPollingNotificationHandler[A comparable, N Notification](e *Endpoint[A]) (*PollingNotifications[N, A], error) {
	var zero N
	name := zero.NotificationName()

	s := e.state
	s.mu.Lock()
	if _, exists := s.notificationHandlers[name]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateHandler
	}
	if _, exists := s.pollingNotificationHandlers[name]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateHandler
	}
	sink := newPollingNotificationSink[A]()
	s.pollingNotificationHandlers[name] = sink
	s.mu.Unlock()

	stream := &PollingNotifications[N, A]{name: name, state: s, sink: sink}
	runtime.SetFinalizer(stream, func(p *PollingNotifications[N, A]) { p.Close() })
	return stream, nil
}

// Next blocks until a notification arrives, ctx is cancelled, or the
// stream is closed.
func (p *PollingNotifications[N, A]) Next(ctx context.Context) (*PollingNotification[N, A], bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case n, ok := <-p.sink.ch.Out():
			if !ok {
				return nil, false
			}
			var data N
			if err := json.Unmarshal(n.payload, &data); err != nil {
				p.state.log.Warn("failed to decode polling notification", "name", p.name, "error", err)
				continue
			}
			return &PollingNotification[N, A]{from: n.from, data: data}, true
		}
	}
}

// Close deregisters the handler and stops delivering notifications.
func (p *PollingNotifications[N, A]) Close() {
	p.closeOnce.Do(func() {
		runtime.SetFinalizer(p, nil)
		p.state.mu.Lock()
		if cur, ok := p.state.pollingNotificationHandlers[p.name]; ok && cur == p.sink {
			delete(p.state.pollingNotificationHandlers, p.name)
		}
		p.state.mu.Unlock()
		p.sink.close()
	})
}

func mustEncodeErrorResponse[A any](to A, rid, message string) []byte {
	frame, err := wire.EncodeErrorResponse(to, rid, message)
	if err != nil {
		return nil
	}
	return frame
}
