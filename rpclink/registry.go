package rpclink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/meshlink/linkmesh/rtt"
)

// requestHandler is the internal shape every registered request handler
// (callback-based) is adapted to, so the dispatcher can invoke any of
// them without knowing the concrete request/response types.
type requestHandler[A comparable] interface {
	handle(ctx context.Context, source A, payload json.RawMessage) (json.RawMessage, error)
}

// notificationHandler is the internal shape every registered notification
// handler (callback-based) is adapted to.
type notificationHandler[A comparable] interface {
	blocking() bool
	handle(ctx context.Context, source A, payload json.RawMessage)
}

type callbackRequestHandler[A comparable, R Request, Resp any] struct {
	name string
	fn   func(ctx context.Context, source A, req R) (Resp, error)
}

func (h *callbackRequestHandler[A, R, Resp]) handle(ctx context.Context, source A, payload json.RawMessage) (json.RawMessage, error) {
	var req R
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errDecodePayload(h.name, err)
	}
	resp, err := h.fn(ctx, source, req)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("rpclink: encoding response for %q: %w", h.name, err)
	}
	return out, nil
}

type callbackNotificationHandler[A comparable, N Notification] struct {
	name         string
	log          *slog.Logger
	blockingFlag bool
	fn           func(ctx context.Context, source A, n N) error
}

func (h *callbackNotificationHandler[A, N]) blocking() bool { return h.blockingFlag }

func (h *callbackNotificationHandler[A, N]) handle(ctx context.Context, source A, payload json.RawMessage) {
	var n N
	if err := json.Unmarshal(payload, &n); err != nil {
		h.log.Error("failed to parse notification", "name", h.name, "error", err)
		return
	}
	if err := h.fn(ctx, source, n); err != nil {
		h.log.Error("notification handler failed", "name", h.name, "error", err)
	}
}

// RegisterRequestHandler registers a callback invoked for every incoming
// request named after R. Exactly one handler — callback or polling — may
// be registered per request name on a given Endpoint.
func RegisterRequestHandler[A comparable, R Request, Resp any](e *Endpoint[A], fn func(ctx context.Context, source A, req R) (Resp, error)) error {
	var zero R
	name := zero.RequestName()

	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requestHandlers[name]; exists {
		return ErrDuplicateHandler
	}
	if _, exists := s.pollingRequestHandlers[name]; exists {
		return ErrDuplicateHandler
	}
	s.requestHandlers[name] = &callbackRequestHandler[A, R, Resp]{name: name, fn: fn}
	return nil
}

// RegisterNotificationHandler registers a callback invoked for every
// incoming notification named after N. The dispatcher spawns it and
// moves on to the next event without waiting for it to finish.
func RegisterNotificationHandler[A comparable, N Notification](e *Endpoint[A], fn func(ctx context.Context, source A, n N) error) error {
	return registerNotificationHandler[A, N](e, fn, false)
}

// RegisterBlockingNotificationHandler is identical to
// RegisterNotificationHandler except the dispatcher waits for the handler
// to return before processing the next event. Reserve this for handlers
// that must observe a consistent view of routing state before the next
// frame is processed; anything slower will stall the whole Endpoint.
func RegisterBlockingNotificationHandler[A comparable, N Notification](e *Endpoint[A], fn func(ctx context.Context, source A, n N) error) error {
	return registerNotificationHandler[A, N](e, fn, true)
}

func registerNotificationHandler[A comparable, N Notification](e *Endpoint[A], fn func(ctx context.Context, source A, n N) error, blocking bool) error {
	var zero N
	name := zero.NotificationName()

	s := e.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notificationHandlers[name]; exists {
		return ErrDuplicateHandler
	}
	if _, exists := s.pollingNotificationHandlers[name]; exists {
		return ErrDuplicateHandler
	}
	s.notificationHandlers[name] = &callbackNotificationHandler[A, N]{
		name:         name,
		log:          s.log,
		blockingFlag: blocking,
		fn:           fn,
	}
	return nil
}

// registerInternalHandlers wires the three internal route-protocol
// notifications into this Endpoint's own route table. Per the protocol,
// each is accepted only from a directly connected source; anything else
// is logged and dropped, since a non-neighbor has no business reporting
// forwarded routes.
func registerInternalHandlers[A comparable](e *Endpoint[A]) {
	s := e.state

	isDirect := func(source A) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.connections[source]
		return ok
	}

	_ = RegisterBlockingNotificationHandler[A, AddForwarded[A]](e, func(_ context.Context, source A, n AddForwarded[A]) error {
		if !isDirect(source) {
			s.log.Warn("AddForwarded from non-neighbor, dropping", "source", source)
			return nil
		}
		s.mu.Lock()
		s.routes.Inc(n.To, rtt.Through(source), n.Rtt)
		s.mu.Unlock()
		return nil
	})

	_ = RegisterNotificationHandler[A, RemoveForwarded[A]](e, func(_ context.Context, source A, n RemoveForwarded[A]) error {
		if !isDirect(source) {
			s.log.Warn("RemoveForwarded from non-neighbor, dropping", "source", source)
			return nil
		}
		s.mu.Lock()
		s.routes.Dec(n.To, rtt.Through(source))
		s.mu.Unlock()
		return nil
	})

	_ = RegisterNotificationHandler[A, UpdatedForwardedRtt[A]](e, func(_ context.Context, source A, n UpdatedForwardedRtt[A]) error {
		if !isDirect(source) {
			s.log.Warn("UpdatedForwardedRtt from non-neighbor, dropping", "source", source)
			return nil
		}
		s.mu.Lock()
		s.routes.Update(n.To, rtt.Through(source), n.Rtt)
		s.mu.Unlock()
		return nil
	})
}
