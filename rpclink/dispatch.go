package rpclink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meshlink/linkmesh/rpclink/wire"
	"github.com/meshlink/linkmesh/rtt"
)

// deliverFrame sends frame to to, resolving it to a direct send or a
// forward through the cheapest known via. It never holds the state lock
// across the Port.Send call.
func deliverFrame[A comparable](s *endpointState[A], to A, frame []byte) error {
	return deliverFrameExcluding(s, to, frame, nil)
}

// deliverFrameExcluding is deliverFrame with a blacklist of vias to
// refuse, used when re-forwarding a frame so it is never bounced straight
// back the way it came.
func deliverFrameExcluding[A comparable](s *endpointState[A], to A, frame []byte, blacklist map[rtt.Via[A]]struct{}) error {
	s.mu.RLock()
	via, ok := s.routes.ForwarderFor(to, blacklist)
	var conn *connection[A]
	if ok {
		target := to
		if peer, isForwarded := via.Peer(); isForwarded {
			target = peer
		}
		conn = s.connections[target]
	}
	s.mu.RUnlock()

	if !ok || conn == nil {
		return ErrNoRoute
	}
	return conn.port.Send(frame)
}

func (e *Endpoint[A]) deliver(to A, frame []byte) error {
	return deliverFrame(e.state, to, frame)
}

// sendNotificationDirect sends an internal route-protocol notification to
// a known direct peer, bypassing routing resolution since the recipient
// is, by construction, always one hop away.
func (e *Endpoint[A]) sendNotificationDirect(to A, n Notification) {
	s := e.state
	frame, err := wire.EncodeRequest(s.me, to, n.NotificationName(), nil, n)
	if err != nil {
		s.log.Error("failed to encode internal notification", "name", n.NotificationName(), "error", err)
		return
	}

	s.mu.RLock()
	conn, ok := s.connections[to]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := conn.port.Send(frame); err != nil {
		s.log.Warn("failed to send internal notification", "to", to, "name", n.NotificationName(), "error", err)
	}
}

func (e *Endpoint[A]) handleEvent(ctx context.Context, ev loopEvent[A]) {
	switch ev := ev.(type) {
	case inboundFrame[A]:
		e.handleInboundFrame(ctx, ev.source, ev.frame)
	case connectionEnded[A]:
		e.handleConnectionEnded(ev.from)
	case routeEvent[A]:
		e.handleRouteEvent(ev.event)
	}
}

// handleConnectionEnded is the event-loop counterpart to RemoveDirect, for
// a connection that died on its own (Port read failure, remote close)
// rather than by an explicit API call.
func (e *Endpoint[A]) handleConnectionEnded(from A) {
	s := e.state
	s.mu.Lock()
	_, existed := s.connections[from]
	delete(s.connections, from)
	if existed {
		s.routes.OnRemoveDirectConnection(from)
		for _, to := range s.routes.Forwarded(rtt.Through(from)) {
			s.routes.Dec(to, rtt.Through(from))
		}
	}
	s.mu.Unlock()
}

// handleRouteEvent translates one routing table change into the internal
// notifications it requires and sends each to the direct peer it concerns.
// A ConnectionAdded also wakes any WaitForConnectionTo callers blocked on
// that destination, whether the new route is direct or forwarded.
func (e *Endpoint[A]) handleRouteEvent(ev rtt.Event[A]) {
	s := e.state

	if added, ok := ev.(rtt.ConnectionAdded[A]); ok {
		s.mu.Lock()
		s.notifyWaiters(added.To)
		s.mu.Unlock()
	}

	s.mu.RLock()
	peers := make([]A, 0, len(s.connections))
	for p := range s.connections {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, tn := range routeNotifications(ev, peers) {
		e.sendNotificationDirect(tn.to, tn.n)
	}
}

// handleInboundFrame is called from the event loop for every frame
// received on any direct connection. source is the direct peer the frame
// was physically read from, which the provenance check uses to catch
// spoofed or looping frames before doing anything else with them.
func (e *Endpoint[A]) handleInboundFrame(ctx context.Context, source A, frame []byte) {
	s := e.state

	env, err := wire.Decode[A](frame)
	if err != nil {
		s.log.Warn("dropping malformed frame", "from", source, "error", err)
		return
	}

	if env.Kind == wire.KindResponse {
		if env.RequestOrigin == s.me {
			e.completeResponse(env)
			return
		}
		if err := deliverFrame(s, env.RequestOrigin, frame); err != nil {
			s.log.Warn("failed to forward response", "to", env.RequestOrigin, "error", err)
		}
		return
	}

	s.mu.RLock()
	plausible := s.routes.MayBeForwarderFor(rtt.Through(source), env.Sender)
	s.mu.RUnlock()
	if !plausible {
		s.log.Warn("dropping frame with implausible provenance", "claimed_sender", env.Sender, "physical_source", source)
		return
	}

	if env.Receiver != s.me {
		blacklist := map[rtt.Via[A]]struct{}{rtt.Through(source): {}}
		if err := deliverFrameExcluding(s, env.Receiver, frame, blacklist); err != nil {
			s.log.Warn("failed to forward frame", "to", env.Receiver, "error", err)
			if env.ResponseTo != nil {
				e.respondTo(env.Sender, env.RequestName, env.ResponseTo.Rid, nil, errors.New("could not forward message: no connection"))
			}
		}
		return
	}

	e.handleForUs(ctx, env)
}

// handleForUs dispatches a request or notification addressed to this
// Endpoint to whatever handler — callback or polling — is registered for
// its name, or reports back that none is.
func (e *Endpoint[A]) handleForUs(ctx context.Context, env *wire.Envelope[A]) {
	if env.ResponseTo == nil {
		e.handleNotificationForUs(ctx, env)
		return
	}
	e.handleRequestForUs(ctx, env)
}

func (e *Endpoint[A]) handleNotificationForUs(ctx context.Context, env *wire.Envelope[A]) {
	s := e.state

	s.mu.RLock()
	cb, hasCb := s.notificationHandlers[env.RequestName]
	sink, hasPoll := s.pollingNotificationHandlers[env.RequestName]
	s.mu.RUnlock()

	if hasCb {
		if cb.blocking() {
			cb.handle(ctx, env.Sender, env.Raw)
		} else {
			go cb.handle(ctx, env.Sender, env.Raw)
		}
		return
	}
	if hasPoll && sink.send(polledNotification[A]{from: env.Sender, payload: env.Raw}) {
		return
	}
	s.log.Warn("no handler for notification, dropping", "name", env.RequestName, "from", env.Sender)
}

func (e *Endpoint[A]) handleRequestForUs(ctx context.Context, env *wire.Envelope[A]) {
	s := e.state
	rid := env.ResponseTo.Rid

	s.mu.RLock()
	cb, hasCb := s.requestHandlers[env.RequestName]
	sink, hasPoll := s.pollingRequestHandlers[env.RequestName]
	s.mu.RUnlock()

	if hasCb {
		go func() {
			payload, err := cb.handle(ctx, env.Sender, env.Raw)
			e.respondTo(env.Sender, env.RequestName, rid, payload, err)
		}()
		return
	}
	if hasPoll {
		opaque := &opaquePollingRequest[A]{state: s, from: env.Sender, rid: rid, payload: env.Raw}
		if sink.send(opaque) {
			return
		}
	}

	e.respondTo(env.Sender, env.RequestName, rid, nil, fmt.Errorf("no handler defined for %s", env.RequestName))
}

func (e *Endpoint[A]) respondTo(to A, requestName, rid string, payload json.RawMessage, respErr error) {
	s := e.state

	var frame []byte
	var err error
	if respErr != nil {
		msg := respErr.Error()
		var re *ResponseError
		if errors.As(respErr, &re) {
			msg = re.Message
		}
		frame, err = wire.EncodeErrorResponse(to, rid, msg)
	} else {
		frame, err = wire.EncodeResponse(to, rid, payload)
	}
	if err != nil {
		s.log.Error("failed to encode response", "name", requestName, "error", err)
		return
	}
	if err := deliverFrame(s, to, frame); err != nil {
		s.log.Warn("failed to deliver response", "to", to, "name", requestName, "error", err)
	}
}

// completeResponse matches an inbound response to the Request call that
// is waiting for it. A response for a request that has already timed out
// or been completed (rid not found) is logged and dropped.
func (e *Endpoint[A]) completeResponse(env *wire.Envelope[A]) {
	s := e.state

	s.mu.Lock()
	ch, ok := s.pending[env.Rid]
	if ok {
		delete(s.pending, env.Rid)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("response for unknown or already-completed request, dropping", "rid", env.Rid)
		return
	}

	var result pendingResult
	if env.Error != nil {
		result.err = &ResponseError{Message: *env.Error}
	} else {
		result.payload = env.Raw
	}
	ch <- result
}
