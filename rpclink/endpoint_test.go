package rpclink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshlink/linkmesh/rpclink/wire"
	"github.com/meshlink/linkmesh/rtt"
)

type echoRequest struct {
	Msg string `json:"msg"`
}

func (echoRequest) RequestName() string { return "Echo" }

type echoResponse struct {
	Msg string `json:"msg"`
}

type pingRequest struct{}

func (pingRequest) RequestName() string { return "Ping" }

type pingResponse struct {
	Pong bool `json:"pong"`
}

func runEndpoint(t *testing.T, ctx context.Context, e *Endpoint[string]) {
	t.Helper()
	go func() {
		_ = e.Run(ctx)
	}()
}

// TestTwoNodeRequestResponse is scenario 1 from spec §8: two directly
// connected nodes, a registered echo handler, a request that round-trips.
func TestTwoNodeRequestResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1 := New[string]("N1", Config{})
	n2 := New[string]("N2", Config{})
	runEndpoint(t, ctx, n1)
	runEndpoint(t, ctx, n2)

	if err := RegisterRequestHandler[string, echoRequest, echoResponse](n2, func(_ context.Context, _ string, req echoRequest) (echoResponse, error) {
		return echoResponse{Msg: req.Msg}, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	link(ctx, t, n1, "N1", n2, "N2", 10)

	resp, err := SendRequest[string, echoRequest, echoResponse](ctx, n1, "N2", echoRequest{Msg: "hi"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Msg != "hi" {
		t.Fatalf("expected echo of %q, got %q", "hi", resp.Msg)
	}
}

// TestThreeNodeForwarding is scenario 2: A—B—C, A requests C through B
// once routing has converged, and B never needs to understand the payload.
func TestThreeNodeForwarding(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := New[string]("A", Config{})
	b := New[string]("B", Config{})
	c := New[string]("C", Config{})
	runEndpoint(t, ctx, a)
	runEndpoint(t, ctx, b)
	runEndpoint(t, ctx, c)

	var seenSender, seenReceiver string
	if err := RegisterRequestHandler[string, pingRequest, pingResponse](c, func(_ context.Context, source string, _ pingRequest) (pingResponse, error) {
		seenSender = source
		seenReceiver = "C"
		return pingResponse{Pong: true}, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	link(ctx, t, a, "A", b, "B", 5)
	link(ctx, t, b, "B", c, "C", 7)

	if err := a.WaitForConnectionTo(ctx, "C"); err != nil {
		t.Fatalf("wait for connection to C: %v", err)
	}

	resp, err := SendRequest[string, pingRequest, pingResponse](ctx, a, "C", pingRequest{})
	if err != nil {
		t.Fatalf("request through forwarder: %v", err)
	}
	if !resp.Pong {
		t.Fatal("expected pong")
	}
	if seenSender != "A" || seenReceiver != "C" {
		t.Fatalf("unexpected envelope addressing: sender=%q receiver=%q", seenSender, seenReceiver)
	}
}

// TestProvenanceRejectsImplausibleForward is scenario 3: a frame physically
// arriving from direct peer B, claiming sender C, is only accepted when A's
// route set actually lists Through(B) for C. Here A has no route to C at
// all, so the frame must be dropped rather than delivered.
func TestProvenanceRejectsImplausibleForward(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := New[string]("A", Config{})
	b := New[string]("B", Config{})
	runEndpoint(t, ctx, a)
	runEndpoint(t, ctx, b)

	delivered := make(chan struct{}, 1)
	if err := RegisterNotificationHandler[string, pingNotification](a, func(_ context.Context, _ string, _ pingNotification) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	link(ctx, t, a, "A", b, "B", 5)

	// A's only route concerning C is nonexistent, so a frame physically
	// arriving from B (a real direct peer) but claiming sender "C" fails
	// the provenance check: Through(B) is not in C's (nonexistent) via set.
	a.state.mu.RLock()
	plausible := a.state.routes.MayBeForwarderFor(rtt.Through("B"), "C")
	a.state.mu.RUnlock()
	if plausible {
		t.Fatal("expected implausible provenance: A has no route to C via B")
	}

	frame, err := wire.EncodeRequest("C", "A", pingNotification{}.NotificationName(), nil, pingNotification{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a.handleInboundFrame(ctx, "B", frame)
	select {
	case <-delivered:
		t.Fatal("handler fired despite failed provenance check")
	case <-time.After(100 * time.Millisecond):
	}
}

type pingNotification struct{}

func (pingNotification) NotificationName() string { return "PingNotify" }

// TestDuplicateHandlerRegistrationRejected checks handler-slot uniqueness
// across callback and polling registration for the same name.
func TestDuplicateHandlerRegistrationRejected(t *testing.T) {
	e := New[string]("N", Config{})

	if err := RegisterRequestHandler[string, echoRequest, echoResponse](e, func(_ context.Context, _ string, req echoRequest) (echoResponse, error) {
		return echoResponse{}, nil
	}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := RegisterRequestHandler[string, echoRequest, echoResponse](e, func(_ context.Context, _ string, req echoRequest) (echoResponse, error) {
		return echoResponse{}, nil
	}); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
	if _, err := RegisterPollingRequestHandler[string, echoRequest](e); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler for polling over callback, got %v", err)
	}
}

// TestPollingStreamCloseDeregisters is scenario 5: closing a polling
// stream deregisters its slot so a fresh registration succeeds.
func TestPollingStreamCloseDeregisters(t *testing.T) {
	e := New[string]("N", Config{})

	stream, err := RegisterPollingRequestHandler[string, echoRequest](e)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	stream.Close()

	if _, err := RegisterPollingRequestHandler[string, echoRequest](e); err != nil {
		t.Fatalf("expected reregistration to succeed after close, got %v", err)
	}
}

// TestUnrespondedPollingRequestAutoErrors is scenario 6: a polling request
// pulled from the stream and then dropped without a response must still
// get an error response delivered to the original requester.
func TestUnrespondedPollingRequestAutoErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1 := New[string]("N1", Config{})
	n2 := New[string]("N2", Config{})
	runEndpoint(t, ctx, n1)
	runEndpoint(t, ctx, n2)

	stream, err := RegisterPollingRequestHandler[string, echoRequest](n2)
	if err != nil {
		t.Fatalf("register polling handler: %v", err)
	}

	link(ctx, t, n1, "N1", n2, "N2", 10)

	go func() {
		req, ok := stream.Next(ctx)
		if !ok {
			return
		}
		// Simulate the application dropping the request wrapper without
		// ever calling RespondOk/RespondErr.
		req.opaque.autoRespondIfUnanswered()
	}()

	_, err = SendRequest[string, echoRequest, echoResponse](ctx, n1, "N2", echoRequest{Msg: "hi"})
	if err == nil {
		t.Fatal("expected an error response")
	}
	var re *ResponseError
	if !errors.As(err, &re) || re.Message != "no response was provided" {
		t.Fatalf("expected ResponseError(%q), got %v", "no response was provided", err)
	}
}
