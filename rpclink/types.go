// Package rpclink implements a multi-hop message-passing overlay: a single
// Endpoint per node exchanges requests, notifications and responses with
// directly connected peers, forwarding on behalf of peers it can reach
// only indirectly, and keeps every neighbor's view of the network's route
// table converged as links come and go.
package rpclink

import (
	"errors"
	"fmt"
)

// Request is implemented by every request payload type. RequestName
// identifies the request on the wire and must be unique across every
// request type registered on a given Endpoint.
type Request interface {
	RequestName() string
}

// Notification is implemented by every notification payload type.
// NotificationName identifies the notification on the wire and must be
// unique across every notification type registered on a given Endpoint.
type Notification interface {
	NotificationName() string
}

// ResponseError is the only error type ever marshaled across the link: a
// plain message, with no structured detail, matching what the wire
// envelope's "error" field carries.
type ResponseError struct {
	Message string
}

func (e *ResponseError) Error() string {
	return e.Message
}

// Sentinel errors for static failure conditions. Use errors.Is to test
// for these; wrapped errors (fmt.Errorf with %w) carry additional
// context.
var (
	// ErrDuplicateHandler is returned by a Register* call when a handler
	// (callback or polling) is already registered for that request or
	// notification name.
	ErrDuplicateHandler = errors.New("rpclink: a handler is already registered for this name")

	// ErrNoRoute is returned when SendNotification or SendRequest is called
	// for a destination with no known path, direct or forwarded.
	ErrNoRoute = errors.New("rpclink: no route to destination")

	// ErrStreamClosed names the condition of a polling stream that has
	// been closed. Next does not return it: Next reports a closed stream
	// by returning (nil, false).
	ErrStreamClosed = errors.New("rpclink: polling stream is closed")

	// ErrAlreadyResponded is returned by a second call to RespondOk or
	// RespondErr on the same PollingRequest.
	ErrAlreadyResponded = errors.New("rpclink: polling request already responded to")

	// ErrWaitCancelled is returned by WaitForConnectionTo when its
	// context is cancelled before the target address becomes reachable.
	// Closing the Endpoint does not wake a pending WaitForConnectionTo.
	ErrWaitCancelled = errors.New("rpclink: wait for connection cancelled")
)

func errDecodePayload(name string, err error) error {
	return fmt.Errorf("rpclink: decoding payload for %q: %w", name, err)
}
