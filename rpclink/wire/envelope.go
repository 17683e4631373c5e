// Package wire implements the on-the-wire JSON envelope shared by every
// frame an Endpoint sends or receives: requests, notifications, and
// responses are all a single flat JSON object, with the shape distinguished
// by which routing fields are present rather than by an explicit tag.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned when a decoded frame matches neither the
// request/notification field set nor the response field set.
var ErrMalformedEnvelope = errors.New("wire: frame is neither a request nor a response envelope")

// ResponseTo carries the correlation id a request expects its response to
// echo back. Its absence on an outgoing Request marks it a notification.
type ResponseTo struct {
	Rid string `json:"rid"`
}

// Kind distinguishes the two envelope shapes after decoding.
type Kind int

const (
	// KindRequest covers both requests and notifications: they share a
	// wire shape and differ only in whether ResponseTo is present.
	KindRequest Kind = iota
	KindResponse
)

// Envelope is a decoded frame with its routing fields parsed and its
// payload left as raw JSON for a caller to decode once it knows the
// concrete request/notification/response type.
type Envelope[A any] struct {
	Kind Kind

	// Populated when Kind == KindRequest.
	Sender      A
	Receiver    A
	RequestName string
	ResponseTo  *ResponseTo // nil for a notification

	// Populated when Kind == KindResponse.
	Rid           string
	RequestOrigin A
	Error         *string

	// Raw is the full decoded JSON object, still containing the payload
	// fields alongside the routing fields above. Decode it again into a
	// concrete type to recover the payload — encoding/json ignores the
	// extra routing keys it doesn't recognize.
	Raw json.RawMessage
}

type sniff[A any] struct {
	RequestOrigin *A          `json:"request_origin"`
	Rid           *string     `json:"rid"`
	Error         *string     `json:"error"`
	Sender        *A          `json:"sender"`
	Receiver      *A          `json:"receiver"`
	Request       *string     `json:"request"`
	Response      *ResponseTo `json:"response"`
}

// Decode parses raw into an Envelope, determining request vs. response by
// which routing fields are present. This stands in for a Rust untagged
// enum / serde(flatten): Go's encoding/json has neither, so the routing
// fields are sniffed via optional pointer fields and the payload is
// recovered later by re-decoding Raw into a concrete type.
func Decode[A any](raw []byte) (*Envelope[A], error) {
	var s sniff[A]
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	switch {
	case s.Rid != nil && s.RequestOrigin != nil:
		return &Envelope[A]{
			Kind:          KindResponse,
			Rid:           *s.Rid,
			RequestOrigin: *s.RequestOrigin,
			Error:         s.Error,
			Raw:           json.RawMessage(raw),
		}, nil
	case s.Sender != nil && s.Receiver != nil && s.Request != nil:
		return &Envelope[A]{
			Kind:        KindRequest,
			Sender:      *s.Sender,
			Receiver:    *s.Receiver,
			RequestName: *s.Request,
			ResponseTo:  s.Response,
			Raw:         json.RawMessage(raw),
		}, nil
	default:
		return nil, ErrMalformedEnvelope
	}
}

// DecodePayload re-decodes raw envelope JSON into a concrete payload type,
// ignoring the routing fields mixed into the same object.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// merge flattens payload's JSON fields into the same object as the
// routing fields, the Go-idiomatic substitute for #[serde(flatten)].
func merge(payload any, fields map[string]any) ([]byte, error) {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal payload: %w", err)
		}
		var flat map[string]json.RawMessage
		if err := json.Unmarshal(b, &flat); err != nil {
			return nil, fmt.Errorf("wire: payload is not a JSON object: %w", err)
		}
		for k, v := range flat {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// EncodeRequest builds the wire frame for a request or notification
// (when responseTo is nil) addressed from sender to receiver.
func EncodeRequest[A any](sender, receiver A, name string, responseTo *ResponseTo, payload any) ([]byte, error) {
	fields := map[string]any{
		"sender":   sender,
		"receiver": receiver,
		"request":  name,
	}
	if responseTo != nil {
		fields["response"] = responseTo
	}
	return merge(payload, fields)
}

// EncodeResponse builds the wire frame for a successful response.
func EncodeResponse[A any](requestOrigin A, rid string, payload any) ([]byte, error) {
	fields := map[string]any{
		"rid":            rid,
		"request_origin": requestOrigin,
	}
	return merge(payload, fields)
}

// EncodeErrorResponse builds the wire frame for a failed response.
func EncodeErrorResponse[A any](requestOrigin A, rid string, errMsg string) ([]byte, error) {
	fields := map[string]any{
		"rid":            rid,
		"request_origin": requestOrigin,
		"error":          errMsg,
	}
	return json.Marshal(fields)
}
