package wire

import "testing"

type echoRequest struct {
	Text string `json:"text"`
}

type echoResponse struct {
	Text string `json:"text"`
}

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	raw, err := EncodeRequest("alice", "bob", "Echo", &ResponseTo{Rid: "r1"}, echoRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode[string](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindRequest {
		t.Fatalf("expected KindRequest, got %v", env.Kind)
	}
	if env.Sender != "alice" || env.Receiver != "bob" || env.RequestName != "Echo" {
		t.Fatalf("unexpected routing fields: %#v", env)
	}
	if env.ResponseTo == nil || env.ResponseTo.Rid != "r1" {
		t.Fatalf("expected response-to rid r1, got %#v", env.ResponseTo)
	}

	payload, err := DecodePayload[echoRequest](env.Raw)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "hi" {
		t.Fatalf("expected payload text hi, got %q", payload.Text)
	}
}

func TestEncodeDecodeNotificationHasNoResponseTo(t *testing.T) {
	raw, err := EncodeRequest("alice", "bob", "Ping", nil, struct{}{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode[string](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.ResponseTo != nil {
		t.Fatalf("expected no response-to for a notification, got %#v", env.ResponseTo)
	}
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	raw, err := EncodeResponse("alice", "r1", echoResponse{Text: "hi back"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode[string](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindResponse {
		t.Fatalf("expected KindResponse, got %v", env.Kind)
	}
	if env.RequestOrigin != "alice" || env.Rid != "r1" || env.Error != nil {
		t.Fatalf("unexpected response envelope: %#v", env)
	}

	payload, err := DecodePayload[echoResponse](env.Raw)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "hi back" {
		t.Fatalf("expected payload text 'hi back', got %q", payload.Text)
	}
}

func TestEncodeDecodeErrorResponse(t *testing.T) {
	raw, err := EncodeErrorResponse("alice", "r1", "boom")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode[string](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindResponse || env.Error == nil || *env.Error != "boom" {
		t.Fatalf("unexpected error response: %#v", env)
	}
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	_, err := Decode[string]([]byte(`{"foo":"bar"}`))
	if err != ErrMalformedEnvelope {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}
