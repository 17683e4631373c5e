package port

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func TestStdioSendWritesLengthPrefixedFrame(t *testing.T) {
	var out bytes.Buffer
	s := NewStdio(StdioConfig{Reader: bytes.NewReader(nil), Writer: &out})
	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if out.Len() != 4+5 {
		t.Fatalf("expected 9 bytes, got %d", out.Len())
	}
	n := binary.NativeEndian.Uint32(out.Bytes()[:4])
	if n != 5 {
		t.Fatalf("expected length prefix 5, got %d", n)
	}
	if string(out.Bytes()[4:]) != "hello" {
		t.Fatalf("expected payload 'hello', got %q", out.Bytes()[4:])
	}
}

func TestStdioReadLoopDeliversFrames(t *testing.T) {
	var in bytes.Buffer
	writeFrame(t, &in, []byte("one"))
	writeFrame(t, &in, []byte("two"))

	s := NewStdio(StdioConfig{Reader: &in, Writer: &bytes.Buffer{}})
	received := make(chan []byte, 2)
	s.SetFrameHandler(func(frame []byte) {
		cp := append([]byte(nil), frame...)
		received <- cp
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var got [][]byte
	for i := 0; i < 2; i++ {
		select {
		case f := <-received:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	if string(got[0]) != "one" || string(got[1]) != "two" {
		t.Fatalf("unexpected frames: %q %q", got[0], got[1])
	}
}

func TestStdioReadLoopFiresCloseHandlerOnEOF(t *testing.T) {
	var in bytes.Buffer
	writeFrame(t, &in, []byte("one"))

	s := NewStdio(StdioConfig{Reader: &in, Writer: &bytes.Buffer{}})
	s.SetFrameHandler(func(frame []byte) {})
	closed := make(chan struct{})
	s.SetCloseHandler(func() { close(closed) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler was not invoked after EOF")
	}
}

func writeFrame(t *testing.T, buf *bytes.Buffer, payload []byte) {
	t.Helper()
	var size [4]byte
	binary.NativeEndian.PutUint32(size[:], uint32(len(payload)))
	buf.Write(size[:])
	buf.Write(payload)
}
