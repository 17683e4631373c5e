package port

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxFrameSize bounds a single incoming frame; a length prefix larger than
// this is treated as a corrupt stream rather than an attempt to allocate
// an unbounded buffer.
const maxFrameSize = 64 << 20

// StdioConfig holds the configuration for a native-messaging-framed Port.
type StdioConfig struct {
	// Reader is the byte stream to read frames from (typically os.Stdin).
	Reader io.Reader
	// Writer is the byte stream to write frames to (typically os.Stdout).
	Writer io.Writer
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Stdio implements Port by framing each message with a 4-byte
// native-byte-order length prefix, the format used by browser native
// messaging hosts: [u32 length][payload bytes].
type Stdio struct {
	cfg StdioConfig
	log *slog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	handler      FrameHandler
	closeHandler CloseHandler
	done         chan struct{}
}

// NewStdio creates a Stdio port. Start must be called before frames are
// read; Send writes frames whether or not Start has been called.
func NewStdio(cfg StdioConfig) *Stdio {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stdio{
		cfg: cfg,
		log: cfg.Logger.WithGroup("stdio"),
	}
}

// SetFrameHandler implements Port.
func (s *Stdio) SetFrameHandler(fn FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// SetCloseHandler implements Port.
func (s *Stdio) SetCloseHandler(fn CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = fn
}

// Start implements Port.
func (s *Stdio) Start(ctx context.Context) error {
	if s.cfg.Reader == nil || s.cfg.Writer == nil {
		return errors.New("port: stdio requires both a Reader and a Writer")
	}
	s.mu.Lock()
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(ctx)
	return nil
}

// Stop implements Port.
func (s *Stdio) Stop() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Send implements Port.
func (s *Stdio) Send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("port: frame of %d bytes exceeds max frame size", len(frame))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var size [4]byte
	binary.NativeEndian.PutUint32(size[:], uint32(len(frame)))
	if _, err := s.cfg.Writer.Write(size[:]); err != nil {
		return fmt.Errorf("port: writing frame length: %w", err)
	}
	if _, err := s.cfg.Writer.Write(frame); err != nil {
		return fmt.Errorf("port: writing frame body: %w", err)
	}
	return nil
}

func (s *Stdio) readLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var size [4]byte
		if _, err := io.ReadFull(s.cfg.Reader, size[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error("stdin read failed", "error", err)
			}
			s.fireClosed()
			return
		}
		n := binary.NativeEndian.Uint32(size[:])
		if n > maxFrameSize {
			s.log.Error("frame exceeds max size, closing", "size", n)
			s.fireClosed()
			return
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(s.cfg.Reader, buf); err != nil {
			s.log.Error("stdin read failed", "error", err)
			s.fireClosed()
			return
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(buf)
		}
	}
}

// fireClosed invokes the registered close handler, if any. Only called
// when the read side ends on its own (EOF or I/O error), never when the
// loop returns because the context passed to Start is done.
func (s *Stdio) fireClosed() {
	s.mu.Lock()
	cb := s.closeHandler
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

var _ Port = (*Stdio)(nil)
