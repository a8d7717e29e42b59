// Package transport defines the Stream abstraction the fast protocol engine
// consumes: a bidirectional byte stream with observable end/error. It is
// deliberately message-agnostic — framing and CRC verification live in
// internal/wire, structural validation in internal/message. Transport
// management (connecting, reconnecting, pooling, TLS) is out of scope
// (spec.md §1); this package only wraps an already-established connection.
// file: internal/transport/transport.go
package transport

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/fastproto/fastrpc/internal/logging"
)

// ReadChunkSize is the buffer size each Stream.Read call fills at most.
// The engine's decoder is chunk-boundary agnostic (spec.md §4.1), so this
// value only affects syscall/goroutine-wakeup frequency, not correctness.
const ReadChunkSize = 64 * 1024

// Stream is a bidirectional byte stream with observable end/error. The
// client and server read loops call Read repeatedly and feed each chunk to
// an internal/wire.Decoder; io.EOF from Read signals a clean end, any other
// error is wrapped as a TransportError.
type Stream interface {
	// Read blocks until at least one byte is available, ctx is canceled, or
	// the stream ends. It returns io.EOF (with no bytes) when the peer has
	// closed its write side.
	Read(ctx context.Context) ([]byte, error)

	// Write sends data verbatim; callers pass already-framed bytes from
	// internal/wire.Encoder.
	Write(ctx context.Context, data []byte) error

	// Close shuts down the stream, unblocking any in-flight Read/Write.
	Close() error
}

// ErrorHandler handles an asynchronous stream error outside the normal
// read/write call path (e.g. a background flush failure).
type ErrorHandler func(ctx context.Context, err error)

// DefaultErrorHandler is a no-op, used when no handler is configured.
func DefaultErrorHandler(_ context.Context, _ error) {}

// calculatePreview renders a short, control-character-free preview of raw
// bytes for log fields — never the full payload, to keep log lines bounded.
func calculatePreview(data []byte) string {
	const maxPreviewLen = 100
	clip := data
	truncated := false
	if len(clip) > maxPreviewLen {
		clip = clip[:maxPreviewLen]
		truncated = true
	}
	preview := bytes.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '.'
		}
		return r
	}, clip)
	if truncated {
		return string(preview) + "..."
	}
	return string(preview)
}

// netStream wraps an io.ReadWriteCloser (typically a net.Conn) as a Stream.
// Grounded on the teacher's NDJSONTransport's goroutine+channel cancellation
// pattern, stripped of line framing and JSON-RPC message validation — this
// layer moves raw bytes only.
type netStream struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	logger logging.Logger

	writeLock sync.Mutex
	closeLock sync.RWMutex
	closed    bool
}

// NewStream wraps rwc as a Stream, using logger for internal diagnostics.
func NewStream(rwc io.ReadWriteCloser, logger logging.Logger) Stream {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &netStream{
		reader: rwc,
		writer: rwc,
		closer: rwc,
		logger: logger.WithField("component", "net_stream"),
	}
}

type readResult struct {
	data []byte
	err  error
}

// Read implements Stream.Read.
func (s *netStream) Read(ctx context.Context) ([]byte, error) {
	s.closeLock.RLock()
	if s.closed {
		s.closeLock.RUnlock()
		return nil, NewClosedError("read")
	}
	s.closeLock.RUnlock()

	resultCh := make(chan readResult, 1)
	go func() {
		buf := make([]byte, ReadChunkSize)
		n, err := s.reader.Read(buf)
		if n > 0 {
			resultCh <- readResult{data: buf[:n], err: nil}
			return
		}
		resultCh <- readResult{err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, NewTimeoutError("read", ctx.Err())
	case result := <-resultCh:
		if result.err != nil && result.err != io.EOF {
			s.logger.Debug("stream read failed", "error", result.err)
			return nil, NewError(ErrGeneric, "stream read failed", result.err)
		}
		return result.data, result.err
	}
}

// Write implements Stream.Write.
func (s *netStream) Write(ctx context.Context, data []byte) error {
	s.closeLock.RLock()
	if s.closed {
		s.closeLock.RUnlock()
		return NewClosedError("write")
	}
	s.closeLock.RUnlock()

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.writer.Write(data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return NewTimeoutError("write", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			s.logger.Debug("stream write failed", "error", err, "preview", calculatePreview(data))
			return NewError(ErrGeneric, "stream write failed", err)
		}
		return nil
	}
}

// Close implements Stream.Close.
func (s *netStream) Close() error {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return NewError(ErrGeneric, "failed to close underlying stream", err)
		}
	}
	return nil
}
