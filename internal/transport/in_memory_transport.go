// file: internal/transport/in_memory_transport.go
package transport

import (
	"context"
	"io"
	"sync"
)

// InMemoryStream implements Stream over in-memory channels, for tests that
// wire a client engine directly to a server engine without real I/O.
type InMemoryStream struct {
	incoming chan []byte
	outgoing chan []byte

	closed    bool
	closeLock sync.RWMutex
	readLock  sync.Mutex
	writeLock sync.Mutex
}

// InMemoryStreamPair is a connected pair of InMemoryStreams: bytes written
// to one arrive on the other's Read.
type InMemoryStreamPair struct {
	ClientStream *InMemoryStream
	ServerStream *InMemoryStream
}

// NewInMemoryStreamPair builds a connected pair with buffered channels,
// avoiding lockstep blocking between the two sides under normal test load.
func NewInMemoryStreamPair() *InMemoryStreamPair {
	clientToServer := make(chan []byte, 100)
	serverToClient := make(chan []byte, 100)

	client := &InMemoryStream{incoming: serverToClient, outgoing: clientToServer}
	server := &InMemoryStream{incoming: clientToServer, outgoing: serverToClient}

	return &InMemoryStreamPair{ClientStream: client, ServerStream: server}
}

// Read implements Stream.Read.
func (s *InMemoryStream) Read(ctx context.Context) ([]byte, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	s.closeLock.RLock()
	if s.closed {
		s.closeLock.RUnlock()
		return nil, NewClosedError("read")
	}
	s.closeLock.RUnlock()

	select {
	case <-ctx.Done():
		return nil, NewTimeoutError("read", ctx.Err())
	case chunk, ok := <-s.incoming:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	}
}

// Write implements Stream.Write.
func (s *InMemoryStream) Write(ctx context.Context, data []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	s.closeLock.RLock()
	if s.closed {
		s.closeLock.RUnlock()
		return NewClosedError("write")
	}
	s.closeLock.RUnlock()

	select {
	case <-ctx.Done():
		return NewTimeoutError("write", ctx.Err())
	case s.outgoing <- data:
		return nil
	}
}

// Close implements Stream.Close. It marks the stream closed but does not
// close the underlying channel — the peer may still be draining it, and
// closing a channel with an active sender would panic. A Read or Write
// already blocked on its channel is not woken by Close; it returns when the
// channel operation completes or its context is done.
func (s *InMemoryStream) Close() error {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

// CloseChannels closes both directions' underlying channels, causing
// blocked/future Reads to observe io.EOF. Call only once both sides are
// done, typically in test cleanup.
func (p *InMemoryStreamPair) CloseChannels() {
	p.ClientStream.closeLock.Lock()
	p.ServerStream.closeLock.Lock()
	defer p.ClientStream.closeLock.Unlock()
	defer p.ServerStream.closeLock.Unlock()

	close(p.ClientStream.outgoing)
	close(p.ServerStream.outgoing)
}
